package toolgroup

// builtinTools classifies the tool names known at compile time. Keys are lower case.
var builtinTools = map[string][]Group{
	// filesystem reads
	"read":         {FSRead},
	"read_file":    {FSRead},
	"view":         {FSRead},
	"glob":         {FSRead},
	"glob_files":   {FSRead},
	"grep":         {FSRead},
	"search_files": {FSRead},
	"list":         {FSRead},
	"list_files":   {FSRead},
	"ls":           {FSRead},

	// filesystem writes
	"write":       {FSWrite},
	"write_file":  {FSWrite},
	"edit":        {FSWrite},
	"edit_file":   {FSWrite},
	"multiedit":   {FSWrite},
	"patch":       {FSWrite},
	"apply_patch": {FSWrite},
	"create_file": {FSWrite},
	"str_replace": {FSWrite},

	"delete":      {FSDelete},
	"delete_file": {FSDelete},
	"remove_file": {FSDelete},

	// runtime
	"bash":         {RuntimeShell},
	"shell":        {RuntimeShell},
	"exec":         {RuntimeShell},
	"terminal":     {RuntimeShell},
	"run_command":  {RuntimeShell},
	"process":      {RuntimeProcess},
	"kill_process": {RuntimeProcess},
	"code_exec":    {RuntimeCode},
	"execute_code": {RuntimeCode},
	"python":       {RuntimeCode},

	// web
	"webfetch":   {WebFetch},
	"web_fetch":  {WebFetch},
	"fetch":      {WebFetch},
	"http":       {WebFetch},
	"websearch":  {WebSearch},
	"web_search": {WebSearch},
	"browser":    {WebBrowser},
	"screenshot": {WebBrowser},

	// sessions and memory
	"session_status": {Sessions},
	"sessions_list":  {Sessions},
	"sessions_send":  {Sessions, Messaging},
	"todoread":       {Sessions},
	"todowrite":      {Sessions},
	"memory":         {Memory},
	"memory_read":    {Memory},
	"memory_write":   {Memory},
	"remember":       {Memory},

	// messaging
	"message":      {Messaging},
	"send_message": {Messaging},
	"notify":       {Messaging},
	"email":        {Messaging},

	// automation
	"cron":     {Automation},
	"cron_add": {Automation},
	"schedule": {Automation},
	"webhook":  {Automation},

	// agents
	"task":           {Agents},
	"spawn_subagent": {Agents},
	"delegate":       {Agents},
	"batch":          {Agents},

	// version control
	"git":        {VCS},
	"git_status": {VCS},
	"git_diff":   {VCS},
	"git_commit": {VCS},
}

// builtinPrefixes is ordered longest prefix first.
var builtinPrefixes = []prefixRule{
	{prefix: "plugin__", group: Plugins},
	{prefix: "plugin:", group: Plugins},
	{prefix: "mcp__", group: MCP},
	{prefix: "mcp:", group: MCP},
}
