package permission

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/storage"
)

// ConfigVersion is the current permissions document version.
const ConfigVersion = 1

// Config is the persisted permissions document.
type Config struct {
	Version    int              `json:"version"`
	FileSystem FileSystemConfig `json:"fileSystem"`
	Commands   CommandConfig    `json:"commands"`
	Network    NetworkConfig    `json:"network"`
	Tools      ToolConfig       `json:"tools"`
	Safety     SafetyConfig     `json:"safety"`

	// Extra holds unknown top-level members so a save round-trips them.
	Extra map[string]json.RawMessage `json:"-"`
}

// FileSystemConfig controls path checks. MaxFileSize is in bytes; 0 disables the limit.
type FileSystemConfig struct {
	AllowedPaths []string `json:"allowedPaths"`
	BlockedPaths []string `json:"blockedPaths"`
	MaxFileSize  int64    `json:"maxFileSize"`
	AllowCreate  bool     `json:"allowCreate"`
	AllowDelete  bool     `json:"allowDelete"`
}

// CommandConfig controls command checks. MaxExecutionTime is in milliseconds.
type CommandConfig struct {
	AllowedCommands        []string `json:"allowedCommands"`
	BlockedCommands        []string `json:"blockedCommands"`
	AllowArbitraryCommands bool     `json:"allowArbitraryCommands"`
	MaxExecutionTime       int      `json:"maxExecutionTime"`
	AllowSudo              bool     `json:"allowSudo"`
}

// NetworkConfig controls host checks.
type NetworkConfig struct {
	AllowOutgoing  bool     `json:"allowOutgoing"`
	AllowedHosts   []string `json:"allowedHosts"`
	BlockedHosts   []string `json:"blockedHosts"`
	AllowLocalhost bool     `json:"allowLocalhost"`
}

// ToolConfig controls tool checks.
type ToolConfig struct {
	AutoApproved        []string `json:"autoApproved"`
	Disabled            []string `json:"disabled"`
	RequireConfirmation []string `json:"requireConfirmation"`
}

// SafetyConfig holds the global switches. MaxOperationsPerSession of 0
// disables the write limit.
type SafetyConfig struct {
	SandboxMode             bool `json:"sandboxMode"`
	ConfirmDestructive      bool `json:"confirmDestructive"`
	DryRunMode              bool `json:"dryRunMode"`
	MaxOperationsPerSession int  `json:"maxOperationsPerSession"`
}

// defaultCommands are allowed both bare and with arguments.
var defaultCommands = []string{
	"ls", "pwd", "cat", "head", "tail", "wc", "echo", "printf", "grep", "rg", "find",
	"sort", "uniq", "diff", "which", "env", "date", "true", "false", "test",
	"cd", "sleep",
	"mkdir", "touch", "cp", "mv", "rm",
	"git", "go", "make", "npm", "npx", "node", "yarn", "pnpm",
	"python", "python3", "pip", "pytest", "cargo", "rustc",
}

// DefaultConfig returns the built-in permissions configuration.
func DefaultConfig() Config {
	allowed := make([]string, 0, len(defaultCommands)*2)
	for _, c := range defaultCommands {
		allowed = append(allowed, c, c+" *")
	}
	return Config{
		Version: ConfigVersion,
		FileSystem: FileSystemConfig{
			AllowedPaths: []string{"**"},
			BlockedPaths: []string{
				"**/.env",
				"**/.env.*",
				"**/*.pem",
				"**/*.key",
				"**/id_rsa*",
				"**/id_ed25519*",
				"**/.ssh/**",
				"**/.aws/**",
				"**/.gnupg/**",
				"/etc/shadow",
				"/etc/sudoers",
			},
			MaxFileSize: 10 * 1024 * 1024,
			AllowCreate: true,
			AllowDelete: true,
		},
		Commands: CommandConfig{
			AllowedCommands: allowed,
			BlockedCommands: []string{
				"rm -rf /",
				"rm -rf /*",
				"rm -rf ~*",
				"mkfs*",
				"dd *of=/dev/*",
				":(){ :|:& };:",
				"chmod -R 777 /*",
				"curl *| sh*",
				"curl *| bash*",
				"wget *| sh*",
				"wget *| bash*",
			},
			MaxExecutionTime: 30000,
		},
		Network: NetworkConfig{
			AllowOutgoing:  true,
			AllowedHosts:   []string{"*"},
			BlockedHosts:   []string{},
			AllowLocalhost: true,
		},
		Tools: ToolConfig{
			AutoApproved:        []string{"read", "glob", "grep", "list"},
			Disabled:            []string{},
			RequireConfirmation: []string{"bash", "write", "edit", "delete"},
		},
		Safety: SafetyConfig{
			ConfirmDestructive:      true,
			MaxOperationsPerSession: 1000,
		},
	}
}

type configAlias Config

// MarshalJSON writes the document including preserved unknown members.
func (c Config) MarshalJSON() ([]byte, error) {
	return config.MarshalWithExtra(configAlias(c), c.Extra)
}

// Document is the on-disk shape with optional members, so that absent
// members can be told apart from zero values. A nil list is absent; an
// empty list clears the default.
type Document struct {
	Version    *int                `json:"version"`
	FileSystem *FileSystemDocument `json:"fileSystem"`
	Commands   *CommandDocument    `json:"commands"`
	Network    *NetworkDocument    `json:"network"`
	Tools      *ToolDocument       `json:"tools"`
	Safety     *SafetyDocument     `json:"safety"`
}

type FileSystemDocument struct {
	AllowedPaths []string `json:"allowedPaths"`
	BlockedPaths []string `json:"blockedPaths"`
	MaxFileSize  *int64   `json:"maxFileSize"`
	AllowCreate  *bool    `json:"allowCreate"`
	AllowDelete  *bool    `json:"allowDelete"`
}

type CommandDocument struct {
	AllowedCommands        []string `json:"allowedCommands"`
	BlockedCommands        []string `json:"blockedCommands"`
	AllowArbitraryCommands *bool    `json:"allowArbitraryCommands"`
	MaxExecutionTime       *int     `json:"maxExecutionTime"`
	AllowSudo              *bool    `json:"allowSudo"`
}

type NetworkDocument struct {
	AllowOutgoing  *bool    `json:"allowOutgoing"`
	AllowedHosts   []string `json:"allowedHosts"`
	BlockedHosts   []string `json:"blockedHosts"`
	AllowLocalhost *bool    `json:"allowLocalhost"`
}

type ToolDocument struct {
	AutoApproved        []string `json:"autoApproved"`
	Disabled            []string `json:"disabled"`
	RequireConfirmation []string `json:"requireConfirmation"`
}

type SafetyDocument struct {
	SandboxMode             *bool `json:"sandboxMode"`
	ConfirmDestructive      *bool `json:"confirmDestructive"`
	DryRunMode              *bool `json:"dryRunMode"`
	MaxOperationsPerSession *int  `json:"maxOperationsPerSession"`
}

// Merge overlays the members present in doc onto base, section by section
// and field by field. Negative limits are ignored with a warning.
func Merge(base Config, doc Document) Config {
	out := base.Clone()
	log := logging.Component("permission")

	if doc.Version != nil {
		out.Version = *doc.Version
	}
	if fs := doc.FileSystem; fs != nil {
		setList(&out.FileSystem.AllowedPaths, fs.AllowedPaths)
		setList(&out.FileSystem.BlockedPaths, fs.BlockedPaths)
		if fs.MaxFileSize != nil {
			if *fs.MaxFileSize < 0 {
				log.Warn().Int64("maxFileSize", *fs.MaxFileSize).Msg("ignoring negative file size limit")
			} else {
				out.FileSystem.MaxFileSize = *fs.MaxFileSize
			}
		}
		setBool(&out.FileSystem.AllowCreate, fs.AllowCreate)
		setBool(&out.FileSystem.AllowDelete, fs.AllowDelete)
	}
	if c := doc.Commands; c != nil {
		setList(&out.Commands.AllowedCommands, c.AllowedCommands)
		setList(&out.Commands.BlockedCommands, c.BlockedCommands)
		setBool(&out.Commands.AllowArbitraryCommands, c.AllowArbitraryCommands)
		if c.MaxExecutionTime != nil {
			if *c.MaxExecutionTime < 0 {
				log.Warn().Int("maxExecutionTime", *c.MaxExecutionTime).Msg("ignoring negative execution time")
			} else {
				out.Commands.MaxExecutionTime = *c.MaxExecutionTime
			}
		}
		setBool(&out.Commands.AllowSudo, c.AllowSudo)
	}
	if n := doc.Network; n != nil {
		setBool(&out.Network.AllowOutgoing, n.AllowOutgoing)
		setList(&out.Network.AllowedHosts, n.AllowedHosts)
		setList(&out.Network.BlockedHosts, n.BlockedHosts)
		setBool(&out.Network.AllowLocalhost, n.AllowLocalhost)
	}
	if t := doc.Tools; t != nil {
		setList(&out.Tools.AutoApproved, t.AutoApproved)
		setList(&out.Tools.Disabled, t.Disabled)
		setList(&out.Tools.RequireConfirmation, t.RequireConfirmation)
	}
	if s := doc.Safety; s != nil {
		setBool(&out.Safety.SandboxMode, s.SandboxMode)
		setBool(&out.Safety.ConfirmDestructive, s.ConfirmDestructive)
		setBool(&out.Safety.DryRunMode, s.DryRunMode)
		if s.MaxOperationsPerSession != nil {
			if *s.MaxOperationsPerSession < 0 {
				log.Warn().Int("maxOperationsPerSession", *s.MaxOperationsPerSession).Msg("ignoring negative operation limit")
			} else {
				out.Safety.MaxOperationsPerSession = *s.MaxOperationsPerSession
			}
		}
	}
	if out.Safety.SandboxMode {
		out.applySandbox()
	}
	return out
}

// document converts c back into a fully populated Document.
func (c Config) document() Document {
	cc := c.Clone()
	return Document{
		Version: &cc.Version,
		FileSystem: &FileSystemDocument{
			AllowedPaths: nonNil(cc.FileSystem.AllowedPaths),
			BlockedPaths: nonNil(cc.FileSystem.BlockedPaths),
			MaxFileSize:  &cc.FileSystem.MaxFileSize,
			AllowCreate:  &cc.FileSystem.AllowCreate,
			AllowDelete:  &cc.FileSystem.AllowDelete,
		},
		Commands: &CommandDocument{
			AllowedCommands:        nonNil(cc.Commands.AllowedCommands),
			BlockedCommands:        nonNil(cc.Commands.BlockedCommands),
			AllowArbitraryCommands: &cc.Commands.AllowArbitraryCommands,
			MaxExecutionTime:       &cc.Commands.MaxExecutionTime,
			AllowSudo:              &cc.Commands.AllowSudo,
		},
		Network: &NetworkDocument{
			AllowOutgoing:  &cc.Network.AllowOutgoing,
			AllowedHosts:   nonNil(cc.Network.AllowedHosts),
			BlockedHosts:   nonNil(cc.Network.BlockedHosts),
			AllowLocalhost: &cc.Network.AllowLocalhost,
		},
		Tools: &ToolDocument{
			AutoApproved:        nonNil(cc.Tools.AutoApproved),
			Disabled:            nonNil(cc.Tools.Disabled),
			RequireConfirmation: nonNil(cc.Tools.RequireConfirmation),
		},
		Safety: &SafetyDocument{
			SandboxMode:             &cc.Safety.SandboxMode,
			ConfirmDestructive:      &cc.Safety.ConfirmDestructive,
			DryRunMode:              &cc.Safety.DryRunMode,
			MaxOperationsPerSession: &cc.Safety.MaxOperationsPerSession,
		},
	}
}

// applySandbox enforces the restrictions implied by sandbox mode.
func (c *Config) applySandbox() {
	c.Safety.SandboxMode = true
	c.Commands.AllowArbitraryCommands = false
	c.Commands.AllowSudo = false
	c.FileSystem.AllowDelete = false
}

// ParseConfig decodes a permissions document (JSON with comments or YAML,
// by the extension of path) and merges it over DefaultConfig.
func ParseConfig(path string, data []byte) (Config, error) {
	var doc Document
	if err := config.Decode(path, data, &doc); err != nil {
		return DefaultConfig(), err
	}
	cfg := Merge(DefaultConfig(), doc)

	if !config.IsYAML(path) {
		var probe json.RawMessage
		if err := config.Decode(path, data, &probe); err == nil {
			cfg.Extra = config.ExtraFields(probe, Document{})
		}
	}
	return cfg, nil
}

// LoadConfig reads the permissions document at path. A missing document
// yields the defaults. A malformed one yields the defaults and the decode
// error, which callers log; it is never fatal.
func LoadConfig(store *storage.Storage, path string) (Config, error) {
	data, err := store.Read(path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return DefaultConfig(), nil
		}
		return DefaultConfig(), err
	}
	return ParseConfig(path, data)
}

// ApplyEnv applies environment overrides. Flags only turn modes on or off;
// sandbox mode implies its restrictions.
func (c Config) ApplyEnv(env config.EnvOverrides) Config {
	out := c.Clone()
	if env.DryRun != nil {
		out.Safety.DryRunMode = *env.DryRun
	}
	if env.SandboxMode != nil {
		out.Safety.SandboxMode = *env.SandboxMode
	}
	if out.Safety.SandboxMode {
		out.applySandbox()
	}
	return out
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.FileSystem.AllowedPaths = cloneList(c.FileSystem.AllowedPaths)
	out.FileSystem.BlockedPaths = cloneList(c.FileSystem.BlockedPaths)
	out.Commands.AllowedCommands = cloneList(c.Commands.AllowedCommands)
	out.Commands.BlockedCommands = cloneList(c.Commands.BlockedCommands)
	out.Network.AllowedHosts = cloneList(c.Network.AllowedHosts)
	out.Network.BlockedHosts = cloneList(c.Network.BlockedHosts)
	out.Tools.AutoApproved = cloneList(c.Tools.AutoApproved)
	out.Tools.Disabled = cloneList(c.Tools.Disabled)
	out.Tools.RequireConfirmation = cloneList(c.Tools.RequireConfirmation)
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func setList(dst *[]string, src []string) {
	if src == nil {
		return
	}
	out := make([]string, 0, len(src))
	for _, s := range src {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func cloneList(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
