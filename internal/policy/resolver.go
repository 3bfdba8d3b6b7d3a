// Package policy resolves a tool invocation to an allow, deny or confirm
// decision by walking a fixed precedence chain of rule sources.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/event"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/storage"
	"github.com/phuetz/code-buddy-sub007/internal/toolgroup"
)

// AuditFunc receives every decision made by a resolver.
type AuditFunc func(Decision)

// Resolver turns a tool name and context into a Decision.
// It is safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	cfg      Config
	profile  []Rule // flattened active profile
	active   string // profile in effect, cfg.ActiveProfile unless overridden
	override string
	taxonomy *toolgroup.Taxonomy

	store *storage.Storage
	path  string

	bus   *event.Bus
	audit AuditFunc
	now   func() time.Time
	log   zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTaxonomy sets the taxonomy used to classify tool names.
func WithTaxonomy(t *toolgroup.Taxonomy) Option {
	return func(r *Resolver) { r.taxonomy = t }
}

// WithBus publishes decisions and configuration changes to bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Resolver) { r.bus = bus }
}

// WithAudit registers a callback invoked with every decision.
func WithAudit(fn AuditFunc) Option {
	return func(r *Resolver) { r.audit = fn }
}

// WithStorage enables Save and Reload against the document at path.
func WithStorage(store *storage.Storage, path string) Option {
	return func(r *Resolver) {
		r.store = store
		r.path = path
	}
}

// WithProfileOverride makes name the profile in effect without changing
// the document. SetActiveProfile clears the override.
func WithProfileOverride(name string) Option {
	return func(r *Resolver) { r.override = strings.TrimSpace(name) }
}

// WithClock replaces time.Now for time conditions and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over cfg. An unusable active profile
// falls back to the default profile.
func NewResolver(cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		taxonomy: toolgroup.New(),
		now:      time.Now,
		log:      logging.Component("policy"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.apply(cfg.Clone())
	return r
}

// Load creates a resolver from the document at path. Load errors are
// logged and the defaults are used.
func Load(store *storage.Storage, path string, opts ...Option) *Resolver {
	cfg, err := LoadConfig(store, path)
	if err != nil {
		log := logging.Component("policy")
		log.Warn().Err(err).Str("path", path).Msg("policy document unreadable, using defaults")
	}
	return NewResolver(cfg, append([]Option{WithStorage(store, path)}, opts...)...)
}

// apply installs cfg and recomputes the flattened profile. Callers hold mu
// for writing, except NewResolver.
func (r *Resolver) apply(cfg Config) {
	if !cfg.DefaultAction.Valid() {
		cfg.DefaultAction = ActionConfirm
	}
	rules, err := Flatten(cfg.ActiveProfile, cfg.CustomProfiles)
	if err != nil {
		r.log.Warn().Err(err).Str("profile", cfg.ActiveProfile).Msg("falling back to default profile")
		cfg.ActiveProfile = DefaultConfig().ActiveProfile
		rules, _ = Flatten(cfg.ActiveProfile, nil)
	}
	r.cfg = cfg
	r.profile = rules
	r.active = cfg.ActiveProfile
	r.applyOverrideLocked()
}

func (r *Resolver) applyOverrideLocked() {
	if r.override == "" {
		return
	}
	rules, err := Flatten(r.override, r.cfg.CustomProfiles)
	if err != nil {
		r.log.Warn().Err(err).Str("profile", r.override).Msg("ignoring profile override")
		return
	}
	r.profile = rules
	r.active = r.override
}

// Resolve returns the decision for tool under ctx. It never fails.
func (r *Resolver) Resolve(tool string, ctx Context) Decision {
	now := ctx.Now
	if now.IsZero() {
		now = r.now()
	}
	groups := r.taxonomy.GroupsOf(tool)

	r.mu.RLock()
	d := r.resolveLocked(tool, groups, ctx, now)
	audit := r.cfg.AuditLog
	r.mu.RUnlock()

	d.Tool = tool
	d.Groups = groups
	d.Timestamp = now
	r.report(d, ctx, audit)
	return d
}

func (r *Resolver) resolveLocked(tool string, groups []toolgroup.Group, ctx Context, now time.Time) Decision {
	// 1. session override
	if a, ok := ctx.SessionOverrides[tool]; ok && a.Valid() {
		return Decision{Action: a, Source: SourceSession, Reason: fmt.Sprintf("session override for %s", tool)}
	}

	// 2. global override, per call first then configured
	if a, ok := ctx.GlobalOverrides[tool]; ok && a.Valid() {
		return Decision{Action: a, Source: SourceGlobal, Reason: fmt.Sprintf("global override for %s", tool)}
	}
	if a, ok := r.cfg.GlobalOverrides[tool]; ok && a.Valid() {
		return Decision{Action: a, Source: SourceGlobal, Reason: fmt.Sprintf("global override for %s", tool)}
	}

	// 3. global rule naming the tool literally
	for _, rule := range byPriority(r.cfg.GlobalRules) {
		if string(rule.Group) == tool && evaluateAll(rule.Conditions, ctx.Args, now) {
			return fromRule(rule, SourceGlobal)
		}
	}

	// 4. provider rules
	if ctx.Provider != "" {
		if rule, ok := firstMatch(r.cfg.ProviderRules[ctx.Provider], tool, groups, ctx.Args, now); ok {
			return fromRule(rule, SourceProvider)
		}
	}

	// 5. agent rules
	if ctx.AgentID != "" {
		if rule, ok := firstMatch(r.cfg.AgentRules[ctx.AgentID], tool, groups, ctx.Args, now); ok {
			return fromRule(rule, SourceAgent)
		}
	}

	// 6. global rules by descendance
	if rule, ok := firstMatch(r.cfg.GlobalRules, tool, groups, ctx.Args, now); ok {
		return fromRule(rule, SourceGlobal)
	}

	// 7. active profile
	if rule, ok := firstMatch(r.profile, tool, groups, ctx.Args, now); ok {
		d := fromRule(rule, SourceProfile)
		if rule.Reason == "" {
			d.Reason = fmt.Sprintf("profile %s: %s %s", r.active, rule.Action, rule.Group)
		}
		return d
	}

	// 8. default
	return Decision{
		Action: r.cfg.DefaultAction,
		Source: SourceDefault,
		Reason: fmt.Sprintf("no rule matched %s, default action is %s", tool, r.cfg.DefaultAction),
	}
}

// Applies reports whether rule covers tool, ignoring conditions: its group
// is "*", equals the tool name, or is an ancestor of one of groups.
func Applies(rule Rule, tool string, groups []toolgroup.Group) bool {
	if rule.Group == toolgroup.All || string(rule.Group) == tool {
		return true
	}
	for _, g := range groups {
		if toolgroup.IsDescendant(g, rule.Group) {
			return true
		}
	}
	return false
}

// firstMatch returns the highest-priority applicable rule whose conditions
// hold. Equal priorities keep list order.
func firstMatch(rules []Rule, tool string, groups []toolgroup.Group, args map[string]any, now time.Time) (Rule, bool) {
	for _, rule := range byPriority(rules) {
		if Applies(rule, tool, groups) && evaluateAll(rule.Conditions, args, now) {
			return rule, true
		}
	}
	return Rule{}, false
}

func byPriority(rules []Rule) []Rule {
	if len(rules) < 2 {
		return rules
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return sorted
}

func fromRule(rule Rule, source Source) Decision {
	rc := rule
	rc.Conditions = append([]Condition(nil), rule.Conditions...)
	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s rule: %s %s", source, rule.Action, rule.Group)
	}
	return Decision{Action: rule.Action, Source: source, Reason: reason, MatchedRule: &rc}
}

func (r *Resolver) report(d Decision, ctx Context, audit bool) {
	ev := r.log.Debug()
	if audit {
		ev = r.log.Info()
	}
	ev.Str("tool", d.Tool).
		Str("action", string(d.Action)).
		Str("source", string(d.Source)).
		Str("agent", ctx.AgentID).
		Str("provider", ctx.Provider).
		Str("reason", d.Reason).
		Msg("policy decision")

	if r.audit != nil {
		r.audit(d)
	}

	if r.bus == nil {
		return
	}
	data := event.PolicyDecisionData{
		Tool:     d.Tool,
		Action:   string(d.Action),
		Source:   string(d.Source),
		Reason:   d.Reason,
		AgentID:  ctx.AgentID,
		Provider: ctx.Provider,
	}
	for _, g := range d.Groups {
		data.Groups = append(data.Groups, string(g))
	}
	if d.MatchedRule != nil {
		data.Rule = string(d.MatchedRule.Group)
	}
	r.bus.Publish(event.Event{Type: event.PolicyDecision, Data: data})
	if d.Denied() {
		r.bus.Publish(event.Event{Type: event.PolicyDenied, Data: data})
	}
}

// Config returns a copy of the current configuration.
func (r *Resolver) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// ActiveProfile returns the name of the profile in effect.
func (r *Resolver) ActiveProfile() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Profiles lists built-in and custom profiles.
func (r *Resolver) Profiles() []ProfileInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return profileInfos(r.active, r.cfg.CustomProfiles)
}

// ProfileRules returns the flattened rule list of a profile.
func (r *Resolver) ProfileRules(name string) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, err := Flatten(name, r.cfg.CustomProfiles)
	return cloneRules(rules), err
}

// Taxonomy returns the taxonomy used for classification.
func (r *Resolver) Taxonomy() *toolgroup.Taxonomy {
	return r.taxonomy
}

// SetActiveProfile switches the active profile and persists the change.
func (r *Resolver) SetActiveProfile(name string) error {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	rules, err := Flatten(name, r.cfg.CustomProfiles)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	from := r.active
	r.cfg.ActiveProfile = name
	r.profile = rules
	r.active = name
	r.override = ""
	r.mu.Unlock()

	r.log.Info().Str("from", from).Str("to", name).Msg("active profile changed")
	r.bus.Publish(event.Event{Type: event.PolicyProfileChanged, Data: event.ProfileChangedData{From: from, To: name}})
	r.persist()
	return nil
}

// AddRule appends a rule to a scope. key names the agent, provider or
// custom profile and is ignored for the global scope. Built-in profiles
// cannot be modified.
func (r *Resolver) AddRule(scope Scope, key string, rule Rule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	for _, c := range rule.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	switch scope {
	case ScopeGlobal:
		r.cfg.GlobalRules = append(r.cfg.GlobalRules, rule)
	case ScopeAgent, ScopeProvider:
		if key == "" {
			r.mu.Unlock()
			return fmt.Errorf("add rule: %s scope needs a key", scope)
		}
		m := &r.cfg.AgentRules
		if scope == ScopeProvider {
			m = &r.cfg.ProviderRules
		}
		if *m == nil {
			*m = make(map[string][]Rule)
		}
		(*m)[key] = append((*m)[key], rule)
	case ScopeProfile:
		if IsBuiltinProfile(key) {
			r.mu.Unlock()
			return fmt.Errorf("add rule: built-in profile %q is read-only", key)
		}
		p, ok := r.cfg.CustomProfiles[key]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownProfile, key)
		}
		p.Rules = append(p.Rules, rule)
		r.cfg.CustomProfiles[key] = p
		r.refreshProfileLocked()
	default:
		r.mu.Unlock()
		return fmt.Errorf("add rule: unknown scope %q", scope)
	}
	r.mu.Unlock()

	r.bus.Publish(event.Event{Type: event.PolicyRuleAdded, Data: event.RuleChangedData{
		Scope:    string(scope),
		Key:      key,
		Group:    string(rule.Group),
		Action:   string(rule.Action),
		Priority: rule.Priority,
	}})
	r.persist()
	return nil
}

// RemoveRules deletes every rule for group in a scope and returns how many
// were removed.
func (r *Resolver) RemoveRules(scope Scope, key string, group toolgroup.Group) (int, error) {
	r.mu.Lock()
	var removed int
	switch scope {
	case ScopeGlobal:
		r.cfg.GlobalRules, removed = without(r.cfg.GlobalRules, group)
	case ScopeAgent, ScopeProvider:
		m := r.cfg.AgentRules
		if scope == ScopeProvider {
			m = r.cfg.ProviderRules
		}
		if rules, ok := m[key]; ok {
			m[key], removed = without(rules, group)
		}
	case ScopeProfile:
		p, ok := r.cfg.CustomProfiles[key]
		if !ok {
			r.mu.Unlock()
			return 0, fmt.Errorf("%w: %q", ErrUnknownProfile, key)
		}
		p.Rules, removed = without(p.Rules, group)
		r.cfg.CustomProfiles[key] = p
		r.refreshProfileLocked()
	default:
		r.mu.Unlock()
		return 0, fmt.Errorf("remove rules: unknown scope %q", scope)
	}
	r.mu.Unlock()

	if removed > 0 {
		r.bus.Publish(event.Event{Type: event.PolicyRuleRemoved, Data: event.RuleChangedData{
			Scope: string(scope),
			Key:   key,
			Group: string(group),
			Count: removed,
		}})
		r.persist()
	}
	return removed, nil
}

// SetDefaultAction changes the action used when nothing matches.
func (r *Resolver) SetDefaultAction(a Action) error {
	if !a.Valid() {
		return fmt.Errorf("invalid action %q", a)
	}
	r.mu.Lock()
	r.cfg.DefaultAction = a
	r.mu.Unlock()
	r.persist()
	return nil
}

// SetGlobalOverride pins the action for a tool name. An empty action removes the override.
func (r *Resolver) SetGlobalOverride(tool string, a Action) error {
	if a != "" && !a.Valid() {
		return fmt.Errorf("invalid action %q", a)
	}
	r.mu.Lock()
	if a == "" {
		delete(r.cfg.GlobalOverrides, tool)
	} else {
		if r.cfg.GlobalOverrides == nil {
			r.cfg.GlobalOverrides = make(map[string]Action)
		}
		r.cfg.GlobalOverrides[tool] = a
	}
	r.mu.Unlock()
	r.persist()
	return nil
}

// Reload re-reads the policy document. On failure the current
// configuration is kept and the error returned.
func (r *Resolver) Reload() error {
	if r.store == nil {
		return nil
	}
	cfg, err := LoadConfig(r.store, r.path)
	data := event.ConfigData{Document: config.PolicyDocument, Path: r.path}
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("policy reload failed, keeping current configuration")
		data.Error = err.Error()
		r.bus.Publish(event.Event{Type: event.ConfigReloaded, Data: data})
		return err
	}

	r.mu.Lock()
	r.apply(cfg)
	r.mu.Unlock()

	r.log.Info().Str("path", r.path).Str("profile", cfg.ActiveProfile).Msg("policy reloaded")
	r.bus.Publish(event.Event{Type: event.ConfigReloaded, Data: data})
	return nil
}

// Save writes the current configuration to the policy document.
func (r *Resolver) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	cfg := r.Config()
	err := config.Save(ctx, r.store, r.path, cfg)

	data := event.ConfigData{Document: config.PolicyDocument, Path: r.path}
	if err != nil {
		data.Error = err.Error()
	}
	r.bus.Publish(event.Event{Type: event.ConfigSaved, Data: data})
	return err
}

// persist saves after a mutation. Failures are logged and never returned.
func (r *Resolver) persist() {
	if err := r.Save(context.Background()); err != nil {
		r.log.Error().Err(err).Str("path", r.path).Msg("failed to save policy")
	}
}

func (r *Resolver) refreshProfileLocked() {
	if rules, err := Flatten(r.cfg.ActiveProfile, r.cfg.CustomProfiles); err == nil {
		r.profile = rules
		r.active = r.cfg.ActiveProfile
	}
	r.applyOverrideLocked()
}

func without(rules []Rule, group toolgroup.Group) ([]Rule, int) {
	out := rules[:0:0]
	for _, rule := range rules {
		if rule.Group != group {
			out = append(out, rule)
		}
	}
	return out, len(rules) - len(out)
}
