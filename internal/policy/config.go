package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/phuetz/code-buddy-sub007/internal/config"
	"github.com/phuetz/code-buddy-sub007/internal/logging"
	"github.com/phuetz/code-buddy-sub007/internal/storage"
	"github.com/phuetz/code-buddy-sub007/internal/toolgroup"
)

// ConfigVersion is the current policy document version.
const ConfigVersion = 1

// Config is the persisted policy document.
type Config struct {
	Version         int                `json:"version"`
	ActiveProfile   string             `json:"activeProfile"`
	DefaultAction   Action             `json:"defaultAction"`
	AuditLog        bool               `json:"auditLog"`
	GlobalRules     []Rule             `json:"globalRules,omitempty"`
	AgentRules      map[string][]Rule  `json:"agentRules,omitempty"`
	ProviderRules   map[string][]Rule  `json:"providerRules,omitempty"`
	CustomProfiles  map[string]Profile `json:"customProfiles,omitempty"`
	GlobalOverrides map[string]Action  `json:"globalOverrides,omitempty"`

	// Extra holds unknown top-level members so a save round-trips them.
	Extra map[string]json.RawMessage `json:"-"`
}

// DefaultConfig returns the built-in policy configuration.
func DefaultConfig() Config {
	return Config{
		Version:       ConfigVersion,
		ActiveProfile: ProfileCoding,
		DefaultAction: ActionConfirm,
	}
}

type configAlias Config

// MarshalJSON writes the document including preserved unknown members.
func (c Config) MarshalJSON() ([]byte, error) {
	return config.MarshalWithExtra(configAlias(c), c.Extra)
}

// Document is the on-disk shape with optional scalars, so that absent
// members can be told apart from zero values.
type Document struct {
	Version         *int               `json:"version"`
	ActiveProfile   *string            `json:"activeProfile"`
	DefaultAction   *Action            `json:"defaultAction"`
	AuditLog        *bool              `json:"auditLog"`
	GlobalRules     []Rule             `json:"globalRules"`
	AgentRules      map[string][]Rule  `json:"agentRules"`
	ProviderRules   map[string][]Rule  `json:"providerRules"`
	CustomProfiles  map[string]Profile `json:"customProfiles"`
	GlobalOverrides map[string]Action  `json:"globalOverrides"`
}

// Merge overlays the members present in doc onto base, one field at a time.
// Invalid rules and overrides are dropped with a warning.
func Merge(base Config, doc Document) Config {
	out := base.Clone()
	log := logging.Component("policy")

	if doc.Version != nil {
		out.Version = *doc.Version
	}
	if doc.ActiveProfile != nil && strings.TrimSpace(*doc.ActiveProfile) != "" {
		out.ActiveProfile = strings.TrimSpace(*doc.ActiveProfile)
	}
	if doc.DefaultAction != nil {
		if doc.DefaultAction.Valid() {
			out.DefaultAction = *doc.DefaultAction
		} else {
			log.Warn().Str("action", string(*doc.DefaultAction)).Msg("ignoring invalid default action")
		}
	}
	if doc.AuditLog != nil {
		out.AuditLog = *doc.AuditLog
	}
	if doc.GlobalRules != nil {
		out.GlobalRules = validRules(doc.GlobalRules, "global")
	}
	if doc.AgentRules != nil {
		out.AgentRules = validRuleMap(doc.AgentRules, "agent")
	}
	if doc.ProviderRules != nil {
		out.ProviderRules = validRuleMap(doc.ProviderRules, "provider")
	}
	if doc.CustomProfiles != nil {
		out.CustomProfiles = make(map[string]Profile, len(doc.CustomProfiles))
		for name, p := range doc.CustomProfiles {
			if IsBuiltinProfile(name) {
				log.Warn().Str("profile", name).Msg("custom profile cannot replace a built-in profile")
				continue
			}
			p.Name = name
			p.Rules = validRules(p.Rules, "profile:"+name)
			out.CustomProfiles[name] = p
		}
	}
	if doc.GlobalOverrides != nil {
		out.GlobalOverrides = make(map[string]Action, len(doc.GlobalOverrides))
		for tool, a := range doc.GlobalOverrides {
			if !a.Valid() {
				log.Warn().Str("tool", tool).Str("action", string(a)).Msg("ignoring invalid override")
				continue
			}
			out.GlobalOverrides[tool] = a
		}
	}

	if _, err := Flatten(out.ActiveProfile, out.CustomProfiles); err != nil {
		log.Warn().Err(err).Str("fallback", base.ActiveProfile).Msg("active profile is unusable")
		out.ActiveProfile = base.ActiveProfile
	}
	return out
}

// ParseConfig decodes a policy document (JSON with comments or YAML, by the
// extension of path) and merges it over DefaultConfig.
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

// LoadConfig reads the policy document at path. A missing document yields
// the defaults. A malformed one yields the defaults and the decode error,
// which callers log; it is never fatal.
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

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.GlobalRules = cloneRules(c.GlobalRules)
	out.AgentRules = cloneRuleMap(c.AgentRules)
	out.ProviderRules = cloneRuleMap(c.ProviderRules)
	if c.CustomProfiles != nil {
		out.CustomProfiles = make(map[string]Profile, len(c.CustomProfiles))
		for k, p := range c.CustomProfiles {
			out.CustomProfiles[k] = cloneProfile(p)
		}
	}
	if c.GlobalOverrides != nil {
		out.GlobalOverrides = make(map[string]Action, len(c.GlobalOverrides))
		for k, v := range c.GlobalOverrides {
			out.GlobalOverrides[k] = v
		}
	}
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// ValidateRule reports why a rule can never be applied, if it cannot.
func ValidateRule(r Rule) error {
	if !r.Action.Valid() {
		return fmt.Errorf("invalid action %q", r.Action)
	}
	if strings.TrimSpace(string(r.Group)) == "" {
		return fmt.Errorf("empty group")
	}
	if strings.HasPrefix(string(r.Group), toolgroup.Prefix) && !toolgroup.Known(r.Group) {
		return fmt.Errorf("%w: %q", toolgroup.ErrUnknownGroup, r.Group)
	}
	return nil
}

func validRules(rules []Rule, scope string) []Rule {
	log := logging.Component("policy")
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			log.Warn().Err(err).Str("scope", scope).Str("group", string(r.Group)).Msg("dropping invalid rule")
			continue
		}
		for _, c := range r.Conditions {
			if err := c.Validate(); err != nil {
				log.Warn().Err(err).Str("scope", scope).Str("group", string(r.Group)).Msg("rule condition never matches")
			}
		}
		out = append(out, r)
	}
	return out
}

func validRuleMap(m map[string][]Rule, scope string) map[string][]Rule {
	out := make(map[string][]Rule, len(m))
	for k, rules := range m {
		out[k] = validRules(rules, scope+":"+k)
	}
	return out
}

func cloneRuleMap(m map[string][]Rule) map[string][]Rule {
	if m == nil {
		return nil
	}
	out := make(map[string][]Rule, len(m))
	for k, rules := range m {
		out[k] = cloneRules(rules)
	}
	return out
}
