package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables read by the core.
const (
	EnvConfigDir     = "CODEBUDDY_CONFIG_DIR"
	EnvProfile       = "CODEBUDDY_PROFILE"
	EnvDryRun        = "CODEBUDDY_DRY_RUN"
	EnvSandboxMode   = "CODEBUDDY_SANDBOX_MODE"
	EnvSandboxMethod = "CODEBUDDY_SANDBOX_METHOD"
	EnvLogLevel      = "CODEBUDDY_LOG_LEVEL"
)

// EnvOverrides holds settings taken from the environment. Unset values are
// zero (strings) or nil (flags).
type EnvOverrides struct {
	Profile       string
	DryRun        *bool
	SandboxMode   *bool
	SandboxMethod string
	LogLevel      string
}

// LoadEnv reads overrides from the process environment.
func LoadEnv() EnvOverrides {
	return EnvOverrides{
		Profile:       strings.TrimSpace(os.Getenv(EnvProfile)),
		DryRun:        envBool(EnvDryRun),
		SandboxMode:   envBool(EnvSandboxMode),
		SandboxMethod: strings.ToLower(strings.TrimSpace(os.Getenv(EnvSandboxMethod))),
		LogLevel:      os.Getenv(EnvLogLevel),
	}
}

// envBool parses 1/0, true/false, yes/no. Unset or unparseable values yield nil.
func envBool(key string) *bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "":
		return nil
	case "yes", "on":
		b := true
		return &b
	case "no", "off":
		b := false
		return &b
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}
