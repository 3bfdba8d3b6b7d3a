// Package config provides document loading, path management, environment
// overrides and live reload for codebuddy's two configuration documents.
//
// # Documents
//
// Two human-editable documents live in the configuration directory:
//
//   - permissions.json: filesystem, command, network, tool and safety settings
//   - policy.json: active profile, rule lists, default action, overrides
//
// The configuration directory is $CODEBUDDY_CONFIG_DIR when set, otherwise
// $XDG_CONFIG_HOME/codebuddy (~/.config/codebuddy). Each document may instead
// be written as .jsonc, .yaml or .yml; FindDocument picks the first that exists.
//
// # Formats
//
// JSON documents may contain comments and trailing commas (tidwall/jsonc).
// YAML documents are decoded with yaml.v3 and then mapped through the same
// JSON field names, so one struct definition serves both. Documents support
// {env:VAR_NAME} placeholders.
//
// This package only decodes. Merging a partial document over defaults is the
// job of the owning package (permission.Merge, policy.Merge), which keeps the
// merge explicit per field.
//
// # Environment
//
//   - CODEBUDDY_PROFILE: active policy profile
//   - CODEBUDDY_DRY_RUN: force dry-run mode
//   - CODEBUDDY_SANDBOX_MODE: force sandbox mode
//   - CODEBUDDY_SANDBOX_METHOD: preferred isolation mechanism
//   - CODEBUDDY_LOG_LEVEL: log level for the CLI
//
// # Live Reload
//
// Watcher wraps fsnotify. It watches parent directories, debounces bursts of
// events and calls the registered reload function for each changed document.
package config
