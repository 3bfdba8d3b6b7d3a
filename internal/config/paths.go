package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
)

const (
	// PermissionsDocument is the base name of the permissions document.
	PermissionsDocument = "permissions"
	// PolicyDocument is the base name of the policy document.
	PolicyDocument = "policy"
)

// documentExtensions lists accepted extensions in lookup order.
var documentExtensions = []string{".json", ".jsonc", ".yaml", ".yml"}

// Paths contains the standard paths for codebuddy data.
type Paths struct {
	Config string // $CODEBUDDY_CONFIG_DIR or ~/.config/codebuddy
	State  string // ~/.local/state/codebuddy
}

// GetPaths returns the standard paths for codebuddy data.
func GetPaths() *Paths {
	cfg := os.Getenv(EnvConfigDir)
	if cfg == "" {
		cfg = filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "codebuddy")
	}
	return &Paths{
		Config: cfg,
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "codebuddy"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Config, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LogDir returns the directory for log files.
func (p *Paths) LogDir() string {
	return filepath.Join(p.State, "logs")
}

// PermissionsPath returns the permissions document path on fs.
func (p *Paths) PermissionsPath(fs afero.Fs) string {
	return FindDocument(fs, p.Config, PermissionsDocument)
}

// PolicyPath returns the policy document path on fs.
func (p *Paths) PolicyPath(fs afero.Fs) string {
	return FindDocument(fs, p.Config, PolicyDocument)
}

// FindDocument returns the first existing dir/base.{json,jsonc,yaml,yml},
// or dir/base.json when none exists.
func FindDocument(fs afero.Fs, dir, base string) string {
	for _, ext := range documentExtensions {
		path := filepath.Join(dir, base+ext)
		if ok, err := afero.Exists(fs, path); err == nil && ok {
			return path
		}
	}
	return filepath.Join(dir, base+".json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
