package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuetz/code-buddy-sub007/internal/storage"
)

type sampleDoc struct {
	Version       int               `json:"version"`
	ActiveProfile string            `json:"activeProfile,omitempty"`
	Allowed       []string          `json:"allowed,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
}

func TestLoadJSONCComments(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	doc := `{
		// profile in use
		"version": 1,
		"activeProfile": "coding", /* inline */
		"allowed": ["git *", "npm *",],
	}`
	require.NoError(t, store.WriteFile(context.Background(), "/cfg/policy.json", []byte(doc)))

	var got sampleDoc
	found, err := Load(store, "/cfg/policy.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "coding", got.ActiveProfile)
	assert.Equal(t, []string{"git *", "npm *"}, got.Allowed)
}

func TestLoadYAML(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	doc := "version: 2\nactiveProfile: minimal\noverrides:\n  bash: deny\n"
	require.NoError(t, store.WriteFile(context.Background(), "/cfg/policy.yaml", []byte(doc)))

	var got sampleDoc
	found, err := Load(store, "/cfg/policy.yaml", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "minimal", got.ActiveProfile)
	assert.Equal(t, map[string]string{"bash": "deny"}, got.Overrides)
}

func TestLoadMissing(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())

	var got sampleDoc
	found, err := Load(store, "/cfg/none.json", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadMalformed(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	require.NoError(t, store.WriteFile(context.Background(), "/cfg/bad.json", []byte(`{"version": `)))

	var got sampleDoc
	found, err := Load(store, "/cfg/bad.json", &got)
	assert.True(t, found)
	assert.Error(t, err)
}

func TestLoadEmptyDocument(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	require.NoError(t, store.WriteFile(context.Background(), "/cfg/empty.json", []byte("  // nothing\n")))

	got := sampleDoc{Version: 7}
	found, err := Load(store, "/cfg/empty.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 7, got.Version)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("CB_TEST_PROFILE", "messaging")

	var got sampleDoc
	require.NoError(t, Decode("p.json", []byte(`{"activeProfile": "{env:CB_TEST_PROFILE}"}`), &got))
	assert.Equal(t, "messaging", got.ActiveProfile)
}

func TestSaveRoundTrip(t *testing.T) {
	store := storage.New(afero.NewMemMapFs())
	ctx := context.Background()
	in := sampleDoc{Version: 3, ActiveProfile: "full", Allowed: []string{"ls"}}

	for _, path := range []string{"/cfg/out.json", "/cfg/out.yml"} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			require.NoError(t, Save(ctx, store, path, in))

			var out sampleDoc
			found, err := Load(store, path, &out)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, in, out)
		})
	}
}

func TestFindDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.Equal(t, filepath.Join("/cfg", "policy.json"), FindDocument(fs, "/cfg", PolicyDocument))

	require.NoError(t, afero.WriteFile(fs, "/cfg/policy.yaml", []byte("version: 1"), 0o644))
	assert.Equal(t, filepath.Join("/cfg", "policy.yaml"), FindDocument(fs, "/cfg", PolicyDocument))

	require.NoError(t, afero.WriteFile(fs, "/cfg/policy.json", []byte("{}"), 0o644))
	assert.Equal(t, filepath.Join("/cfg", "policy.json"), FindDocument(fs, "/cfg", PolicyDocument))
}

func TestGetPaths(t *testing.T) {
	t.Setenv(EnvConfigDir, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_STATE_HOME", "/xdg/state")

	p := GetPaths()
	assert.Equal(t, filepath.Join("/xdg/config", "codebuddy"), p.Config)
	assert.Equal(t, filepath.Join("/xdg/state", "codebuddy"), p.State)
	assert.Equal(t, filepath.Join("/xdg/state", "codebuddy", "logs"), p.LogDir())

	t.Setenv(EnvConfigDir, "/explicit")
	assert.Equal(t, "/explicit", GetPaths().Config)
	assert.Equal(t, filepath.Join("/explicit", "permissions.json"), GetPaths().PermissionsPath(afero.NewMemMapFs()))
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(EnvProfile, " coding ")
	t.Setenv(EnvDryRun, "1")
	t.Setenv(EnvSandboxMode, "off")
	t.Setenv(EnvSandboxMethod, "Bubblewrap")

	env := LoadEnv()
	assert.Equal(t, "coding", env.Profile)
	require.NotNil(t, env.DryRun)
	assert.True(t, *env.DryRun)
	require.NotNil(t, env.SandboxMode)
	assert.False(t, *env.SandboxMode)
	assert.Equal(t, "bubblewrap", env.SandboxMethod)

	t.Setenv(EnvDryRun, "maybe")
	t.Setenv(EnvSandboxMode, "")
	env = LoadEnv()
	assert.Nil(t, env.DryRun)
	assert.Nil(t, env.SandboxMode)
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1}`), 0o644))

	w, err := NewWatcher(20 * time.Millisecond)
	require.NoError(t, err)

	var calls int32
	require.NoError(t, w.Watch(path, func() { atomic.AddInt32(&calls, 1) }))
	w.Start()
	defer w.Stop()

	// Unrelated files in the same directory do not trigger the callback.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"version":2}`), 0o644))
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExtraFields(t *testing.T) {
	data := []byte(`{"version": 1, "activeProfile": "coding", "x-editor": {"theme": "dark"}, "notes": "keep me"}`)

	extra := ExtraFields(data, sampleDoc{})
	require.Len(t, extra, 2)
	assert.JSONEq(t, `{"theme": "dark"}`, string(extra["x-editor"]))
	assert.JSONEq(t, `"keep me"`, string(extra["notes"]))

	assert.Nil(t, ExtraFields([]byte(`{"version": 1}`), &sampleDoc{}))
	assert.Nil(t, ExtraFields([]byte(`[1,2]`), sampleDoc{}))

	out, err := MarshalWithExtra(sampleDoc{Version: 2}, extra)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version": 2, "x-editor": {"theme": "dark"}, "notes": "keep me"}`, string(out))
}
