package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadComposesLaunchArgsInOrder(t *testing.T) {
	path := writeConfig(t, `{
		"runners": {
			"r1": {"binary_path": "/usr/bin/llama-server", "listen_host": "127.0.0.1", "listen_port": 9001, "extra_args": ["--verbose"]}
		},
		"models": [
			{"alias": "m1", "runner_id": "r1", "model_path": "/models/m1.gguf", "kind": "chat", "n_ctx": 4096, "use_mlock": true, "args": "--numa distribute"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Models, 1)

	got := cfg.Models[0].LaunchArgs
	want := []string{
		"--host", "127.0.0.1",
		"--port", "9001",
		"--model", "/models/m1.gguf",
		"--alias", "m1",
		"--ctx-size", "4096",
		"--mlock",
		"--numa", "distribute",
		"--verbose",
	}
	require.Equal(t, want, got)
}

func TestLoadRejectsDuplicatePorts(t *testing.T) {
	path := writeConfig(t, `{
		"runners": {
			"r1": {"binary_path": "/bin/a", "listen_port": 9001},
			"r2": {"binary_path": "/bin/b", "listen_port": 9001}
		},
		"models": []
	}`)

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ErrConfig
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsUnknownRunner(t *testing.T) {
	path := writeConfig(t, `{
		"runners": {},
		"models": [{"alias": "m1", "runner_id": "missing", "model_path": "/m.gguf", "kind": "chat"}]
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateAlias(t *testing.T) {
	path := writeConfig(t, `{
		"runners": {"r1": {"binary_path": "/bin/a", "listen_port": 9001}},
		"models": [
			{"alias": "m1", "runner_id": "r1", "model_path": "/a.gguf", "kind": "chat"},
			{"alias": "m1", "runner_id": "r1", "model_path": "/b.gguf", "kind": "chat"}
		]
	}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDefaultsAreApplied(t *testing.T) {
	path := writeConfig(t, `{
		"runners": {"r1": {"binary_path": "/bin/a", "listen_port": 9001}},
		"models": []
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.API.Host)
	require.Equal(t, 8080, cfg.API.Port)
	require.Equal(t, "/health", cfg.API.HealthEndpoint)
	require.Equal(t, "127.0.0.1", cfg.Runners["r1"].ListenHost)
	require.Equal(t, "loading model", cfg.Runners["r1"].LoadingMarker)
	require.Equal(t, float64(0), cfg.Runners["r1"].AutoUnloadTimeout.Seconds())
}

func TestCatalogLookupAndList(t *testing.T) {
	path := writeConfig(t, `{
		"runners": {"r1": {"binary_path": "/bin/a", "listen_port": 9001}},
		"models": [
			{"alias": "zeta", "runner_id": "r1", "model_path": "/z.gguf", "kind": "chat"},
			{"alias": "alpha", "runner_id": "r1", "model_path": "/a.gguf", "kind": "embedding"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	cat := NewCatalog(cfg)

	m, ok := cat.Lookup("alpha")
	require.True(t, ok)
	require.Equal(t, KindEmbedding, m.Kind)

	_, ok = cat.Lookup("missing")
	require.False(t, ok)

	list := cat.List()
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].Alias)
	require.Equal(t, "zeta", list[1].Alias)

	want := []ModelSpec{
		{Alias: "alpha", RunnerID: "r1", ModelPath: "/a.gguf", Kind: KindEmbedding, LaunchArgs: list[0].LaunchArgs},
		{Alias: "zeta", RunnerID: "r1", ModelPath: "/z.gguf", Kind: KindChat, LaunchArgs: list[1].LaunchArgs},
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("catalog list mismatch (-want +got):\n%s", diff)
	}
}
