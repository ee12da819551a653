package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexllama/flexllama/config"
)

// TestMain lets the test binary double as the fake "llama-server" child
// process: when invoked with FLEXLLAMA_HELPER_PROCESS=1 it parses --port
// from argv, serves a bare 200 on every path, and blocks until killed.
// This is the same self-reexec trick os/exec's own tests use to avoid
// depending on an external fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("FLEXLLAMA_HELPER_PROCESS") == "1" {
		runHelperServer()
		return
	}
	os.Exit(m.Run())
}

func runHelperServer() {
	port := "0"
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: "127.0.0.1:" + port, Handler: mux}
	_ = srv.ListenAndServe()
}

func testBinaryPath(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func testRunnerConfig(t *testing.T, port int) config.RunnerConfig {
	return config.RunnerConfig{
		ID:            "r1",
		BinaryPath:    testBinaryPath(t),
		ListenHost:    "127.0.0.1",
		ListenPort:    port,
		InheritEnv:    true,
		LoadingMarker: "loading model",
	}
}

// newTestRunner builds a Runner whose child process is this same test
// binary in helper-server mode, wired through a real catalog entry.
func newTestRunner(t *testing.T, aliases ...string) (*Runner, *config.Catalog, int) {
	t.Helper()
	port := freePort(t)
	rc := testRunnerConfig(t, port)

	cfg := &config.Config{
		Runners: map[string]config.RunnerConfig{"r1": rc},
	}
	for _, alias := range aliases {
		cfg.Models = append(cfg.Models, config.ModelSpec{
			Alias:      alias,
			RunnerID:   "r1",
			ModelPath:  "/fake.gguf",
			Kind:       config.KindChat,
			LaunchArgs: []string{"--port", strconv.Itoa(port), "--host", "127.0.0.1"},
		})
	}
	cat := config.NewCatalog(cfg)
	r := New(rc, cat, t.TempDir(), 3*time.Second, time.Second)
	// Force ComposeEnv(inherit) to carry FLEXLLAMA_HELPER_PROCESS through
	// by setting it in the process environment for the duration of the
	// test (InheritEnv reads os.Environ() at spawn time).
	require.NoError(t, os.Setenv("FLEXLLAMA_HELPER_PROCESS", "1"))
	t.Cleanup(func() { os.Unsetenv("FLEXLLAMA_HELPER_PROCESS") })
	return r, cat, port
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestEnsureLoadedThenForward(t *testing.T) {
	r, _, _ := newTestRunner(t, "m1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, r.EnsureLoaded(ctx, "m1"))
	info := r.Snapshot()
	require.Equal(t, "m1", info.CurrentModel)
	require.Equal(t, StatusReady, info.Status)

	err := r.Forward("m1", func(baseURL string) error {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	})
	require.NoError(t, err)

	info = r.Snapshot()
	require.Equal(t, 0, info.InFlightCount)
	require.Equal(t, StatusReady, info.Status)

	require.NoError(t, r.Unload(context.Background()))
	info = r.Snapshot()
	require.Equal(t, "", info.CurrentModel)
	require.Equal(t, StatusIdle, info.Status)
}

func TestEnsureLoadedCoalescesConcurrentCalls(t *testing.T) {
	r, _, _ := newTestRunner(t, "m1")
	ctx := context.Background()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- r.EnsureLoaded(ctx, "m1") }()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	info := r.Snapshot()
	require.Equal(t, "m1", info.CurrentModel)
	require.Equal(t, StatusReady, info.Status)
}

func TestEnsureLoadedRejectsUnassignedAlias(t *testing.T) {
	r, _, _ := newTestRunner(t, "m1")
	err := r.EnsureLoaded(context.Background(), "not-in-catalog")
	require.ErrorIs(t, err, ErrNotAssigned)
}

func TestControlOpsReportBusyWhenOverlapping(t *testing.T) {
	r, _, _ := newTestRunner(t, "m1")
	require.NoError(t, r.EnsureLoaded(context.Background(), "m1"))

	r.controlMu.Lock()
	defer r.controlMu.Unlock()

	err := r.Stop(context.Background())
	require.ErrorIs(t, err, ErrBusy)
}

func TestUnloadForcesWhenContextExpiresWithInFlightRequest(t *testing.T) {
	r, _, _ := newTestRunner(t, "m1")
	require.NoError(t, r.EnsureLoaded(context.Background(), "m1"))

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Forward("m1", func(baseURL string) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	unloadCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Unload(unloadCtx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Unload did not return once the context deadline expired")
	}

	require.Equal(t, StatusIdle, r.Snapshot().Status)
	close(release)
}

func TestSwapChangesCurrentModel(t *testing.T) {
	r, _, port := newTestRunner(t, "m1", "m2")
	_ = port
	ctx := context.Background()

	require.NoError(t, r.EnsureLoaded(ctx, "m1"))
	require.Equal(t, "m1", r.Snapshot().CurrentModel)

	require.NoError(t, r.EnsureLoaded(ctx, "m2"))
	require.Equal(t, "m2", r.Snapshot().CurrentModel)
}
