package health

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/runner"
)

type fakeSource struct {
	runners map[string]*runner.Runner
	catalog *config.Catalog
}

func (f *fakeSource) Runners() map[string]*runner.Runner { return f.runners }
func (f *fakeSource) Catalog() *config.Catalog            { return f.catalog }

func upstreamAt(t *testing.T, status int, body string) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func testSourceWithRunner(t *testing.T, alias, runnerID, host string, port int) *fakeSource {
	t.Helper()
	cfg := &config.Config{
		Runners: map[string]config.RunnerConfig{
			runnerID: {ID: runnerID, BinaryPath: "/bin/true", ListenHost: host, ListenPort: port, LoadingMarker: "loading"},
		},
		Models: []config.ModelSpec{
			{Alias: alias, RunnerID: runnerID, ModelPath: "/m.gguf", Kind: config.KindChat},
		},
	}
	cat := config.NewCatalog(cfg)
	r := runner.New(cfg.Runners[runnerID], cat, t.TempDir(), time.Second, time.Second)
	return &fakeSource{runners: map[string]*runner.Runner{runnerID: r}, catalog: cat}
}

func TestAggregatorReportsNotRunningForIdleRunner(t *testing.T) {
	src := testSourceWithRunner(t, "m1", "r1", "127.0.0.1", 0)

	agg := NewAggregator(src, 50*time.Millisecond)
	agg.tick()

	snap, ok := agg.Snapshot("m1")
	require.True(t, ok)
	require.Equal(t, StatusNotRunning, snap.Status)
}

func TestAggregatorUnknownRunnerIsError(t *testing.T) {
	cfg := &config.Config{
		Runners: map[string]config.RunnerConfig{},
		Models: []config.ModelSpec{
			{Alias: "orphan", RunnerID: "missing", ModelPath: "/m.gguf", Kind: config.KindChat},
		},
	}
	cat := config.NewCatalog(cfg)
	src := &fakeSource{runners: map[string]*runner.Runner{}, catalog: cat}

	agg := NewAggregator(src, time.Second)
	agg.tick()

	snap, ok := agg.Snapshot("orphan")
	require.True(t, ok)
	require.Equal(t, StatusError, snap.Status)
}

func TestAggregatorAllReturnsCopy(t *testing.T) {
	src := testSourceWithRunner(t, "m1", "r1", "127.0.0.1", 0)
	agg := NewAggregator(src, time.Second)
	agg.tick()

	all := agg.All()
	require.Len(t, all, 1)
	all["m1"] = HealthSnapshot{Status: StatusOK}

	again, _ := agg.Snapshot("m1")
	require.NotEqual(t, StatusOK, again.Status)
}

func TestProbeUpstreamDetectsLoadingMarker(t *testing.T) {
	host, port := upstreamAt(t, http.StatusOK, `{"status":"loading model weights"}`)
	agg := NewAggregator(&fakeSource{runners: map[string]*runner.Runner{}, catalog: config.NewCatalog(&config.Config{})}, time.Second)

	status, msg := agg.probeUpstream(host, port, "loading")
	require.Equal(t, StatusLoading, status)
	require.Contains(t, msg, "loading")
}

func TestProbeUpstreamOKOnPlain200(t *testing.T) {
	host, port := upstreamAt(t, http.StatusOK, `{"status":"ok"}`)
	agg := NewAggregator(&fakeSource{runners: map[string]*runner.Runner{}, catalog: config.NewCatalog(&config.Config{})}, time.Second)

	status, _ := agg.probeUpstream(host, port, "loading")
	require.Equal(t, StatusOK, status)
}

func TestProbeUpstreamErrorOnNon200(t *testing.T) {
	host, port := upstreamAt(t, http.StatusServiceUnavailable, `{}`)
	agg := NewAggregator(&fakeSource{runners: map[string]*runner.Runner{}, catalog: config.NewCatalog(&config.Config{})}, time.Second)

	status, _ := agg.probeUpstream(host, port, "loading")
	require.Equal(t, StatusError, status)
}
