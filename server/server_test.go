package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flexllama/flexllama/config"
	"github.com/flexllama/flexllama/health"
	"github.com/flexllama/flexllama/supervisor"
)

// TestMain lets this test binary double as a fake llama-server child
// process, the same self-reexec trick runner's tests use.
func TestMain(m *testing.M) {
	switch os.Getenv("FLEXLLAMA_HELPER_MODE") {
	case "plain":
		runPlainHelper()
		return
	case "loading-then-ok":
		runLoadingThenOKHelper()
		return
	}
	os.Exit(m.Run())
}

func helperArgs() (port string) {
	port = "0"
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	return port
}

func runPlainHelper() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	})
	srv := &http.Server{Addr: "127.0.0.1:" + helperArgs(), Handler: mux}
	_ = srv.ListenAndServe()
}

var loadingAttempts int64

func runLoadingThenOKHelper() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&loadingAttempts, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"message":"loading model weights"}}`))
			return
		}
		// This handler runs in the child process, so the attempt count is
		// reported in the body for the parent test to read.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-2","attempts":` + strconv.FormatInt(n, 10) + `,"choices":[]}`))
	})
	srv := &http.Server{Addr: "127.0.0.1:" + helperArgs(), Handler: mux}
	_ = srv.ListenAndServe()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testBinary(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func buildStack(t *testing.T, helperMode string, retry config.RetryConfig) (*Server, string) {
	t.Helper()
	port := freePort(t)
	runnerID := "r1"
	logDir := t.TempDir()

	cfg := &config.Config{
		Retry:            retry,
		RequestTimeout:   10 * time.Second,
		StreamingTimeout: 10 * time.Second,
		Runners: map[string]config.RunnerConfig{
			runnerID: {
				ID:         runnerID,
				BinaryPath: testBinary(t),
				ListenHost: "127.0.0.1",
				ListenPort: port,
				InheritEnv: true,
			},
		},
		Models: []config.ModelSpec{
			{
				Alias:      "m1",
				RunnerID:   runnerID,
				ModelPath:  "/fake.gguf",
				Kind:       config.KindChat,
				LaunchArgs: []string{"--port", strconv.Itoa(port), "--host", "127.0.0.1"},
			},
		},
	}
	cat := config.NewCatalog(cfg)
	sup := supervisor.New(cfg, cat, logDir, 5*time.Second, time.Second)
	agg := health.NewAggregator(sup, 0)

	require.NoError(t, os.Setenv("FLEXLLAMA_HELPER_MODE", helperMode))
	t.Cleanup(func() { os.Unsetenv("FLEXLLAMA_HELPER_MODE") })

	return NewServer(cfg, sup, agg, logDir), "m1"
}

func TestListModelsIsPureFunctionOfCatalog(t *testing.T) {
	s, _ := buildStack(t, "plain", config.RetryConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "m1", body.Data[0]["id"])
}

func TestChatCompletionsBufferedRoundTrip(t *testing.T) {
	s, _ := buildStack(t, "plain", config.RetryConfig{})
	reqBody := `{"model":"m1","messages":[{"role":"user","content":"hi"}],"stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "cmpl-1")
}

func TestChatCompletionsUnknownModelIs404(t *testing.T) {
	s, _ := buildStack(t, "plain", config.RetryConfig{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"nope","stream":false}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoadingRetryEventuallySucceeds(t *testing.T) {
	atomic.StoreInt64(&loadingAttempts, 0)
	s, _ := buildStack(t, "loading-then-ok", config.RetryConfig{
		MaxRetries: 3, BaseDelaySeconds: 0.01, MaxDelaySeconds: 0.02, RetryOnModelLoading: true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1","stream":false}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "cmpl-2")
	var resp struct {
		Attempts int64 `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.GreaterOrEqual(t, resp.Attempts, int64(3))
}

func TestRunnerControlUnknownRunnerIs404(t *testing.T) {
	s, _ := buildStack(t, "plain", config.RetryConfig{})
	req := httptest.NewRequest(http.MethodPost, "/v1/runners/nope/stop", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsEndpointReturnsEmptyRing(t *testing.T) {
	s, _ := buildStack(t, "plain", config.RetryConfig{})
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Empty(t, body.Events)
}
