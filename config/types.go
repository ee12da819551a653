// types.go - immutable configuration types for the gateway
//
// This module contains:
// - ModelKind: the set of request shapes a model can serve
// - ModelSpec: a catalog entry, alias -> runner + composed launch argv
// - RunnerConfig: one managed child-process slot
// - RetryConfig, APIConfig: process-wide policy knobs
// - Config: the fully parsed configuration document
package config

import "time"

// ModelKind is the request shape a ModelSpec can serve.
type ModelKind string

const (
	KindChat       ModelKind = "chat"
	KindCompletion ModelKind = "completion"
	KindEmbedding  ModelKind = "embedding"
	KindReranking  ModelKind = "reranking"
	KindVision     ModelKind = "vision"
)

// ModelSpec is one catalog entry: a public alias bound to a runner, a model
// file, and a fully composed launch argv. Built once at config load and
// never mutated afterward.
type ModelSpec struct {
	Alias        string
	RunnerID     string
	ModelPath    string
	Kind         ModelKind
	LaunchArgs   []string
	EnvOverrides map[string]string
	MmprojPath   string
}

// RunnerConfig describes one managed child-process slot: where its binary
// lives, what host:port it binds, and how it is supervised. Immutable.
type RunnerConfig struct {
	ID                string
	BinaryPath        string
	ListenHost        string
	ListenPort        int
	ExtraArgs         []string
	EnvOverrides      map[string]string
	InheritEnv        bool
	AutoUnloadTimeout time.Duration

	// DefaultAlias, if set, is the model autostart_defaults loads for this
	// runner at boot.
	DefaultAlias string

	// LoadingMarker is the substring that identifies a runner's 503 body as
	// "model still loading" rather than a genuine failure. Matched
	// case-insensitively. Defaults to "loading model".
	LoadingMarker string
}

// RetryConfig governs the router's retry/backoff policy for upstream calls
// that report a transient "still loading" condition.
type RetryConfig struct {
	MaxRetries          int
	BaseDelaySeconds    float64
	MaxDelaySeconds     float64
	RetryOnModelLoading bool
}

// APIConfig is the gateway's own listen address and aggregate-health path.
type APIConfig struct {
	Host           string
	Port           int
	HealthEndpoint string
}

// Config is the fully parsed, validated configuration document.
type Config struct {
	AutoStartRunners        bool
	API                     APIConfig
	Retry                   RetryConfig
	RequestTimeout          time.Duration
	StreamingTimeout        time.Duration
	Runners                 map[string]RunnerConfig
	Models                  []ModelSpec
}
