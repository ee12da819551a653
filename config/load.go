// load.go - JSON configuration loading and validation
//
// This module contains:
// - rawConfig/rawRunner/rawModel: wire-format mirrors of the JSON document
// - Load: read, parse, validate, and compose a Config from a file path
// - composeLaunchArgs: the argv composition table from the launch spec
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig wraps any problem found while loading or validating the
// configuration document. It is fatal at startup, never at runtime.
type ErrConfig struct {
	msg string
}

func (e *ErrConfig) Error() string { return e.msg }

func errConfigf(format string, args ...any) *ErrConfig {
	return &ErrConfig{msg: fmt.Sprintf(format, args...)}
}

type rawConfig struct {
	AutoStartRunners bool                  `json:"auto_start_runners"`
	API              rawAPI                `json:"api"`
	Retry            rawRetry              `json:"retry_config"`
	RequestTimeout   float64               `json:"request_timeout_seconds"`
	StreamingTimeout float64               `json:"streaming_timeout_seconds"`
	Runners          map[string]rawRunner  `json:"runners"`
	Models           []rawModel            `json:"models"`
}

type rawAPI struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	HealthEndpoint string `json:"health_endpoint"`
}

type rawRetry struct {
	MaxRetries          int     `json:"max_retries"`
	BaseDelaySeconds    float64 `json:"base_delay_seconds"`
	MaxDelaySeconds     float64 `json:"max_delay_seconds"`
	RetryOnModelLoading bool    `json:"retry_on_model_loading"`
}

type rawRunner struct {
	BinaryPath        string            `json:"binary_path"`
	ListenHost        string            `json:"listen_host"`
	ListenPort        int               `json:"listen_port"`
	ExtraArgs         []string          `json:"extra_args"`
	EnvOverrides      map[string]string `json:"env_overrides"`
	InheritEnv        bool              `json:"inherit_env"`
	AutoUnloadTimeout float64           `json:"auto_unload_timeout"`
	DefaultAlias      string            `json:"default_alias"`
	LoadingMarker     string            `json:"loading_marker"`
}

// rawModel mirrors the JSON model object: the fixed catalog fields plus the
// recognized launch_args keys from the launch composition table.
type rawModel struct {
	Alias        string            `json:"alias"`
	RunnerID     string            `json:"runner_id"`
	ModelPath    string            `json:"model_path"`
	Kind         string            `json:"kind"`
	MmprojPath   string            `json:"mmproj_path"`
	EnvOverrides map[string]string `json:"env"`
	Args         string            `json:"args"`

	NCtx        *int     `json:"n_ctx"`
	NBatch      *int     `json:"n_batch"`
	NThreads    *int     `json:"n_threads"`
	NGPULayers  *int     `json:"n_gpu_layers"`
	MainGPU     *int     `json:"main_gpu"`
	TensorSplit string   `json:"tensor_split"`
	UseMlock    *bool    `json:"use_mlock"`
	FlashAttn   string   `json:"flash_attn"`
	OffloadKQV  *bool    `json:"offload_kqv"`
	SplitMode   string   `json:"split_mode"`
	CacheTypeK  string   `json:"cache-type-k"`
	CacheTypeV  string   `json:"cache-type-v"`
	ChatTemplate string  `json:"chat_template"`
	Jinja       *bool    `json:"jinja"`
	RopeScaling string   `json:"rope-scaling"`
	RopeScale   *float64 `json:"rope-scale"`
	YarnOrigCtx *int     `json:"yarn-orig-ctx"`
	Pooling     string   `json:"pooling"`
	Embedding   *bool    `json:"embedding"`
	Reranking   *bool    `json:"reranking"`
}

// Load reads, parses, and validates the configuration document at path,
// composing every model's final launch argv against its assigned runner.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errConfigf("reading config %s: %v", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errConfigf("parsing config %s: %v", path, err)
	}

	cfg := &Config{
		AutoStartRunners: raw.AutoStartRunners,
		API: APIConfig{
			Host:           orDefault(raw.API.Host, "127.0.0.1"),
			Port:           orDefaultInt(raw.API.Port, 8080),
			HealthEndpoint: orDefault(raw.API.HealthEndpoint, "/health"),
		},
		Retry: RetryConfig{
			MaxRetries:          raw.Retry.MaxRetries,
			BaseDelaySeconds:    raw.Retry.BaseDelaySeconds,
			MaxDelaySeconds:     raw.Retry.MaxDelaySeconds,
			RetryOnModelLoading: raw.Retry.RetryOnModelLoading,
		},
		RequestTimeout:   secondsOrDefault(raw.RequestTimeout, 1800),
		StreamingTimeout: secondsOrDefault(raw.StreamingTimeout, 0),
		Runners:          make(map[string]RunnerConfig, len(raw.Runners)),
	}

	seenPorts := make(map[int]string, len(raw.Runners))
	for id, r := range raw.Runners {
		if r.BinaryPath == "" {
			return nil, errConfigf("runner %q: binary_path is required", id)
		}
		if r.ListenPort == 0 {
			return nil, errConfigf("runner %q: listen_port is required", id)
		}
		if owner, ok := seenPorts[r.ListenPort]; ok {
			return nil, errConfigf("runner %q and %q both bind listen_port %d", owner, id, r.ListenPort)
		}
		seenPorts[r.ListenPort] = id

		cfg.Runners[id] = RunnerConfig{
			ID:                id,
			BinaryPath:        r.BinaryPath,
			ListenHost:        orDefault(r.ListenHost, "127.0.0.1"),
			ListenPort:        r.ListenPort,
			ExtraArgs:         r.ExtraArgs,
			EnvOverrides:      r.EnvOverrides,
			InheritEnv:        r.InheritEnv,
			AutoUnloadTimeout: secondsOrDefault(r.AutoUnloadTimeout, 0),
			DefaultAlias:      r.DefaultAlias,
			LoadingMarker:     orDefault(r.LoadingMarker, "loading model"),
		}
	}

	seenAliases := make(map[string]bool, len(raw.Models))
	for _, m := range raw.Models {
		if m.Alias == "" {
			return nil, errConfigf("model entry missing alias")
		}
		if seenAliases[m.Alias] {
			return nil, errConfigf("duplicate model alias %q", m.Alias)
		}
		seenAliases[m.Alias] = true

		runnerCfg, ok := cfg.Runners[m.RunnerID]
		if !ok {
			return nil, errConfigf("model %q: runner_id %q is not defined", m.Alias, m.RunnerID)
		}
		if m.ModelPath == "" {
			return nil, errConfigf("model %q: model_path is required", m.Alias)
		}
		kind, err := validateKind(m.Kind)
		if err != nil {
			return nil, errConfigf("model %q: %v", m.Alias, err)
		}

		cfg.Models = append(cfg.Models, ModelSpec{
			Alias:        m.Alias,
			RunnerID:     m.RunnerID,
			ModelPath:    m.ModelPath,
			Kind:         kind,
			LaunchArgs:   composeLaunchArgs(runnerCfg, m),
			EnvOverrides: m.EnvOverrides,
			MmprojPath:   m.MmprojPath,
		})
	}

	return cfg, nil
}

func validateKind(s string) (ModelKind, error) {
	switch ModelKind(s) {
	case KindChat, KindCompletion, KindEmbedding, KindReranking, KindVision:
		return ModelKind(s), nil
	default:
		return "", fmt.Errorf("unknown kind %q", s)
	}
}

// composeLaunchArgs builds the full argv fragment list for a model, in the
// order: host/port/model/alias, recognized flags, free-form args, then the
// runner's extra_args. binary_path itself is prepended by the process
// package when it actually spawns the command.
func composeLaunchArgs(r RunnerConfig, m rawModel) []string {
	var args []string

	args = append(args, "--host", r.ListenHost)
	args = append(args, "--port", strconv.Itoa(r.ListenPort))
	args = append(args, "--model", m.ModelPath)
	args = append(args, "--alias", m.Alias)

	if m.NCtx != nil {
		args = append(args, "--ctx-size", strconv.Itoa(*m.NCtx))
	}
	if m.NBatch != nil {
		args = append(args, "--batch-size", strconv.Itoa(*m.NBatch))
	}
	if m.NThreads != nil {
		args = append(args, "--threads", strconv.Itoa(*m.NThreads))
	}
	if m.NGPULayers != nil {
		args = append(args, "--n-gpu-layers", strconv.Itoa(*m.NGPULayers))
	}
	if m.MainGPU != nil {
		args = append(args, "--main-gpu", strconv.Itoa(*m.MainGPU))
	}
	if m.TensorSplit != "" {
		args = append(args, "--tensor-split", m.TensorSplit)
	}
	if m.UseMlock != nil && *m.UseMlock {
		args = append(args, "--mlock")
	}
	if m.FlashAttn != "" {
		args = append(args, "--flash-attn", m.FlashAttn)
	}
	if m.OffloadKQV != nil && !*m.OffloadKQV {
		args = append(args, "--no-kv-offload")
	}
	if m.SplitMode != "" {
		args = append(args, "--split-mode", m.SplitMode)
	}
	if m.CacheTypeK != "" {
		args = append(args, "--cache-type-k", m.CacheTypeK)
	}
	if m.CacheTypeV != "" {
		args = append(args, "--cache-type-v", m.CacheTypeV)
	}
	if m.ChatTemplate != "" {
		args = append(args, "--chat-template", m.ChatTemplate)
	}
	if m.Jinja != nil && *m.Jinja {
		args = append(args, "--jinja")
	}
	if m.RopeScaling != "" {
		args = append(args, "--rope-scaling", m.RopeScaling)
	}
	if m.RopeScale != nil {
		args = append(args, "--rope-scale", strconv.FormatFloat(*m.RopeScale, 'g', -1, 64))
	}
	if m.YarnOrigCtx != nil {
		args = append(args, "--yarn-orig-ctx", strconv.Itoa(*m.YarnOrigCtx))
	}
	if m.Pooling != "" {
		args = append(args, "--pooling", m.Pooling)
	}
	if m.Embedding != nil && *m.Embedding {
		args = append(args, "--embedding")
	}
	if m.Reranking != nil && *m.Reranking {
		args = append(args, "--reranking")
	}
	if m.MmprojPath != "" {
		args = append(args, "--mmproj", m.MmprojPath)
	}

	if m.Args != "" {
		args = append(args, strings.Fields(m.Args)...)
	}

	args = append(args, r.ExtraArgs...)

	return args
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func secondsOrDefault(v, def float64) time.Duration {
	if v == 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}
