// retry.go - buffered-request retry/backoff for a transiently loading model
//
// Streaming requests never use this: retrying once any byte has reached the
// client would replay already-flushed output, so streaming dispatch calls
// upstream exactly once and lets a failure propagate as-is.
package server

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/flexllama/flexllama/config"
)

type retryPolicy struct {
	cfg config.RetryConfig
}

func newRetryPolicy(cfg config.RetryConfig) retryPolicy {
	return retryPolicy{cfg: cfg}
}

// attemptFunc performs one upstream attempt. It reports whether the
// response looked like a transient "still loading" condition; any other
// failure is returned as err and is never retried.
type attemptFunc func(ctx context.Context) (loading bool, err error)

// do runs fn until it succeeds, a non-loading error occurs, retries are
// exhausted, or ctx is cancelled. Each retry sleeps for an exponential
// backoff bounded by MaxDelaySeconds.
func (p retryPolicy) do(ctx context.Context, fn attemptFunc) error {
	for attempt := 0; ; attempt++ {
		loading, err := fn(ctx)
		if err == nil {
			return nil
		}
		if !loading || !p.cfg.RetryOnModelLoading || attempt >= p.cfg.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	base := p.cfg.BaseDelaySeconds
	if base <= 0 {
		base = 1
	}
	maxDelay := p.cfg.MaxDelaySeconds
	if maxDelay <= 0 {
		maxDelay = base
	}
	secs := base * math.Pow(2, float64(attempt))
	if secs > maxDelay {
		secs = maxDelay
	}
	return time.Duration(secs * float64(time.Second))
}

// isModelLoading reports whether body looks like the runner's "still
// loading" response, matched case-insensitively against marker (defaulting
// to llama.cpp's own wording when the runner leaves it unset).
func isModelLoading(body []byte, marker string) bool {
	if marker == "" {
		marker = "loading model"
	}
	return strings.Contains(strings.ToLower(string(body)), strings.ToLower(marker))
}
