// Package judge is the real-time evaluation path: cache-aside verdict
// lookup, a deadline-bounded LLM call, and the fail-open/fail-closed
// policy when both are unavailable.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-waf/vigil/internal/cache"
	"github.com/vigil-waf/vigil/internal/config"
	"github.com/vigil-waf/vigil/internal/llm"
	"github.com/vigil-waf/vigil/internal/model"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

// Judge evaluates requests. The rulebook field is a snapshot swapped whole
// by SetRulebook; evaluation never holds the lock across the LLM call.
type Judge struct {
	provider llm.Provider
	cache    *cache.Cache // nil when the verdict cache is disabled
	timeout  time.Duration
	failMode config.FailMode
	logger   *slog.Logger
	metrics  *Metrics

	mu sync.RWMutex
	rb rulebook.Rulebook
}

// New builds a judge. cache may be nil.
func New(provider llm.Provider, c *cache.Cache, rb rulebook.Rulebook, timeout time.Duration, failMode config.FailMode, logger *slog.Logger) *Judge {
	return &Judge{
		provider: provider,
		cache:    c,
		timeout:  timeout,
		failMode: failMode,
		logger:   logger,
		metrics:  &Metrics{},
		rb:       rb,
	}
}

// Metrics exposes the evaluation counters.
func (j *Judge) Metrics() *Metrics {
	return j.metrics
}

// SetRulebook swaps in a new rulebook snapshot. Called by the hot-reload
// watcher and after each learner batch.
func (j *Judge) SetRulebook(rb rulebook.Rulebook) {
	j.mu.Lock()
	j.rb = rb
	j.mu.Unlock()
	j.logger.Info("rulebook updated", "version", rb.Version, "rules", len(rb.Rules))
}

func (j *Judge) snapshot() rulebook.Rulebook {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rb
}

// Evaluate returns a decision for one request. It never returns an error:
// when the cache misses and the LLM call fails or times out, the configured
// fail mode decides.
func (j *Judge) Evaluate(ctx context.Context, p model.RequestPayload) model.Decision {
	j.metrics.TotalRequests.Add(1)

	if j.cache != nil {
		cached, err := j.cache.GetVerdict(ctx, p.Fingerprint)
		switch {
		case err != nil:
			j.logger.Warn("cache lookup failed", "error", err)
		case cached != nil:
			j.metrics.CacheHits.Add(1)
			j.logger.Debug("cache hit", "hash", p.Fingerprint, "decision", cached.Verdict)
			return *cached
		default:
			j.metrics.CacheMisses.Add(1)
		}
	}

	d, err := j.callLLM(ctx, p)
	if err != nil {
		return j.applyFailMode(p, err)
	}

	if j.cache != nil {
		if err := j.cache.SetVerdict(ctx, p.Fingerprint, d); err != nil {
			j.logger.Warn("failed to cache verdict", "error", err)
		}
	}

	j.logger.Info("request evaluated",
		"method", p.Method, "path", p.Path,
		"decision", d.Verdict, "confidence", d.Confidence)
	return d
}

func (j *Judge) callLLM(ctx context.Context, p model.RequestPayload) (model.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	d, err := j.provider.JudgeRequest(ctx, p, j.snapshot())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			j.metrics.LLMTimeouts.Add(1)
			return model.Decision{}, fmt.Errorf("llm timeout after %v: %w", j.timeout, err)
		}
		j.metrics.LLMErrors.Add(1)
		return model.Decision{}, err
	}
	return d, nil
}

func (j *Judge) applyFailMode(p model.RequestPayload, cause error) model.Decision {
	if j.failMode == config.FailClosed {
		j.logger.Warn("llm evaluation failed, failing closed (blocking request)",
			"error", cause, "method", p.Method, "path", p.Path)
		j.metrics.FailClosed.Add(1)
		return model.Block(0.0, "LLM evaluation failed", model.ThreatMedium)
	}
	j.logger.Warn("llm evaluation failed, failing open (allowing request)",
		"error", cause, "method", p.Method, "path", p.Path)
	j.metrics.FailOpen.Add(1)
	return model.Allow(0.0)
}
