// Package learner is the background batch loop that turns flagged events
// into rulebook changes via the LLM.
package learner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-waf/vigil/internal/events"
	"github.com/vigil-waf/vigil/internal/llm"
	"github.com/vigil-waf/vigil/internal/model"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

// Learner periodically analyzes flagged requests and rewrites the on-disk
// rulebook. The judge picks up the result through the file watcher, so the
// learner never talks to the judge directly.
type Learner struct {
	provider   llm.Provider
	events     *events.Store
	rules      *rulebook.Store
	interval   time.Duration
	minFlagged int
	logger     *slog.Logger

	mu      sync.Mutex
	lastRun int64
}

// New builds a learner. The first batch only considers events flagged after
// construction time.
func New(provider llm.Provider, ev *events.Store, rules *rulebook.Store, interval time.Duration, minFlagged int, logger *slog.Logger) *Learner {
	return &Learner{
		provider:   provider,
		events:     ev,
		rules:      rules,
		interval:   interval,
		minFlagged: minFlagged,
		logger:     logger,
		lastRun:    time.Now().Unix(),
	}
}

// Run ticks until ctx is canceled. A failed batch is logged and retried on
// the next tick.
func (l *Learner) Run(ctx context.Context) {
	l.logger.Info("learner scheduler started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("learner scheduler stopped")
			return
		case <-ticker.C:
			if err := l.RunBatch(ctx); err != nil {
				l.logger.Error("learner batch failed", "error", err)
			}
		}
	}
}

// RunBatch runs one learning cycle. The last-run watermark only advances
// when a batch actually applies: a skipped or failed batch leaves its
// events for the next tick.
func (l *Learner) RunBatch(ctx context.Context) error {
	l.logger.Info("starting learner batch")

	l.mu.Lock()
	lastRun := l.lastRun
	l.mu.Unlock()

	flagged, err := l.events.GetFlaggedSince(ctx, lastRun)
	if err != nil {
		return fmt.Errorf("fetch flagged events: %w", err)
	}
	l.logger.Info("found flagged requests since last run", "count", len(flagged))

	if len(flagged) < l.minFlagged {
		l.logger.Info("not enough flagged requests, skipping batch",
			"count", len(flagged), "min", l.minFlagged)
		return nil
	}

	current, err := l.rules.Load()
	if err != nil {
		return fmt.Errorf("load rulebook: %w", err)
	}
	l.logger.Info("loaded current rulebook", "version", current.Version, "rules", len(current.Rules))

	output, err := l.provider.LearnRules(ctx, flagged, current)
	if err != nil {
		return fmt.Errorf("learn rules from llm: %w", err)
	}
	l.logger.Info("llm suggested rule changes",
		"new", len(output.NewRules), "weaken", len(output.WeakenRules), "remove", len(output.RemoveRules))

	updated := l.applyChanges(current, output)

	if err := l.rules.Save(updated); err != nil {
		return fmt.Errorf("save rulebook: %w", err)
	}
	l.logger.Info("rulebook updated",
		"version", updated.Version, "rules", len(updated.Rules), "was", len(current.Rules))

	for _, rationale := range output.Rationales {
		l.logger.Info("learner rationale", "rationale", rationale)
	}

	l.mu.Lock()
	l.lastRun = time.Now().Unix()
	l.mu.Unlock()
	return nil
}

// applyChanges folds learner output into a copy of the rulebook in a fixed
// order: removals first, then weakenings, then additions.
func (l *Learner) applyChanges(current rulebook.Rulebook, output model.LearnerOutput) rulebook.Rulebook {
	updated := current.Clone()

	for _, id := range output.RemoveRules {
		if updated.RemoveRule(id) {
			l.logger.Info("removed rule", "id", id)
		}
	}

	for _, id := range output.WeakenRules {
		before := updated.GetRule(id)
		if before == nil {
			continue
		}
		old := before.Confidence
		if updated.WeakenRule(id) {
			l.logger.Info("weakened rule", "id", id, "from", old, "to", updated.GetRule(id).Confidence)
		}
	}

	for _, s := range output.NewRules {
		r := rulebook.NewRule(s.Pattern, s.ThreatType, s.Confidence, s.Action, "llm")
		r.Description = s.Description
		l.logger.Info("adding new rule", "threat_type", r.ThreatType, "pattern", r.Pattern, "action", r.Action)
		updated.AddRule(r)
	}

	return updated
}
