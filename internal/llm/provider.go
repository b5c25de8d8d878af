// Package llm binds the judge and learner to a language model backend.
// The only production provider is Ollama; tests use Mock.
package llm

import (
	"context"

	"github.com/vigil-waf/vigil/internal/model"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

// Provider evaluates requests and proposes rule changes. Implementations
// must honor ctx deadlines on every call.
type Provider interface {
	// JudgeRequest asks the model for a verdict on one request, given the
	// current rulebook as context.
	JudgeRequest(ctx context.Context, p model.RequestPayload, rb rulebook.Rulebook) (model.Decision, error)

	// LearnRules asks the model to propose rulebook changes from a batch of
	// flagged events.
	LearnRules(ctx context.Context, flagged []model.LogEntry, rb rulebook.Rulebook) (model.LearnerOutput, error)

	// HealthCheck probes backend reachability. Bootstrap-only; a failure is
	// logged, not fatal.
	HealthCheck(ctx context.Context) error
}

// Mock is a canned Provider for tests. Zero value judges everything as an
// allow and learns nothing.
type Mock struct {
	JudgeFn  func(ctx context.Context, p model.RequestPayload, rb rulebook.Rulebook) (model.Decision, error)
	LearnFn  func(ctx context.Context, flagged []model.LogEntry, rb rulebook.Rulebook) (model.LearnerOutput, error)
	HealthFn func(ctx context.Context) error

	JudgeCalls int
	LearnCalls int
}

func (m *Mock) JudgeRequest(ctx context.Context, p model.RequestPayload, rb rulebook.Rulebook) (model.Decision, error) {
	m.JudgeCalls++
	if m.JudgeFn != nil {
		return m.JudgeFn(ctx, p, rb)
	}
	return model.Allow(1.0), nil
}

func (m *Mock) LearnRules(ctx context.Context, flagged []model.LogEntry, rb rulebook.Rulebook) (model.LearnerOutput, error) {
	m.LearnCalls++
	if m.LearnFn != nil {
		return m.LearnFn(ctx, flagged, rb)
	}
	return model.LearnerOutput{}, nil
}

func (m *Mock) HealthCheck(ctx context.Context) error {
	if m.HealthFn != nil {
		return m.HealthFn(ctx)
	}
	return nil
}
