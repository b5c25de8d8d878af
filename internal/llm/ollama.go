package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vigil-waf/vigil/internal/config"
	"github.com/vigil-waf/vigil/internal/model"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

// learnerTimeout bounds one learn_rules call. The learner is a background
// batch job and tolerates far longer waits than the judge.
const learnerTimeout = 30 * time.Second

// retryBackoff is the pause before the single retry of a failed chat call.
const retryBackoff = 100 * time.Millisecond

// judgeSchema constrains judge output via Ollama structured outputs, so the
// response body is pure decision JSON.
var judgeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "decision": {"type": "string", "enum": ["allow", "flag", "block"]},
    "confidence": {"type": "number", "minimum": 0.0, "maximum": 1.0},
    "reason": {"type": "string"},
    "threat_level": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
    "suggested_rule": {"type": "string"}
  },
  "required": ["decision", "confidence", "reason", "threat_level"]
}`)

// learnerSchema constrains learner output to the rule-change envelope.
var learnerSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "new_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "pattern": {"type": "string"},
          "threat_type": {"type": "string"},
          "description": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0.0, "maximum": 1.0},
          "action": {"type": "string", "enum": ["block", "flag"]}
        },
        "required": ["pattern", "threat_type", "description", "confidence", "action"]
      }
    },
    "weaken_rules": {"type": "array", "items": {"type": "string"}},
    "remove_rules": {"type": "array", "items": {"type": "string"}},
    "rationales": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["new_rules", "weaken_rules", "remove_rules", "rationales"]
}`)

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format"`
	Options  chatOptions     `json:"options"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
		// Reasoning models (qwen3 and friends) put output here instead.
		Thinking string `json:"thinking"`
	} `json:"message"`
	Done bool `json:"done"`
}

type judgeResponse struct {
	Decision      string  `json:"decision"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
	ThreatLevel   string  `json:"threat_level"`
	SuggestedRule string  `json:"suggested_rule"`
}

// Ollama talks to a local Ollama server over its /api/chat endpoint using
// structured outputs.
type Ollama struct {
	client             *http.Client
	baseURL            string
	model              string
	judgeTimeout       time.Duration
	judgeMaxTokens     int
	judgeTemperature   float64
	learnerMaxTokens   int
	learnerTemperature float64
	logger             *slog.Logger
}

// NewOllama builds a provider from the llm config section.
func NewOllama(cfg config.LLMConfig, logger *slog.Logger) *Ollama {
	return &Ollama{
		client:             &http.Client{Timeout: 60 * time.Second},
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		model:              cfg.Model,
		judgeTimeout:       cfg.JudgeTimeout(),
		judgeMaxTokens:     cfg.JudgeMaxTokens,
		judgeTemperature:   cfg.JudgeTemperature,
		learnerMaxTokens:   cfg.LearnerMaxTokens,
		learnerTemperature: cfg.LearnerTemperature,
		logger:             logger,
	}
}

// JudgeRequest evaluates one request against the rulebook.
func (o *Ollama) JudgeRequest(ctx context.Context, p model.RequestPayload, rb rulebook.Rulebook) (model.Decision, error) {
	prompt := judgePrompt(p, rb)
	resp, err := o.generate(ctx, prompt, judgeSchema, o.judgeMaxTokens, o.judgeTemperature, o.judgeTimeout)
	if err != nil {
		return model.Decision{}, err
	}
	return parseJudgeResponse(resp)
}

// LearnRules proposes rulebook changes from a flagged-event batch.
func (o *Ollama) LearnRules(ctx context.Context, flagged []model.LogEntry, rb rulebook.Rulebook) (model.LearnerOutput, error) {
	prompt := learnerPrompt(flagged, rb)
	resp, err := o.generate(ctx, prompt, learnerSchema, o.learnerMaxTokens, o.learnerTemperature, learnerTimeout)
	if err != nil {
		return model.LearnerOutput{}, err
	}
	return parseLearnerResponse(resp)
}

// HealthCheck probes the model list endpoint.
func (o *Ollama) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check failed: %s", resp.Status)
	}
	return nil
}

// generate sends one chat completion and returns the message text. A failed
// call is retried once after a short backoff.
func (o *Ollama) generate(ctx context.Context, prompt string, format json.RawMessage, maxTokens int, temperature float64, timeout time.Duration) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    o.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
		Format:   format,
		Options: chatOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
			NumCtx:      2048,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	o.logger.Debug("sending prompt to llm",
		"model", o.model, "prompt_length", len(prompt),
		"max_tokens", maxTokens, "temperature", temperature)

	text, err := o.chat(ctx, body, timeout)
	if err == nil {
		return text, nil
	}
	o.logger.Warn("ollama call failed, retrying", "error", err)

	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	text, err = o.chat(ctx, body, timeout)
	if err != nil {
		return "", fmt.Errorf("ollama retry failed: %w", err)
	}
	return text, nil
}

func (o *Ollama) chat(ctx context.Context, body []byte, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request to ollama: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read ollama response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned %s: %s", resp.Status, raw)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("parse ollama chat response: %w", err)
	}
	if cr.Message.Content != "" {
		return cr.Message.Content, nil
	}
	if cr.Message.Thinking != "" {
		o.logger.Debug("model returned thinking field instead of content")
		return cr.Message.Thinking, nil
	}
	return "", nil
}

// parseJudgeResponse decodes the structured judge output. A block verdict
// with a missing or unknown threat level defaults to medium.
func parseJudgeResponse(response string) (model.Decision, error) {
	var parsed judgeResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return model.Decision{}, fmt.Errorf("parse judge JSON %q: %w", response, err)
	}

	switch strings.ToLower(parsed.Decision) {
	case "allow":
		return model.Allow(parsed.Confidence), nil
	case "flag":
		reason := parsed.Reason
		if reason == "" {
			reason = "Flagged"
		}
		return model.Flag(parsed.Confidence, reason, parsed.SuggestedRule), nil
	case "block":
		reason := parsed.Reason
		if reason == "" {
			reason = "Blocked"
		}
		level, ok := model.ParseThreatLevel(strings.ToLower(parsed.ThreatLevel))
		if !ok {
			level = model.ThreatMedium
		}
		return model.Block(parsed.Confidence, reason, level), nil
	}
	return model.Decision{}, fmt.Errorf("unknown decision type: %q", parsed.Decision)
}

// parseLearnerResponse decodes the structured learner output.
func parseLearnerResponse(response string) (model.LearnerOutput, error) {
	var out model.LearnerOutput
	if err := json.Unmarshal([]byte(response), &out); err != nil {
		return model.LearnerOutput{}, fmt.Errorf("parse learner JSON %q: %w", response, err)
	}
	return out, nil
}
