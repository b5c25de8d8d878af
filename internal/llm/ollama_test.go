package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vigil-waf/vigil/internal/config"
	"github.com/vigil-waf/vigil/internal/model"
	"github.com/vigil-waf/vigil/internal/rulebook"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		Provider:           "ollama",
		BaseURL:            baseURL,
		Model:              "test-model",
		JudgeTimeoutMS:     1000,
		JudgeMaxTokens:     128,
		JudgeTemperature:   0,
		LearnerMaxTokens:   2048,
		LearnerTemperature: 0.3,
	}
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"message": map[string]any{"content": content},
		"done":    true,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatal(err)
	}
}

func TestParseJudgeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    model.Decision
		wantErr bool
	}{
		{
			name:  "allow",
			input: `{"decision":"allow","confidence":0.95,"reason":"Legitimate request","threat_level":"low"}`,
			want:  model.Allow(0.95),
		},
		{
			name:  "flag with suggested rule",
			input: `{"decision":"flag","confidence":0.65,"reason":"Suspicious pattern detected","threat_level":"medium","suggested_rule":"Check for SQL keywords"}`,
			want:  model.Flag(0.65, "Suspicious pattern detected", "Check for SQL keywords"),
		},
		{
			name:  "block critical",
			input: `{"decision":"block","confidence":0.98,"reason":"SQL injection detected","threat_level":"critical"}`,
			want:  model.Block(0.98, "SQL injection detected", model.ThreatCritical),
		},
		{
			name:  "block without threat level defaults to medium",
			input: `{"decision":"block","confidence":0.85,"reason":"Malicious request"}`,
			want:  model.Block(0.85, "Malicious request", model.ThreatMedium),
		},
		{
			name:  "mixed case decision and level",
			input: `{"decision":"BLOCK","confidence":0.9,"reason":"r","threat_level":"CRITICAL"}`,
			want:  model.Block(0.9, "r", model.ThreatCritical),
		},
		{
			name:  "flag without reason gets placeholder",
			input: `{"decision":"flag","confidence":0.6}`,
			want:  model.Flag(0.6, "Flagged", ""),
		},
		{
			name:    "unknown decision",
			input:   `{"decision":"unknown","confidence":0.5,"reason":"Test"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{ invalid json }`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJudgeResponse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseLearnerResponse(t *testing.T) {
	input := `{
		"new_rules": [{"pattern":"SELECT.*FROM","threat_type":"sqli","description":"SQL injection pattern","confidence":0.9,"action":"block"}],
		"weaken_rules": ["rule-1"],
		"remove_rules": ["rule-2"],
		"rationales": ["Added SQLi detection"]
	}`
	out, err := parseLearnerResponse(input)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.NewRules) != 1 || len(out.WeakenRules) != 1 || len(out.RemoveRules) != 1 || len(out.Rationales) != 1 {
		t.Errorf("output = %+v", out)
	}
	if out.NewRules[0].Pattern != "SELECT.*FROM" || out.NewRules[0].Action != model.ActionBlock {
		t.Errorf("new rule = %+v", out.NewRules[0])
	}

	empty, err := parseLearnerResponse(`{"new_rules":[],"weaken_rules":[],"remove_rules":[],"rationales":["No changes needed"]}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.NewRules) != 0 || len(empty.Rationales) != 1 {
		t.Errorf("empty output = %+v", empty)
	}

	if _, err := parseLearnerResponse(`{ invalid json }`); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestJudgeRequest(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Error(err)
		}
		chatReply(t, w, `{"decision":"block","confidence":0.97,"reason":"SQL injection","threat_level":"high"}`)
	}))
	defer srv.Close()

	o := NewOllama(testConfig(srv.URL), discard())
	p := model.NewRequestPayload("GET", "/api/users", nil, "", map[string]string{"id": "1 OR 1=1"}, "")

	d, err := o.JudgeRequest(context.Background(), p, rulebook.New())
	if err != nil {
		t.Fatal(err)
	}
	if !d.IsBlock() || d.Confidence != 0.97 || d.ThreatLevel != model.ThreatHigh {
		t.Errorf("decision = %+v", d)
	}

	if gotReq.Model != "test-model" || gotReq.Stream {
		t.Errorf("request = %+v", gotReq)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Options.NumPredict != 128 || gotReq.Options.NumCtx != 2048 {
		t.Errorf("options = %+v", gotReq.Options)
	}
	if len(gotReq.Format) == 0 {
		t.Error("format schema missing")
	}
}

func TestJudgeRequestThinkingFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"message": map[string]any{
				"content":  "",
				"thinking": `{"decision":"allow","confidence":0.9,"reason":"ok","threat_level":"low"}`,
			},
			"done": true,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	o := NewOllama(testConfig(srv.URL), discard())
	d, err := o.JudgeRequest(context.Background(), model.NewRequestPayload("GET", "/", nil, "", nil, ""), rulebook.New())
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != model.VerdictAllow || d.Confidence != 0.9 {
		t.Errorf("decision = %+v", d)
	}
}

func TestJudgeRequestRetriesOnce(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		chatReply(t, w, `{"decision":"allow","confidence":0.9,"reason":"ok","threat_level":"low"}`)
	}))
	defer srv.Close()

	o := NewOllama(testConfig(srv.URL), discard())
	d, err := o.JudgeRequest(context.Background(), model.NewRequestPayload("GET", "/", nil, "", nil, ""), rulebook.New())
	if err != nil {
		t.Fatal(err)
	}
	if d.Verdict != model.VerdictAllow {
		t.Errorf("decision = %+v", d)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestJudgeRequestFailsAfterRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewOllama(testConfig(srv.URL), discard())
	_, err := o.JudgeRequest(context.Background(), model.NewRequestPayload("GET", "/", nil, "", nil, ""), rulebook.New())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestJudgeRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		chatReply(t, w, `{"decision":"allow","confidence":0.9,"reason":"ok","threat_level":"low"}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.JudgeTimeoutMS = 50
	o := NewOllama(cfg, discard())

	_, err := o.JudgeRequest(context.Background(), model.NewRequestPayload("GET", "/", nil, "", nil, ""), rulebook.New())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestLearnRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"new_rules":[{"pattern":"\\.\\./","threat_type":"path_traversal","description":"dot-dot-slash","confidence":0.8,"action":"flag"}],"weaken_rules":[],"remove_rules":[],"rationales":["recurring traversal attempts"]}`)
	}))
	defer srv.Close()

	o := NewOllama(testConfig(srv.URL), discard())
	reason := "Suspicious"
	flagged := []model.LogEntry{{
		ID: 1, Method: "GET", Path: "/admin", PayloadHash: "abc123def456789",
		Decision: "flag", Confidence: 0.6, Reason: &reason,
	}}

	out, err := o.LearnRules(context.Background(), flagged, rulebook.New())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.NewRules) != 1 || out.NewRules[0].ThreatType != "path_traversal" {
		t.Errorf("output = %+v", out)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := NewOllama(testConfig(srv.URL), discard())
	if err := o.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv.Close()
	if err := o.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check failure after shutdown")
	}
}
