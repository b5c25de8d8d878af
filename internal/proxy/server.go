// Package proxy is the HTTP frontend: it normalizes inbound requests,
// consults the judge, logs the outcome, and either blocks with 403 or
// forwards to the upstream service.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vigil-waf/vigil/internal/config"
	"github.com/vigil-waf/vigil/internal/events"
	"github.com/vigil-waf/vigil/internal/judge"
	"github.com/vigil-waf/vigil/internal/model"
)

// shutdownGrace bounds graceful shutdown after ctx cancellation.
const shutdownGrace = 5 * time.Second

// logWriteTimeout bounds the fire-and-forget event insert.
const logWriteTimeout = 5 * time.Second

// blockedResponse is the 403 body returned for blocked requests.
type blockedResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Server is the WAF frontend.
type Server struct {
	judge          *judge.Judge
	events         *events.Store
	upstreamURL    string
	requestTimeout time.Duration
	client         *http.Client
	logger         *slog.Logger
	metrics        http.Handler // nil disables /metrics
	srv            *http.Server
}

// New builds the frontend. metrics may be nil.
func New(cfg config.WAFConfig, j *judge.Judge, ev *events.Store, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		judge:          j,
		events:         ev,
		upstreamURL:    strings.TrimRight(cfg.UpstreamURL, "/"),
		requestTimeout: cfg.RequestTimeout(),
		client:         &http.Client{},
		logger:         logger,
		metrics:        metrics,
	}
	s.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the full route tree. Health and metrics bypass
// evaluation; everything else goes through the judge under the configured
// per-request deadline.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.Handle("/", http.TimeoutHandler(http.HandlerFunc(s.handleProxy), s.requestTimeout, "request timeout"))
	return s.logging(mux)
}

// Start begins listening. Blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("waf listening", "addr", s.srv.Addr, "upstream", s.upstreamURL)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	payload, err := extractPayload(r)
	if err != nil {
		s.logger.Error("failed to extract payload", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	decision := s.judge.Evaluate(r.Context(), payload)

	// Event logging stays off the request path.
	go func(p model.RequestPayload, d model.Decision) {
		ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
		defer cancel()
		if _, err := s.events.LogEvent(ctx, p, d); err != nil {
			s.logger.Error("failed to log event", "error", err)
		}
	}(payload, decision)

	if decision.IsBlock() {
		s.logger.Warn("request blocked",
			"method", payload.Method, "path", payload.Path, "reason", decision.Reason)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(blockedResponse{
			Error:  "Request blocked by WAF",
			Reason: decision.Reason,
		})
		return
	}

	s.forward(w, r, payload)
}

// forward replays the request against the upstream and streams the
// response back. The Host header is dropped so the upstream sees its own.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, payload model.RequestPayload) {
	target := s.upstreamURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), payload.Method, target, strings.NewReader(payload.Body))
	if err != nil {
		s.logger.Error("failed to build upstream request", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error("failed to forward request to upstream", "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logging records one line per completed request.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		s.logger.Debug("request started", "method", r.Method, "uri", r.URL.String())
		next.ServeHTTP(rec, r)

		s.logger.Info("request completed",
			"method", r.Method, "uri", r.URL.String(),
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}
