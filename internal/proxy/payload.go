package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vigil-waf/vigil/internal/model"
)

// extractPayload normalizes one inbound request. Query values (not keys)
// are percent-decoded, and the client IP is the first entry of
// X-Forwarded-For when present.
func extractPayload(r *http.Request) (model.RequestPayload, error) {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	query := map[string]string{}
	if raw := r.URL.RawQuery; raw != "" {
		for _, pair := range strings.Split(raw, "&") {
			key, value, found := strings.Cut(pair, "=")
			if !found {
				continue
			}
			// PathUnescape, not QueryUnescape: a literal "+" stays "+".
			decoded, err := url.PathUnescape(value)
			if err != nil {
				decoded = ""
			}
			query[key] = decoded
		}
	}

	var body string
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return model.RequestPayload{}, fmt.Errorf("read request body: %w", err)
		}
		body = string(data)
	}

	var ipAddr string
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		ipAddr = strings.TrimSpace(first)
	}

	return model.NewRequestPayload(strings.ToUpper(r.Method), r.URL.Path, headers, body, query, ipAddr), nil
}
