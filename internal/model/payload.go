// Package model holds the request payload, decision, and log entry types
// shared by the judge, learner, proxy, and storage layers.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// RequestPayload is the normalized form of one inbound HTTP request.
// It is built once by the proxy frontend and treated as immutable.
type RequestPayload struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"query_params"`
	Fingerprint string            `json:"fingerprint"`
	IPAddr      string            `json:"ip_addr,omitempty"`
}

// NewRequestPayload builds a payload and computes its fingerprint.
func NewRequestPayload(method, path string, headers map[string]string, body string, query map[string]string, ipAddr string) RequestPayload {
	if headers == nil {
		headers = map[string]string{}
	}
	if query == nil {
		query = map[string]string{}
	}
	return RequestPayload{
		Method:      method,
		Path:        path,
		Headers:     headers,
		Body:        body,
		QueryParams: query,
		Fingerprint: Fingerprint(method, path, body, query),
		IPAddr:      ipAddr,
	}
}

// Fingerprint returns the lowercase hex SHA-256 of method, path, body, and
// query params concatenated as (key, value) pairs in byte-wise key order.
// Headers are deliberately excluded: requests that differ only in headers
// (including auth tokens) share one fingerprint and therefore one cached
// verdict.
func Fingerprint(method, path, body string, query map[string]string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	if body != "" {
		h.Write([]byte(body))
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(query[k]))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// UserAgent returns the user-agent header, preferring the lowercase key.
func (p *RequestPayload) UserAgent() string {
	if v, ok := p.Headers["user-agent"]; ok {
		return v
	}
	return p.Headers["User-Agent"]
}

// ContentType returns the content-type header, preferring the lowercase key.
func (p *RequestPayload) ContentType() string {
	if v, ok := p.Headers["content-type"]; ok {
		return v
	}
	return p.Headers["Content-Type"]
}

// LogEntry is one evaluated request as persisted in the event log.
type LogEntry struct {
	ID          int64   `db:"id" json:"id"`
	Timestamp   int64   `db:"timestamp" json:"timestamp"`
	Method      string  `db:"method" json:"method"`
	Path        string  `db:"path" json:"path"`
	PayloadHash string  `db:"payload_hash" json:"payload_hash"`
	Decision    string  `db:"decision" json:"decision"`
	Confidence  float64 `db:"confidence" json:"confidence"`
	Reason      *string `db:"reason" json:"reason,omitempty"`
	IPAddr      *string `db:"ip_addr" json:"ip_addr,omitempty"`
	UserAgent   *string `db:"user_agent" json:"user_agent,omitempty"`
}
