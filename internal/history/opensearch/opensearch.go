// Package opensearch indexes backend lifecycle events into OpenSearch (or
// Elasticsearch) over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/backstop/internal/history"
)

// Sink writes one document per event to baseURL/index/_doc/<id>.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document is the flat shape stored in the index so dashboards can filter on
// backend, event and generation without nested mappings.
type document struct {
	Timestamp  time.Time `json:"@timestamp"`
	Event      string    `json:"event"`
	Backend    string    `json:"backend"`
	PID        int       `json:"pid,omitempty"`
	Lifecycle  string    `json:"lifecycle"`
	Generation uint64    `json:"generation"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Crash      bool      `json:"crash"`
}

func newDocument(e history.Event) document {
	return document{
		Timestamp:  e.OccurredAt,
		Event:      string(e.Type),
		Backend:    e.Record.Name,
		PID:        e.Record.PID,
		Lifecycle:  e.Record.Lifecycle,
		Generation: e.Record.Generation,
		Reason:     e.Record.Reason,
		Error:      e.Record.Error,
		Crash:      e.Type == history.EventExited && e.Record.Reason != history.ExitRequested,
	}
}

// docID is stable per event, so a resent event overwrites instead of
// duplicating.
func docID(e history.Event) string {
	return fmt.Sprintf("%s-%d-%s-%d", e.Record.Name, e.Record.Generation, e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(newDocument(e))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.index), url.PathEscape(docID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		if reason := errorReason(body); reason != "" {
			return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, reason)
		}
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}

// errorReason extracts error.reason from an OpenSearch error body.
func errorReason(body []byte) string {
	var r struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &r) != nil || r.Error.Reason == "" {
		return ""
	}
	if r.Error.Type != "" {
		return r.Error.Type + ": " + r.Error.Reason
	}
	return r.Error.Reason
}
