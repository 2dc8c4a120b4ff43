package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/backstop/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	rec := history.Record{Name: "playwright-mcp", PID: 4242, Lifecycle: "starting", Generation: 3}

	events := []history.Event{
		{Type: history.EventSpawned, OccurredAt: time.Now().UTC(), Record: rec},
		{Type: history.EventReady, OccurredAt: time.Now().UTC(), Record: history.Record{Name: rec.Name, PID: rec.PID, Lifecycle: "ready", Generation: 3}},
		{Type: history.EventExited, OccurredAt: time.Now().UTC(), Record: history.Record{Name: rec.Name, PID: rec.PID, Lifecycle: "stopped", Generation: 3, Error: "exit status 1"}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	for _, typ := range []history.EventType{history.EventSpawned, history.EventReady, history.EventExited} {
		n, err := sink.Count(ctx, typ, 3)
		if err != nil {
			t.Fatalf("count %s: %v", typ, err)
		}
		if n != 1 {
			t.Errorf("expected 1 %s event, got %d", typ, n)
		}
	}

	var errText string
	if err := sink.db.QueryRowContext(ctx, `SELECT error FROM backend_history WHERE event = 'exited'`).Scan(&errText); err != nil {
		t.Fatalf("query error column: %v", err)
	}
	if errText != "exit status 1" {
		t.Errorf("unexpected error column %q", errText)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("Failed to create memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, history.Event{Type: history.EventRestart, OccurredAt: time.Now(), Record: history.Record{Name: "b", Generation: 1, Reason: "health"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(ctx, history.EventRestart, 1)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
