package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/gary-gateway/internal/gwevents"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordDispatchAndForGame(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDispatch(ctx, "tetris", "id-1", "rotate", `{"dir":"cw"}`); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ForGame(ctx, "tetris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Kind != "dispatched" || e.Name != "rotate" || e.ActionID != "id-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestRecordResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordResult(ctx, "tetris", "id-1", true, "did the thing"); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ForGame(ctx, "tetris", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != "result" || !entries[0].Success {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestListen_PersistsBusNotifications(t *testing.T) {
	s := newTestStore(t)
	bus := gwevents.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Listen(ctx, bus, nil)
		close(done)
	}()

	// Give the listener a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(gwevents.Notification{
		Source: gwevents.SourceGame, Kind: gwevents.KindAction, Game: "tetris",
		Data: map[string]any{"action": "rotate", "id": "id-1", "data": "{}"},
	})
	bus.Publish(gwevents.Notification{
		Source: gwevents.SourceGame, Kind: gwevents.KindActionResult, Game: "tetris",
		Data: map[string]any{"id": "id-1", "success": true, "message": "ok"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := s.ForGame(context.Background(), "tetris", 0)
		if err == nil && len(entries) == 2 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatal("expected both notifications to be persisted")
}
