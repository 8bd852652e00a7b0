package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	pol, err := security.NewPolicy(ws, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := security.NewAudit(io.Discard, false, logger)
	t.Cleanup(audit.Close)
	eng := security.NewEngine(pol, security.NewRateLimiter(0, 0), audit, logger)
	r := NewRegistry(eng, Options{PollInterval: 10 * time.Millisecond, MaxSessions: 4, BufferSize: 128}, logger)
	t.Cleanup(r.StopAll)
	return r, ws
}

// waitForEvents polls until the predicate holds or the deadline passes.
func waitForEvents(t *testing.T, r *Registry, session string, pred func([]types.FsEvent) bool) []types.FsEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		events, err := r.GetEvents(session)
		if err != nil {
			t.Fatal(err)
		}
		if pred(events) {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	events, _ := r.GetEvents(session)
	t.Fatalf("timed out waiting for events; have %v", events)
	return nil
}

func hasKind(events []types.FsEvent, kind types.EventKind, path string) bool {
	for _, ev := range events {
		if ev.Kind == kind && ev.Path == path {
			return true
		}
	}
	return false
}

func TestWatchDeliversCreateModifyDelete(t *testing.T) {
	r, ws := newTestRegistry(t)
	if err := r.Watch("s1", ".", false, nil, "agent-1"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool {
		return hasKind(evs, types.EventCreate, path)
	})

	// The rewrite changes the size, so the diff fires even on filesystems
	// with coarse mtime granularity.
	if err := os.WriteFile(path, []byte("longer-v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool {
		return hasKind(evs, types.EventModify, path)
	})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool {
		return hasKind(evs, types.EventDelete, path)
	})
}

func TestWatchRecursive(t *testing.T) {
	r, ws := newTestRegistry(t)
	sub := filepath.Join(ws, "deep", "deeper")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := r.Watch("s1", ".", true, nil, "agent-1"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool {
		return hasKind(evs, types.EventCreate, path)
	})
}

func TestWatchNonRecursiveIgnoresNested(t *testing.T) {
	r, ws := newTestRegistry(t)
	sub := filepath.Join(ws, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := r.Watch("s1", ".", false, nil, "agent-1"); err != nil {
		t.Fatal(err)
	}

	top := filepath.Join(ws, "top.txt")
	nested := filepath.Join(sub, "nested.txt")
	if err := os.WriteFile(nested, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(top, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	events := waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool {
		return hasKind(evs, types.EventCreate, top)
	})
	if hasKind(events, types.EventCreate, nested) {
		t.Error("non-recursive session saw a nested create")
	}
}

func TestWatchFilters(t *testing.T) {
	r, ws := newTestRegistry(t)
	if err := r.Watch("s1", ".", false, []string{"*.go"}, "agent-1"); err != nil {
		t.Fatal(err)
	}

	goFile := filepath.Join(ws, "main.go")
	txtFile := filepath.Join(ws, "readme.txt")
	if err := os.WriteFile(txtFile, []byte("t"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(goFile, []byte("g"), 0o644); err != nil {
		t.Fatal(err)
	}

	events := waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool {
		return hasKind(evs, types.EventCreate, goFile)
	})
	if hasKind(events, types.EventCreate, txtFile) {
		t.Error("filtered-out event was buffered")
	}
}

func TestWatchGetEventsDoesNotClear(t *testing.T) {
	r, ws := newTestRegistry(t)
	if err := r.Watch("s1", ".", false, nil, "agent-1"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForEvents(t, r, "s1", func(evs []types.FsEvent) bool { return len(evs) > 0 })

	first, _ := r.GetEvents("s1")
	second, _ := r.GetEvents("s1")
	if len(second) < len(first) {
		t.Error("GetEvents drained the buffer")
	}

	if err := r.ClearEvents("s1"); err != nil {
		t.Fatal(err)
	}
	cleared, _ := r.GetEvents("s1")
	if len(cleared) != 0 {
		t.Errorf("buffer not cleared: %d events remain", len(cleared))
	}
}

func TestWatchDuplicateSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Watch("dup", ".", false, nil, "agent-1"); err != nil {
		t.Fatal(err)
	}
	err := r.Watch("dup", ".", false, nil, "agent-1")
	if err == nil {
		t.Fatal("expected SESSION_EXISTS")
	}
	if oe, ok := err.(*types.OpError); !ok || oe.Code != types.CodeSessionExists {
		t.Errorf("err = %v", err)
	}
}

func TestWatchStopDiscardsSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Watch("s1", ".", false, nil, "agent-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetEvents("s1"); err == nil {
		t.Error("expected SESSION_NOT_FOUND after stop")
	}
	// The id is reusable after stop.
	if err := r.Watch("s1", ".", false, nil, "agent-1"); err != nil {
		t.Errorf("id not reusable after stop: %v", err)
	}
}

func TestWatchStopUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Stop("ghost"); err == nil {
		t.Error("expected SESSION_NOT_FOUND")
	}
}

func TestWatchSessionLimit(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 4; i++ {
		if err := r.Watch(string(rune('a'+i)), ".", false, nil, "agent-1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Watch("overflow", ".", false, nil, "agent-1"); err == nil {
		t.Error("expected watch limit rejection")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Watch("s1", "missing-dir", false, nil, "agent-1"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWatchRejectsEscape(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Watch("s1", "../outside", false, nil, "agent-1"); err == nil {
		t.Error("expected rejection")
	}
}

func TestWatchStopAll(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, id := range []string{"x", "y"} {
		if err := r.Watch(id, ".", false, nil, "agent-1"); err != nil {
			t.Fatal(err)
		}
	}
	r.StopAll()
	if got := len(r.Sessions()); got != 0 {
		t.Errorf("%d sessions remain after StopAll", got)
	}
}
