package batch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

func newTestExecutor(t *testing.T) (*Executor, string) {
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
	return New(eng, logger), ws
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// --- Atomic success ---

func TestAtomicBatchSuccess(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "a.txt"), "A")
	write(t, filepath.Join(ws, "m.txt"), "M")
	write(t, filepath.Join(ws, "del.txt"), "D")

	ops := []types.BatchOp{
		{Kind: types.BatchCopy, Source: "a.txt", Destination: "copied.txt"},
		{Kind: types.BatchMove, Source: "m.txt", Destination: "moved.txt"},
		{Kind: types.BatchDelete, Source: "del.txt"},
	}
	results, err := x.Execute(ops, true, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("op %d failed: %s", i, r.Error)
		}
	}

	if mustRead(t, filepath.Join(ws, "copied.txt")) != "A" {
		t.Error("copy destination missing source content")
	}
	if mustRead(t, filepath.Join(ws, "moved.txt")) != "M" {
		t.Error("move destination missing content")
	}
	if exists(filepath.Join(ws, "m.txt")) {
		t.Error("move source still present")
	}
	if exists(filepath.Join(ws, "del.txt")) {
		t.Error("deleted file still present")
	}
}

// --- Atomic failure & rollback ---

func TestAtomicBatchRollsBackCopy(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "a.txt"), "A")
	// c.txt intentionally missing

	ops := []types.BatchOp{
		{Kind: types.BatchCopy, Source: "a.txt", Destination: "b.txt"},
		{Kind: types.BatchCopy, Source: "c.txt", Destination: "d.txt"},
	}
	_, err := x.Execute(ops, true, "agent-1")
	if err == nil {
		t.Fatal("expected BATCH_FAILED")
	}
	oe, ok := err.(*types.OpError)
	if !ok || oe.Code != types.CodeBatchFailed {
		t.Fatalf("err = %v, want %s", err, types.CodeBatchFailed)
	}

	if exists(filepath.Join(ws, "b.txt")) {
		t.Error("b.txt should have been rolled back")
	}
	if mustRead(t, filepath.Join(ws, "a.txt")) != "A" {
		t.Error("a.txt changed")
	}
	if exists(filepath.Join(ws, "d.txt")) {
		t.Error("d.txt should not exist")
	}
}

func TestAtomicBatchRollsBackMoveWithShadow(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "src.txt"), "SRC")
	write(t, filepath.Join(ws, "dst.txt"), "OLD-DST")

	ops := []types.BatchOp{
		{Kind: types.BatchMove, Source: "src.txt", Destination: "dst.txt"},
		{Kind: types.BatchDelete, Source: "missing.txt"},
	}
	if _, err := x.Execute(ops, true, "agent-1"); err == nil {
		t.Fatal("expected BATCH_FAILED")
	}

	if mustRead(t, filepath.Join(ws, "src.txt")) != "SRC" {
		t.Error("move source not restored")
	}
	if mustRead(t, filepath.Join(ws, "dst.txt")) != "OLD-DST" {
		t.Error("pre-existing destination not restored from shadow")
	}
}

func TestAtomicBatchRollsBackDelete(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "victim.txt"), "V")

	ops := []types.BatchOp{
		{Kind: types.BatchDelete, Source: "victim.txt"},
		{Kind: types.BatchCopy, Source: "absent.txt", Destination: "x.txt"},
	}
	if _, err := x.Execute(ops, true, "agent-1"); err == nil {
		t.Fatal("expected BATCH_FAILED")
	}

	if mustRead(t, filepath.Join(ws, "victim.txt")) != "V" {
		t.Error("deleted file not restored")
	}
}

// --- Non-atomic mode ---

func TestNonAtomicContinuesPastFailure(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "a.txt"), "A")

	ops := []types.BatchOp{
		{Kind: types.BatchCopy, Source: "missing.txt", Destination: "x.txt"},
		{Kind: types.BatchCopy, Source: "a.txt", Destination: "b.txt"},
	}
	results, err := x.Execute(ops, false, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Success {
		t.Error("first op should have failed")
	}
	if !results[1].Success {
		t.Errorf("second op should have succeeded: %s", results[1].Error)
	}
	if mustRead(t, filepath.Join(ws, "b.txt")) != "A" {
		t.Error("second op did not execute")
	}
}

func TestNonAtomicDeleteLeavesShadow(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "doomed.txt"), "D")

	results, err := x.Execute([]types.BatchOp{
		{Kind: types.BatchDelete, Source: "doomed.txt"},
	}, false, "agent-1")
	if err != nil || !results[0].Success {
		t.Fatalf("delete failed: %v %v", err, results)
	}
	if exists(filepath.Join(ws, "doomed.txt")) {
		t.Error("deleted file still present")
	}

	entries, err := os.ReadDir(ws)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "doomed.txt.backup-") {
			found = true
		}
	}
	if !found {
		t.Error("no shadow backup left after delete")
	}
}

// --- Validation & guards ---

func TestBatchShapeValidation(t *testing.T) {
	x, _ := newTestExecutor(t)

	cases := []types.BatchOp{
		{Kind: types.BatchCopy, Source: "a"},                     // missing destination
		{Kind: types.BatchDelete, Source: "a", Destination: "b"}, // destination on delete
		{Kind: "truncate", Source: "a"},                          // unknown kind
		{Kind: types.BatchCopy, Source: "", Destination: "b"},    // missing source
	}
	for i, op := range cases {
		if _, err := x.Execute([]types.BatchOp{op}, true, "agent-1"); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestBatchPrevalidationRejectsEscape(t *testing.T) {
	x, ws := newTestExecutor(t)
	write(t, filepath.Join(ws, "ok.txt"), "x")

	ops := []types.BatchOp{
		{Kind: types.BatchCopy, Source: "ok.txt", Destination: "fine.txt"},
		{Kind: types.BatchCopy, Source: "../escape.txt", Destination: "y.txt"},
	}
	if _, err := x.Execute(ops, true, "agent-1"); err == nil {
		t.Fatal("expected pre-validation rejection")
	}
	// Pre-validation must abort before touching disk.
	if exists(filepath.Join(ws, "fine.txt")) {
		t.Error("first op executed despite pre-validation failure")
	}
}

func TestBatchSizeGuard(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	pol, err := security.NewPolicy(ws, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	pol.MaxBatchSize = 4
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := security.NewAudit(io.Discard, false, logger)
	t.Cleanup(audit.Close)
	x := New(security.NewEngine(pol, security.NewRateLimiter(0, 0), audit, logger), logger)

	write(t, filepath.Join(ws, "big.txt"), "12345678")
	_, err = x.Execute([]types.BatchOp{
		{Kind: types.BatchCopy, Source: "big.txt", Destination: "copy.txt"},
	}, true, "agent-1")
	if err == nil {
		t.Fatal("expected batch size rejection")
	}
}
