package checksum

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawinfra/fsgate/internal/security"
)

func newTestOps(t *testing.T) (*Ops, string) {
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
	return New(security.NewEngine(pol, security.NewRateLimiter(0, 0), audit, logger), logger), ws
}

func TestComputeEmptyFileSHA256(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "empty"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	digest, err := ops.Compute(context.Background(), "empty", "sha256", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}
}

func TestComputeKnownDigests(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "abc"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"md5":    "900150983cd24fb0d6963f7d28e17f72",
		"sha1":   "a9993e364706816aba3e25717850c26c9cd0d89d",
		"sha256": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"sha512": "ddaf35a193617abacc417349ae20413112e6fa4e89a97ea20a9eeee64b55d39a2192992a274fc1a836ba3c23a3feebbd454d4423643ce80e2a9ac94fa54ca49f",
	}
	for algo, want := range cases {
		got, err := ops.Compute(context.Background(), "abc", algo, "agent-1")
		if err != nil {
			t.Fatalf("%s: %v", algo, err)
		}
		if got != want {
			t.Errorf("%s = %s, want %s", algo, got, want)
		}
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "f.bin"), []byte("round trip payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, algo := range []string{"md5", "sha1", "sha256", "sha512", "blake2b"} {
		digest, err := ops.Compute(context.Background(), "f.bin", algo, "agent-1")
		if err != nil {
			t.Fatalf("%s compute: %v", algo, err)
		}
		res, err := ops.Verify(context.Background(), "f.bin", digest, algo, "agent-1")
		if err != nil {
			t.Fatalf("%s verify: %v", algo, err)
		}
		if !res.Match {
			t.Errorf("%s: round trip did not match", algo)
		}
	}
}

func TestVerifyCaseInsensitive(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	digest, err := ops.Compute(context.Background(), "f", "sha256", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := ops.Verify(context.Background(), "f", strings.ToUpper(digest), "sha256", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Match {
		t.Error("uppercase expected digest should match")
	}
}

func TestVerifyMismatch(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := ops.Verify(context.Background(), "f", "deadbeef", "sha256", "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Match {
		t.Error("mismatched digest reported as match")
	}
}

func TestComputeBadAlgorithm(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ops.Compute(context.Background(), "f", "crc32", "agent-1"); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestComputeRejectsEscape(t *testing.T) {
	ops, _ := newTestOps(t)
	if _, err := ops.Compute(context.Background(), "../outside", "sha256", "agent-1"); err == nil {
		t.Error("expected rejection")
	}
}

func TestComputeDirectory(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.MkdirAll(filepath.Join(ws, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := ops.Compute(context.Background(), "d", "sha256", "agent-1"); err == nil {
		t.Error("expected error for directory")
	}
}

func TestComputeCancelled(t *testing.T) {
	ops, ws := newTestOps(t)
	if err := os.WriteFile(filepath.Join(ws, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ops.Compute(ctx, "f", "sha256", "agent-1"); err == nil {
		t.Error("expected context error")
	}
}
