// Package checksum computes and verifies file digests, detecting files that
// change while being read.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

const chunkSize = 64 * 1024

// Ops computes checksums under policy control.
type Ops struct {
	engine *security.Engine
	logger *slog.Logger
}

// New creates the checksum component.
func New(engine *security.Engine, logger *slog.Logger) *Ops {
	return &Ops{
		engine: engine,
		logger: logger.With("component", "checksum"),
	}
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "blake2b":
		return blake2b.New256(nil)
	default:
		return nil, types.NewValidationError(types.CodeBadAlgorithm,
			"unsupported algorithm "+algorithm+" (use md5, sha1, sha256, sha512, or blake2b)")
	}
}

// Compute streams the file through the hash and returns the hex digest. If
// the file's mtime changes between the initial stat and the end of the read,
// the result is discarded and an OP-005 error is returned. Cancellation is
// honored between chunks.
func (o *Ops) Compute(ctx context.Context, path, algorithm, agentID string) (string, error) {
	vetted, rej := o.engine.Vet(path, types.OpRead, agentID)
	if rej != nil {
		return "", rej.WireError()
	}

	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	before, err := os.Stat(vetted)
	if err != nil {
		return "", types.NewFilesystemError(types.CodeNotFound, "file does not exist", err)
	}
	if before.IsDir() {
		return "", types.NewFilesystemError(types.CodeIsDirectory, "cannot checksum a directory", nil)
	}

	f, err := os.Open(vetted)
	if err != nil {
		return "", types.NewFilesystemError(types.CodePermission, "open file", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", types.NewFilesystemError(types.CodeIO, "read file", rerr)
		}
	}

	after, err := os.Stat(vetted)
	if err != nil {
		return "", types.NewFilesystemError(types.CodeStatFailed, "re-stat file", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		return "", &types.OpError{Code: types.CodeFileModified, Kind: types.KindOperation,
			Message: "file changed while being read", Detail: vetted}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify computes the digest and compares it to the expected hex string,
// case-insensitively.
func (o *Ops) Verify(ctx context.Context, path, expected, algorithm, agentID string) (types.ChecksumResult, error) {
	actual, err := o.Compute(ctx, path, algorithm, agentID)
	if err != nil {
		return types.ChecksumResult{}, err
	}
	return types.ChecksumResult{
		Match:    strings.EqualFold(expected, actual),
		Expected: strings.ToLower(expected),
		Actual:   actual,
	}, nil
}
