// Package dirops implements the directory-level operations of the gateway:
// recursive copy with metadata preservation, newer-only sync, atomic replace,
// and constrained symlink creation. All paths entering this package go
// through the policy engine first.
package dirops

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

// Ops performs directory operations under policy control.
type Ops struct {
	engine *security.Engine
	logger *slog.Logger
}

// New creates the directory operations component.
func New(engine *security.Engine, logger *slog.Logger) *Ops {
	return &Ops{
		engine: engine,
		logger: logger.With("component", "dirops"),
	}
}

// CopyDirectory recursively copies source into destination. Exclusion globs
// are tested against source child paths. Only regular files count toward the
// returned statistics.
func (o *Ops) CopyDirectory(source, destination string, preserveMetadata bool, exclusions []string, agentID string) (types.CopyStats, error) {
	var stats types.CopyStats
	start := time.Now()

	src, rej := o.engine.Vet(source, types.OpRead, agentID)
	if rej != nil {
		return stats, rej.WireError()
	}
	dst, rej := o.engine.Vet(destination, types.OpWrite, agentID)
	if rej != nil {
		return stats, rej.WireError()
	}

	info, err := os.Stat(src)
	if err != nil {
		return stats, types.NewFilesystemError(types.CodeNotFound, "source does not exist", err)
	}
	if !info.IsDir() {
		return stats, types.NewFilesystemError(types.CodeNotDirectory, "source is not a directory", nil)
	}

	excl, err := security.CompileGlobs(exclusions)
	if err != nil {
		return stats, &types.OpError{Code: types.CodeBadPattern, Kind: types.KindValidation,
			Message: "bad exclusion pattern", Detail: err.Error()}
	}

	if err := o.copyTree(src, dst, preserveMetadata, excl, &stats); err != nil {
		return stats, err
	}
	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, nil
}

func (o *Ops) copyTree(src, dst string, preserve bool, excl []*regexp.Regexp, stats *types.CopyStats) error {
	info, err := os.Stat(src)
	if err != nil {
		return types.NewFilesystemError(types.CodeStatFailed, "stat source", err)
	}

	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return types.NewFilesystemError(types.CodeCopyFailed, "create destination directory", err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return types.NewFilesystemError(types.CodeIO, "read source directory", err)
	}
	for _, entry := range entries {
		childSrc := filepath.Join(src, entry.Name())
		childDst := filepath.Join(dst, entry.Name())
		if security.MatchAny(excl, childSrc) {
			continue
		}

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			// Recreate the link rather than following it; following could
			// read content outside the vetted tree.
			target, err := os.Readlink(childSrc)
			if err != nil {
				return types.NewFilesystemError(types.CodeIO, "read symlink", err)
			}
			os.Remove(childDst)
			if err := os.Symlink(target, childDst); err != nil {
				return types.NewFilesystemError(types.CodeCopyFailed, "recreate symlink", err)
			}
		case entry.IsDir():
			if err := o.copyTree(childSrc, childDst, preserve, excl, stats); err != nil {
				return err
			}
		default:
			n, err := copyFile(childSrc, childDst, preserve)
			if err != nil {
				return err
			}
			stats.FilesCopied++
			stats.BytesTransferred += n
		}
	}

	if preserve {
		preserveMetadata(dst, info)
	}
	return nil
}

// SyncDirectory copies source files into destination, skipping files whose
// destination copy is at least as new. Directories are created
// unconditionally and metadata is not preserved.
func (o *Ops) SyncDirectory(source, destination string, exclusions []string, agentID string) (types.SyncStats, error) {
	var stats types.SyncStats
	start := time.Now()

	src, rej := o.engine.Vet(source, types.OpRead, agentID)
	if rej != nil {
		return stats, rej.WireError()
	}
	dst, rej := o.engine.Vet(destination, types.OpWrite, agentID)
	if rej != nil {
		return stats, rej.WireError()
	}

	info, err := os.Stat(src)
	if err != nil {
		return stats, types.NewFilesystemError(types.CodeNotFound, "source does not exist", err)
	}
	if !info.IsDir() {
		return stats, types.NewFilesystemError(types.CodeNotDirectory, "source is not a directory", nil)
	}

	excl, err := security.CompileGlobs(exclusions)
	if err != nil {
		return stats, &types.OpError{Code: types.CodeBadPattern, Kind: types.KindValidation,
			Message: "bad exclusion pattern", Detail: err.Error()}
	}

	if err := o.syncTree(src, dst, excl, &stats); err != nil {
		return stats, err
	}
	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, nil
}

func (o *Ops) syncTree(src, dst string, excl []*regexp.Regexp, stats *types.SyncStats) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return types.NewFilesystemError(types.CodeCopyFailed, "create destination directory", err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return types.NewFilesystemError(types.CodeIO, "read source directory", err)
	}
	for _, entry := range entries {
		childSrc := filepath.Join(src, entry.Name())
		childDst := filepath.Join(dst, entry.Name())
		if security.MatchAny(excl, childSrc) {
			continue
		}

		if entry.IsDir() {
			if err := o.syncTree(childSrc, childDst, excl, stats); err != nil {
				return err
			}
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}

		srcInfo, err := entry.Info()
		if err != nil {
			return types.NewFilesystemError(types.CodeStatFailed, "stat source file", err)
		}
		if dstInfo, err := os.Stat(childDst); err == nil {
			if !dstInfo.ModTime().Before(srcInfo.ModTime()) {
				stats.FilesSkipped++
				continue
			}
		}

		n, err := copyFile(childSrc, childDst, false)
		if err != nil {
			return err
		}
		stats.FilesCopied++
		stats.BytesTransferred += n
	}
	return nil
}

// AtomicReplace writes content to a hidden temp file next to the target and
// renames it into place, so readers observe either the old or the new
// content, never a partial write.
func (o *Ops) AtomicReplace(target string, content []byte, agentID string) error {
	dst, rej := o.engine.Vet(target, types.OpWrite, agentID)
	if rej != nil {
		return rej.WireError()
	}
	if rej := o.engine.GuardFileSize(int64(len(content)), agentID); rej != nil {
		return rej.WireError()
	}

	tmp := filepath.Join(filepath.Dir(dst), ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		os.Remove(tmp)
		return &types.OpError{Code: types.CodeAtomicReplaceFailed, Kind: types.KindOperation,
			Message: "atomic replace failed", Detail: err.Error()}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return &types.OpError{Code: types.CodeAtomicReplaceFailed, Kind: types.KindOperation,
			Message: "atomic replace failed", Detail: err.Error()}
	}
	return nil
}

// CreateSymlink creates a symlink whose target must resolve inside the
// workspace. The link is written with a relative target for portability.
func (o *Ops) CreateSymlink(link, target, agentID string) error {
	vettedLink, vettedTarget, rej := o.engine.VetSymlink(link, target, agentID)
	if rej != nil {
		return rej.WireError()
	}

	if _, err := os.Lstat(vettedLink); err == nil {
		return types.NewFilesystemError(types.CodeExists, "link path already exists", nil)
	}
	if err := os.MkdirAll(filepath.Dir(vettedLink), 0o755); err != nil {
		return types.NewFilesystemError(types.CodeIO, "create link parent", err)
	}

	rel, err := filepath.Rel(filepath.Dir(vettedLink), vettedTarget)
	if err != nil {
		return types.NewFilesystemError(types.CodeIO, "relativize target", err)
	}
	if err := os.Symlink(rel, vettedLink); err != nil {
		return types.NewFilesystemError(types.CodeIO, "create symlink", err)
	}
	return nil
}

// CopyPath copies a file or directory tree without policy checks; callers
// must pass vetted paths. The batch executor uses this; it runs the same
// tree copy as CopyDirectory.
func CopyPath(src, dst string, preserve bool) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, types.NewFilesystemError(types.CodeNotFound, "source does not exist", err)
	}
	if info.IsDir() {
		var stats types.CopyStats
		o := &Ops{}
		if err := o.copyTree(src, dst, preserve, nil, &stats); err != nil {
			return stats.BytesTransferred, err
		}
		return stats.BytesTransferred, nil
	}
	return copyFile(src, dst, preserve)
}

func copyFile(src, dst string, preserve bool) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, types.NewFilesystemError(types.CodeIO, "open source file", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, types.NewFilesystemError(types.CodeStatFailed, "stat source file", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, types.NewFilesystemError(types.CodeCopyFailed, "open destination file", err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, types.NewFilesystemError(types.CodeCopyFailed, "copy file contents", err)
	}

	if preserve {
		preserveMetadata(dst, info)
	}
	return n, nil
}

// preserveMetadata applies mode and mtime best-effort; a mode or mtime that
// cannot be applied does not fail the copy itself.
func preserveMetadata(dst string, info os.FileInfo) {
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		slog.Debug("chmod failed", "path", dst, "error", err)
	}
	if err := os.Chtimes(dst, time.Now(), info.ModTime()); err != nil {
		slog.Debug("chtimes failed", "path", dst, "error", err)
	}
}
