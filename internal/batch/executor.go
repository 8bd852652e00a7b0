// Package batch executes copy/move/delete sequences with all-or-nothing
// semantics. In atomic mode every executed operation leaves behind a rollback
// record; on failure the records are replayed in reverse to restore the
// pre-batch state. Deletes never unlink: the victim is renamed to a shadow
// backup so rollback stays possible.
package batch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/clawinfra/fsgate/internal/dirops"
	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

// Executor sequences batch operations under policy control.
type Executor struct {
	engine *security.Engine
	logger *slog.Logger
}

// New creates a batch executor.
func New(engine *security.Engine, logger *slog.Logger) *Executor {
	return &Executor{
		engine: engine,
		logger: logger.With("component", "batch"),
	}
}

// rollbackRecord captures what one executed op did, with enough state to
// reverse it.
type rollbackRecord struct {
	kind        types.BatchOpKind
	source      string
	destination string
	destExisted bool   // copy: destination predated the batch
	backupPath  string // move: shadow of the pre-existing destination; delete: shadow of the victim
}

// Execute runs the batch. In atomic mode any failure triggers reverse-order
// rollback and returns an OP-003 error carrying the originating failure; in
// non-atomic mode execution continues and each result carries its own error.
func (x *Executor) Execute(ops []types.BatchOp, atomic bool, agentID string) ([]types.BatchOpResult, error) {
	if atomic {
		if err := x.prevalidate(ops, agentID); err != nil {
			return nil, err
		}
	}

	results := make([]types.BatchOpResult, 0, len(ops))
	var records []rollbackRecord

	for i, op := range ops {
		rec, err := x.executeOne(op, agentID)
		res := types.BatchOpResult{
			Kind:        op.Kind,
			Source:      op.Source,
			Destination: op.Destination,
			Success:     err == nil,
		}
		if err != nil {
			res.Error = err.Error()
			if oe, ok := err.(*types.OpError); ok {
				res.ErrorCode = oe.Code
			}
			results = append(results, res)

			if atomic {
				x.logger.Warn("batch op failed, rolling back",
					"index", i, "kind", op.Kind, "error", err)
				x.rollback(records)
				return results, &types.OpError{
					Code:    types.CodeBatchFailed,
					Kind:    types.KindOperation,
					Message: fmt.Sprintf("batch failed at operation %d", i),
					Detail:  err.Error(),
				}
			}
			continue
		}
		records = append(records, rec)
		results = append(results, res)
	}
	return results, nil
}

// prevalidate vets every path and accumulates source bytes before anything
// touches disk. Bytes are counted for copy and move sources only; deletes
// contribute nothing to the batch size.
func (x *Executor) prevalidate(ops []types.BatchOp, agentID string) error {
	var totalBytes int64
	for i, op := range ops {
		if err := validateShape(op, i); err != nil {
			return err
		}
		srcKind := types.OpRead
		if op.Kind == types.BatchDelete {
			srcKind = types.OpDelete
		}
		src, rej := x.engine.Vet(op.Source, srcKind, agentID)
		if rej != nil {
			return rej.WireError()
		}
		if op.Kind != types.BatchDelete {
			if _, rej := x.engine.Vet(op.Destination, types.OpWrite, agentID); rej != nil {
				return rej.WireError()
			}
			if info, err := os.Stat(src); err == nil && !info.IsDir() {
				if rej := x.engine.GuardFileSize(info.Size(), agentID); rej != nil {
					return rej.WireError()
				}
				totalBytes += info.Size()
			}
		}
	}
	if rej := x.engine.GuardBatch(totalBytes, len(ops), agentID); rej != nil {
		return rej.WireError()
	}
	return nil
}

func validateShape(op types.BatchOp, index int) error {
	switch op.Kind {
	case types.BatchCopy, types.BatchMove:
		if op.Destination == "" {
			return types.NewValidationError(types.CodeMissingField,
				fmt.Sprintf("operation %d (%s) requires a destination", index, op.Kind))
		}
	case types.BatchDelete:
		if op.Destination != "" {
			return types.NewValidationError(types.CodeMissingField,
				fmt.Sprintf("operation %d (delete) must not have a destination", index))
		}
	default:
		return types.NewValidationError(types.CodeUnknownOp,
			fmt.Sprintf("operation %d: unknown kind %q", index, op.Kind))
	}
	if op.Source == "" {
		return types.NewValidationError(types.CodeMissingField,
			fmt.Sprintf("operation %d requires a source", index))
	}
	return nil
}

func (x *Executor) executeOne(op types.BatchOp, agentID string) (rollbackRecord, error) {
	if err := validateShape(op, 0); err != nil {
		return rollbackRecord{}, err
	}

	switch op.Kind {
	case types.BatchCopy:
		return x.execCopy(op, agentID)
	case types.BatchMove:
		return x.execMove(op, agentID)
	default:
		return x.execDelete(op, agentID)
	}
}

func (x *Executor) execCopy(op types.BatchOp, agentID string) (rollbackRecord, error) {
	src, rej := x.engine.Vet(op.Source, types.OpRead, agentID)
	if rej != nil {
		return rollbackRecord{}, rej.WireError()
	}
	dst, rej := x.engine.Vet(op.Destination, types.OpWrite, agentID)
	if rej != nil {
		return rollbackRecord{}, rej.WireError()
	}

	if _, err := os.Stat(src); err != nil {
		return rollbackRecord{}, types.NewFilesystemError(types.CodeNotFound, "copy source does not exist", err)
	}
	_, statErr := os.Lstat(dst)
	destExisted := statErr == nil

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return rollbackRecord{}, types.NewFilesystemError(types.CodeIO, "create destination parent", err)
	}
	if _, err := dirops.CopyPath(src, dst, true); err != nil {
		return rollbackRecord{}, err
	}
	return rollbackRecord{
		kind:        types.BatchCopy,
		source:      src,
		destination: dst,
		destExisted: destExisted,
	}, nil
}

func (x *Executor) execMove(op types.BatchOp, agentID string) (rollbackRecord, error) {
	src, rej := x.engine.Vet(op.Source, types.OpRead, agentID)
	if rej != nil {
		return rollbackRecord{}, rej.WireError()
	}
	dst, rej := x.engine.Vet(op.Destination, types.OpWrite, agentID)
	if rej != nil {
		return rollbackRecord{}, rej.WireError()
	}

	if _, err := os.Stat(src); err != nil {
		return rollbackRecord{}, types.NewFilesystemError(types.CodeNotFound, "move source does not exist", err)
	}

	rec := rollbackRecord{kind: types.BatchMove, source: src, destination: dst}
	if _, err := os.Lstat(dst); err == nil {
		backup := shadowPath(dst)
		if err := os.Rename(dst, backup); err != nil {
			return rollbackRecord{}, types.NewFilesystemError(types.CodeRenameFailed, "shadow pre-existing destination", err)
		}
		rec.backupPath = backup
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return rollbackRecord{}, types.NewFilesystemError(types.CodeIO, "create destination parent", err)
	}
	if err := os.Rename(src, dst); err != nil {
		// Undo the shadow immediately so a failed move is not destructive
		// even in non-atomic mode.
		if rec.backupPath != "" {
			if rerr := os.Rename(rec.backupPath, dst); rerr != nil {
				x.logger.Error("failed to restore shadowed destination", "path", dst, "error", rerr)
			}
		}
		return rollbackRecord{}, types.NewFilesystemError(types.CodeRenameFailed, "move", err)
	}
	return rec, nil
}

func (x *Executor) execDelete(op types.BatchOp, agentID string) (rollbackRecord, error) {
	src, rej := x.engine.Vet(op.Source, types.OpDelete, agentID)
	if rej != nil {
		return rollbackRecord{}, rej.WireError()
	}
	if _, err := os.Lstat(src); err != nil {
		return rollbackRecord{}, types.NewFilesystemError(types.CodeNotFound, "delete target does not exist", err)
	}

	backup := shadowPath(src)
	if err := os.Rename(src, backup); err != nil {
		return rollbackRecord{}, types.NewFilesystemError(types.CodeRenameFailed, "shadow delete target", err)
	}
	return rollbackRecord{kind: types.BatchDelete, source: src, backupPath: backup}, nil
}

// rollback reverses executed operations in reverse order. Failures are
// logged and skipped; a single bad step must not strand the rest.
func (x *Executor) rollback(records []rollbackRecord) {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		switch rec.kind {
		case types.BatchCopy:
			if !rec.destExisted {
				if err := os.RemoveAll(rec.destination); err != nil {
					x.logger.Error("rollback: remove copied destination", "path", rec.destination, "error", err)
				}
			}
		case types.BatchMove:
			if err := os.Rename(rec.destination, rec.source); err != nil {
				x.logger.Error("rollback: move back", "path", rec.destination, "error", err)
			}
			if rec.backupPath != "" {
				if err := os.Rename(rec.backupPath, rec.destination); err != nil {
					x.logger.Error("rollback: restore shadowed destination", "path", rec.destination, "error", err)
				}
			}
		case types.BatchDelete:
			if err := os.Rename(rec.backupPath, rec.source); err != nil {
				x.logger.Error("rollback: restore deleted path", "path", rec.source, "error", err)
			}
		}
	}
}

// shadowPath names the rename-aside backup for a path. The nanosecond stamp
// keeps concurrent batches from colliding.
func shadowPath(path string) string {
	return path + ".backup-" + strconv.FormatInt(time.Now().UnixNano(), 10)
}
