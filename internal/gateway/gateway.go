// Package gateway routes wire requests to the operation components. The
// twelve public operations form a closed enum; the transport layer hands the
// gateway an operation name and a raw JSON body, and the name is translated
// into the enum exactly once, here at the edge.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/fsgate/internal/batch"
	"github.com/clawinfra/fsgate/internal/checksum"
	"github.com/clawinfra/fsgate/internal/dirops"
	"github.com/clawinfra/fsgate/internal/diskusage"
	"github.com/clawinfra/fsgate/internal/index"
	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
	"github.com/clawinfra/fsgate/internal/watch"
)

// Operation is one of the twelve public operations.
type Operation string

const (
	OpBatchOperations  Operation = "batch_operations"
	OpWatchDirectory   Operation = "watch_directory"
	OpGetWatchEvents   Operation = "get_watch_events"
	OpStopWatch        Operation = "stop_watch"
	OpSearchFiles      Operation = "search_files"
	OpBuildIndex       Operation = "build_index"
	OpCreateSymlink    Operation = "create_symlink"
	OpComputeChecksum  Operation = "compute_checksum"
	OpVerifyChecksum   Operation = "verify_checksum"
	OpAnalyzeDiskUsage Operation = "analyze_disk_usage"
	OpCopyDirectory    Operation = "copy_directory"
	OpSyncDirectory    Operation = "sync_directory"
)

var operations = map[string]Operation{
	string(OpBatchOperations):  OpBatchOperations,
	string(OpWatchDirectory):   OpWatchDirectory,
	string(OpGetWatchEvents):   OpGetWatchEvents,
	string(OpStopWatch):        OpStopWatch,
	string(OpSearchFiles):      OpSearchFiles,
	string(OpBuildIndex):       OpBuildIndex,
	string(OpCreateSymlink):    OpCreateSymlink,
	string(OpComputeChecksum):  OpComputeChecksum,
	string(OpVerifyChecksum):   OpVerifyChecksum,
	string(OpAnalyzeDiskUsage): OpAnalyzeDiskUsage,
	string(OpCopyDirectory):    OpCopyDirectory,
	string(OpSyncDirectory):    OpSyncDirectory,
}

// ParseOperation translates a wire operation name into the enum.
func ParseOperation(name string) (Operation, error) {
	op, ok := operations[name]
	if !ok {
		return "", types.NewValidationError(types.CodeUnknownOp, "unknown operation "+name)
	}
	return op, nil
}

// Operations lists every operation name, for discovery endpoints.
func Operations() []string {
	out := make([]string, 0, len(operations))
	for name := range operations {
		out = append(out, name)
	}
	return out
}

// Gateway binds the policy engine and the operation components.
type Gateway struct {
	engine   *security.Engine
	batch    *batch.Executor
	dirops   *dirops.Ops
	watch    *watch.Registry
	checksum *checksum.Ops
	usage    *diskusage.Ops
	index    *index.Store
	logger   *slog.Logger
}

// New wires the gateway.
func New(engine *security.Engine, bx *batch.Executor, dops *dirops.Ops, wr *watch.Registry,
	ck *checksum.Ops, du *diskusage.Ops, ix *index.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		engine:   engine,
		batch:    bx,
		dirops:   dops,
		watch:    wr,
		checksum: ck,
		usage:    du,
		index:    ix,
		logger:   logger.With("component", "gateway"),
	}
}

// Watch exposes the registry for the event-streaming transport.
func (g *Gateway) Watch() *watch.Registry { return g.watch }

// Engine exposes the policy engine for administrative endpoints.
func (g *Gateway) Engine() *security.Engine { return g.engine }

// Request bodies for each operation.

type batchRequest struct {
	Operations []types.BatchOp `json:"operations"`
	Atomic     bool            `json:"atomic"`
}

type watchRequest struct {
	Path      string   `json:"path"`
	Recursive bool     `json:"recursive"`
	Filters   []string `json:"filters,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	Clear     bool   `json:"clear,omitempty"`
}

type buildIndexRequest struct {
	Path           string `json:"path"`
	IncludeContent bool   `json:"includeContent"`
}

type symlinkRequest struct {
	LinkPath   string `json:"linkPath"`
	TargetPath string `json:"targetPath"`
}

type checksumRequest struct {
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
	Expected  string `json:"expected,omitempty"`
}

type usageRequest struct {
	Path        string `json:"path"`
	Depth       int    `json:"depth,omitempty"`
	GroupByType bool   `json:"groupByType,omitempty"`
}

type copyRequest struct {
	Source           string   `json:"source"`
	Destination      string   `json:"destination"`
	PreserveMetadata bool     `json:"preserveMetadata,omitempty"`
	Exclusions       []string `json:"exclusions,omitempty"`
}

// Dispatch decodes the request body for the operation and runs it. Every
// call is rate-limit checked once, and every outcome produces one audit
// note (security violations are audited separately by the engine).
func (g *Gateway) Dispatch(ctx context.Context, op Operation, agentID string, body json.RawMessage) (any, error) {
	if rej := g.engine.Admit(agentID); rej != nil {
		return nil, rej.WireError()
	}

	start := time.Now()
	result, paths, err := g.run(ctx, op, agentID, body)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if oe, ok := err.(*types.OpError); ok {
			outcome = "error:" + oe.Code
		}
	}
	g.engine.Note(agentID, string(op), paths, outcome)
	g.logger.Debug("operation dispatched",
		"operation", op, "agent", agentID, "outcome", outcome, "duration", time.Since(start))
	return result, err
}

func (g *Gateway) run(ctx context.Context, op Operation, agentID string, body json.RawMessage) (any, []string, error) {
	switch op {
	case OpBatchOperations:
		var req batchRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		if len(req.Operations) == 0 {
			return nil, nil, types.NewValidationError(types.CodeMissingField, "operations list is empty")
		}
		paths := make([]string, 0, len(req.Operations))
		for _, o := range req.Operations {
			paths = append(paths, o.Source)
		}
		results, err := g.batch.Execute(req.Operations, req.Atomic, agentID)
		if err != nil {
			return map[string]any{"results": results}, paths, err
		}
		return map[string]any{"results": results}, paths, nil

	case OpWatchDirectory:
		var req watchRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		sessionID := uuid.NewString()
		if err := g.watch.Watch(sessionID, req.Path, req.Recursive, req.Filters, agentID); err != nil {
			return nil, []string{req.Path}, err
		}
		return map[string]string{"sessionId": sessionID}, []string{req.Path}, nil

	case OpGetWatchEvents:
		var req sessionRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		events, err := g.watch.GetEvents(req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		if req.Clear {
			if err := g.watch.ClearEvents(req.SessionID); err != nil {
				return nil, nil, err
			}
		}
		return map[string]any{"events": events}, nil, nil

	case OpStopWatch:
		var req sessionRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		if err := g.watch.Stop(req.SessionID); err != nil {
			return nil, nil, err
		}
		return map[string]string{"status": "stopped"}, nil, nil

	case OpSearchFiles:
		var req types.SearchQuery
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		hits, err := g.index.Search(ctx, req, agentID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"results": hits}, nil, nil

	case OpBuildIndex:
		var req buildIndexRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		if req.Path == "" {
			req.Path = "."
		}
		stats, err := g.index.Build(ctx, req.Path, req.IncludeContent, agentID)
		return stats, []string{req.Path}, err

	case OpCreateSymlink:
		var req symlinkRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		if err := g.dirops.CreateSymlink(req.LinkPath, req.TargetPath, agentID); err != nil {
			return nil, []string{req.LinkPath, req.TargetPath}, err
		}
		return map[string]string{"status": "created"}, []string{req.LinkPath, req.TargetPath}, nil

	case OpComputeChecksum:
		var req checksumRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		digest, err := g.checksum.Compute(ctx, req.Path, req.Algorithm, agentID)
		if err != nil {
			return nil, []string{req.Path}, err
		}
		return map[string]string{"digest": digest, "algorithm": req.Algorithm}, []string{req.Path}, nil

	case OpVerifyChecksum:
		var req checksumRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		if req.Expected == "" {
			return nil, nil, types.NewValidationError(types.CodeMissingField, "expected digest is required")
		}
		res, err := g.checksum.Verify(ctx, req.Path, req.Expected, req.Algorithm, agentID)
		return res, []string{req.Path}, err

	case OpAnalyzeDiskUsage:
		var req usageRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		if req.Path == "" {
			req.Path = "."
		}
		report, err := g.usage.Analyze(req.Path, req.Depth, req.GroupByType, agentID)
		return report, []string{req.Path}, err

	case OpCopyDirectory:
		var req copyRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		stats, err := g.dirops.CopyDirectory(req.Source, req.Destination, req.PreserveMetadata, req.Exclusions, agentID)
		return stats, []string{req.Source, req.Destination}, err

	case OpSyncDirectory:
		var req copyRequest
		if err := decode(body, &req); err != nil {
			return nil, nil, err
		}
		stats, err := g.dirops.SyncDirectory(req.Source, req.Destination, req.Exclusions, agentID)
		return stats, []string{req.Source, req.Destination}, err
	}

	return nil, nil, types.NewValidationError(types.CodeUnknownOp, fmt.Sprintf("unknown operation %q", op))
}

func decode(body json.RawMessage, dst any) error {
	if len(body) == 0 {
		return types.NewValidationError(types.CodeMissingField, "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return types.NewValidationError(types.CodeMissingField, "malformed request body: "+err.Error())
	}
	return nil
}
