package security

import (
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/clawinfra/fsgate/internal/types"
)

// Engine is the single facade effectful components use to reach the
// filesystem. It owns the policy, the rate limiter, and the audit stream,
// and holds the administrator-toggled emergency flags.
type Engine struct {
	policy  *Policy
	limiter *RateLimiter
	audit   *Audit
	logger  *slog.Logger

	emergencyStop     atomic.Bool
	emergencyReadOnly atomic.Bool
}

// NewEngine wires the policy engine. The engine takes ownership of the
// limiter and audit stream for its lifetime.
func NewEngine(policy *Policy, limiter *RateLimiter, audit *Audit, logger *slog.Logger) *Engine {
	return &Engine{
		policy:  policy,
		limiter: limiter,
		audit:   audit,
		logger:  logger.With("component", "policy"),
	}
}

// Policy returns the immutable policy configuration.
func (e *Engine) Policy() *Policy { return e.policy }

// WorkspaceRoot returns the fixed workspace root.
func (e *Engine) WorkspaceRoot() string { return e.policy.WorkspaceRoot }

// SetEmergencyStop toggles the kill switch. While set, every vet call is
// rejected immediately.
func (e *Engine) SetEmergencyStop(on bool) {
	e.emergencyStop.Store(on)
	e.logger.Warn("emergency stop toggled", "on", on)
}

// SetEmergencyReadOnly toggles the emergency read-only mode: reads pass,
// everything else is rejected.
func (e *Engine) SetEmergencyReadOnly(on bool) {
	e.emergencyReadOnly.Store(on)
	e.logger.Warn("emergency read-only toggled", "on", on)
}

// EmergencyStop reports the current kill-switch state.
func (e *Engine) EmergencyStop() bool { return e.emergencyStop.Load() }

// EmergencyReadOnly reports the current emergency read-only state.
func (e *Engine) EmergencyReadOnly() bool { return e.emergencyReadOnly.Load() }

// Admit performs the per-request rate limit check and records the request.
// The gateway calls this once per public operation, before any path work.
func (e *Engine) Admit(agentID string) *Rejection {
	now := time.Now()
	if rej := e.limiter.Check(agentID, now); rej != nil {
		e.audit.Violation(agentID, rej, e.policy.WorkspaceRoot)
		return rej
	}
	e.limiter.Record(agentID, now)
	return nil
}

// Vet runs the full validation pipeline for one path. Every rejection is
// audited before being returned; no rejection is ever swallowed.
func (e *Engine) Vet(input string, kind types.OperationKind, agentID string) (string, *Rejection) {
	if rej := e.emergencyCheck(input, kind); rej != nil {
		e.audit.Violation(agentID, rej, e.policy.WorkspaceRoot)
		return "", rej
	}
	vetted, rej := Resolve(input, kind, e.policy)
	if rej != nil {
		e.audit.Violation(agentID, rej, e.policy.WorkspaceRoot)
		return "", rej
	}
	return vetted, nil
}

// VetSymlink validates a symlink creation: the link path is vetted for
// write, and the resolved target must lie inside the workspace. It returns
// the vetted link path and the vetted absolute target.
func (e *Engine) VetSymlink(link, target, agentID string) (string, string, *Rejection) {
	vettedLink, rej := e.Vet(link, types.OpWrite, agentID)
	if rej != nil {
		return "", "", rej
	}

	// Resolve the target against the link's parent so relative targets get
	// the same scrutiny as absolute ones.
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(filepath.Dir(vettedLink), abs)
	}
	vettedTarget, trej := Resolve(abs, types.OpRead, e.policy)
	if trej != nil {
		rej := &Rejection{
			Reason:   ReasonSymlinkEscape,
			Input:    link,
			Resolved: vettedLink,
			Detail:   "target " + target + ": " + string(trej.Reason),
		}
		e.audit.Violation(agentID, rej, e.policy.WorkspaceRoot)
		return "", "", rej
	}
	return vettedLink, vettedTarget, nil
}

// GuardFileSize enforces the per-file byte cap.
func (e *Engine) GuardFileSize(size int64, agentID string) *Rejection {
	if rej := CheckFileSize(size, e.policy.MaxFileSize); rej != nil {
		e.audit.Violation(agentID, rej, e.policy.WorkspaceRoot)
		return rej
	}
	return nil
}

// GuardBatch enforces the cumulative batch byte cap. No operation-count cap is
// configured, so nOps never causes a rejection.
func (e *Engine) GuardBatch(totalBytes int64, nOps int, agentID string) *Rejection {
	if rej := CheckBatch(totalBytes, e.policy.MaxBatchSize, nOps, 0); rej != nil {
		e.audit.Violation(agentID, rej, e.policy.WorkspaceRoot)
		return rej
	}
	return nil
}

// Note records a success audit line for a completed operation.
func (e *Engine) Note(agentID, operation string, paths []string, result string) {
	e.audit.Success(agentID, operation, paths, result)
}

func (e *Engine) emergencyCheck(input string, kind types.OperationKind) *Rejection {
	if e.emergencyStop.Load() {
		return &Rejection{Reason: ReasonEmergencyStop, Input: input}
	}
	if e.emergencyReadOnly.Load() && kind != types.OpRead {
		return &Rejection{Reason: ReasonEmergencyReadOnly, Input: input}
	}
	return nil
}
