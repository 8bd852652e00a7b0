package security

import (
	"fmt"

	"github.com/clawinfra/fsgate/internal/types"
)

// Reason identifies which policy layer rejected a path. The string values are
// the "type" field of SECURITY_VIOLATION audit lines.
type Reason string

const (
	ReasonTraversal         Reason = "path_traversal"
	ReasonWorkspaceEscape   Reason = "workspace_escape"
	ReasonSystemPath        Reason = "system_path_access"
	ReasonSensitiveFile     Reason = "sensitive_file_access"
	ReasonSubdirRestriction Reason = "subdirectory_restriction"
	ReasonBlockedPath       Reason = "blocked_path"
	ReasonBlockedPattern    Reason = "blocked_pattern"
	ReasonReadOnly          Reason = "read_only"
	ReasonSymlinkEscape     Reason = "symlink_escape"
	ReasonRateLimit         Reason = "rate_limit"
	ReasonFileSize          Reason = "file_size_limit"
	ReasonBatchSize         Reason = "batch_size_limit"
	ReasonEmergencyStop     Reason = "emergency_stop"
	ReasonEmergencyReadOnly Reason = "emergency_read_only"
)

// Rejection is the typed refusal produced by the validation pipeline. It
// implements error so it can flow through ordinary error returns, and it is
// never swallowed: every Rejection reaching the policy engine produces a
// SECURITY_VIOLATION audit line.
type Rejection struct {
	Reason   Reason
	Input    string
	Resolved string // empty when rejection happened before resolution
	Detail   string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s: %q (%s)", r.Reason, r.Input, r.Detail)
	}
	return fmt.Sprintf("%s: %q", r.Reason, r.Input)
}

// Code maps the rejection to its wire error code.
func (r *Rejection) Code() string {
	switch r.Reason {
	case ReasonTraversal:
		return types.CodeTraversal
	case ReasonWorkspaceEscape:
		return types.CodeWorkspaceEscape
	case ReasonSystemPath:
		return types.CodeSystemPath
	case ReasonSensitiveFile:
		return types.CodeSensitiveFile
	case ReasonSubdirRestriction:
		return types.CodeSubdirRestriction
	case ReasonBlockedPath:
		return types.CodeBlockedPath
	case ReasonBlockedPattern:
		return types.CodeBlockedPattern
	case ReasonReadOnly:
		return types.CodeReadOnly
	case ReasonSymlinkEscape:
		return types.CodeSymlinkEscape
	case ReasonRateLimit:
		return types.CodeRateLimit
	case ReasonEmergencyStop:
		return types.CodeEmergencyStop
	case ReasonEmergencyReadOnly:
		return types.CodeEmergencyReadOnly
	case ReasonFileSize, ReasonBatchSize:
		return types.CodeSizeLimit
	}
	return types.CodeWorkspaceEscape
}

// WireError converts the rejection into the boundary error shape.
func (r *Rejection) WireError() *types.OpError {
	kind := types.KindSecurity
	if r.Reason == ReasonFileSize || r.Reason == ReasonBatchSize {
		kind = types.KindValidation
	}
	return &types.OpError{
		Code:    r.Code(),
		Kind:    kind,
		Message: string(r.Reason),
		Detail:  r.Detail,
	}
}
