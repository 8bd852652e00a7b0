package security

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/clawinfra/fsgate/internal/types"
)

// maxSymlinkDepth bounds symlink target recursion. A chain longer than this
// is rejected as a symlink escape.
const maxSymlinkDepth = 40

// systemPaths are built-in absolute prefixes that are never accessible,
// regardless of user configuration.
var systemPaths = []string{
	"/etc", "/sys", "/proc", "/dev", "/boot", "/root",
	"/bin", "/sbin", "/usr/bin", "/usr/sbin",
	"/System", "/Library", "/Applications",
	`C:\Windows`, `C:\Program Files`, `C:\Program Files (x86)`,
}

// sensitivePattern is one built-in credential/key pattern. Patterns of the
// form "*.ext" match by filename suffix; all others match by substring.
type sensitivePattern struct {
	pattern         string
	caseInsensitive bool
}

var sensitivePatterns = []sensitivePattern{
	{pattern: ".ssh/"},
	{pattern: ".aws/"},
	{pattern: ".kube/"},
	{pattern: "id_rsa"},
	{pattern: "*.pem"},
	{pattern: "*.key"},
	{pattern: "*.p12"},
	{pattern: "*.pfx"},
	{pattern: "password", caseInsensitive: true},
	{pattern: "secret", caseInsensitive: true},
	{pattern: "token", caseInsensitive: true},
	{pattern: ".env"},
}

// Policy is the immutable validation configuration. Build one with NewPolicy
// and never mutate it afterwards; the engine shares it across requests.
type Policy struct {
	WorkspaceRoot   string
	AllowedSubdirs  []string
	BlockedPaths    []string
	BlockedPatterns []*regexp.Regexp
	MaxFileSize     int64
	MaxBatchSize    int64
	MaxOpsPerMinute int
	MaxOpsPerHour   int
	ReadOnly        bool
}

// NewPolicy validates and freezes a policy. The workspace root must be an
// absolute path to an existing directory; allowed subdirectories and blocked
// paths must live under it.
func NewPolicy(root string, allowedSubdirs, blockedPaths, blockedPatterns []string) (*Policy, error) {
	if !filepath.IsAbs(root) {
		return nil, &types.OpError{Code: types.CodeMissingField, Kind: types.KindValidation,
			Message: "workspace root must be an absolute path", Detail: root}
	}
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return nil, types.NewFilesystemError(types.CodeNotFound, "workspace root does not exist", err)
	}
	if !info.IsDir() {
		return nil, types.NewFilesystemError(types.CodeNotDirectory, "workspace root is not a directory", nil)
	}

	p := &Policy{WorkspaceRoot: root}
	for _, sub := range allowedSubdirs {
		sub = filepath.Clean(sub)
		if !isUnder(sub, root) {
			return nil, &types.OpError{Code: types.CodeMissingField, Kind: types.KindValidation,
				Message: "allowed subdirectory is outside the workspace", Detail: sub}
		}
		p.AllowedSubdirs = append(p.AllowedSubdirs, sub)
	}
	for _, bp := range blockedPaths {
		bp = filepath.Clean(bp)
		if !isUnder(bp, root) {
			return nil, &types.OpError{Code: types.CodeMissingField, Kind: types.KindValidation,
				Message: "blocked path is outside the workspace", Detail: bp}
		}
		p.BlockedPaths = append(p.BlockedPaths, bp)
	}
	res, err := CompileGlobs(blockedPatterns)
	if err != nil {
		return nil, &types.OpError{Code: types.CodeBadPattern, Kind: types.KindValidation,
			Message: "bad blocked pattern", Detail: err.Error()}
	}
	p.BlockedPatterns = res
	return p, nil
}

// Resolve runs the layered validation pipeline over an untrusted path and
// returns the vetted absolute path, or the first layer's rejection. Layers
// 1-5 are non-overridable; they fire even when user configuration would
// permit the path.
func Resolve(input string, kind types.OperationKind, p *Policy) (string, *Rejection) {
	return resolveDepth(input, kind, p, 0)
}

func resolveDepth(input string, kind types.OperationKind, p *Policy, depth int) (string, *Rejection) {
	if depth > maxSymlinkDepth {
		return "", &Rejection{Reason: ReasonSymlinkEscape, Input: input,
			Detail: "symlink chain too deep"}
	}

	// Layer 1: lexical traversal screen, before any resolution.
	if containsTraversal(input) {
		return "", &Rejection{Reason: ReasonTraversal, Input: input}
	}

	// Layer 2: resolution. Symlinks are not followed here.
	resolved := input
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(p.WorkspaceRoot, resolved)
	} else {
		resolved = filepath.Clean(resolved)
	}

	// Layer 3: workspace boundary.
	if !isUnder(resolved, p.WorkspaceRoot) {
		return "", &Rejection{Reason: ReasonWorkspaceEscape, Input: input, Resolved: resolved}
	}

	// Layer 4: hardcoded system paths.
	for _, sys := range systemPaths {
		if hasPathPrefix(resolved, sys) {
			return "", &Rejection{Reason: ReasonSystemPath, Input: input, Resolved: resolved, Detail: sys}
		}
	}

	// Layer 5: hardcoded sensitive patterns.
	for _, sp := range sensitivePatterns {
		if sp.matches(resolved) {
			return "", &Rejection{Reason: ReasonSensitiveFile, Input: input, Resolved: resolved, Detail: sp.pattern}
		}
	}

	// Layer 6: allowed subdirectories, when configured.
	if len(p.AllowedSubdirs) > 0 {
		ok := false
		for _, sub := range p.AllowedSubdirs {
			if isUnder(resolved, sub) {
				ok = true
				break
			}
		}
		if !ok {
			return "", &Rejection{Reason: ReasonSubdirRestriction, Input: input, Resolved: resolved}
		}
	}

	// Layer 7: user blocklist.
	for _, bp := range p.BlockedPaths {
		if isUnder(resolved, bp) {
			return "", &Rejection{Reason: ReasonBlockedPath, Input: input, Resolved: resolved, Detail: bp}
		}
	}

	// Layer 8: user patterns.
	if MatchAny(p.BlockedPatterns, resolved) {
		return "", &Rejection{Reason: ReasonBlockedPattern, Input: input, Resolved: resolved}
	}

	// Layer 9: read-only guard.
	if p.ReadOnly && kind != types.OpRead {
		return "", &Rejection{Reason: ReasonReadOnly, Input: input, Resolved: resolved}
	}

	// Layer 10: symlink target recursion. A path that does not exist yet is
	// fine (it may be about to be created); any other lstat failure is
	// treated as an escape, per the fail-closed principle.
	info, err := os.Lstat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return resolved, nil
		}
		return "", &Rejection{Reason: ReasonSymlinkEscape, Input: input, Resolved: resolved,
			Detail: err.Error()}
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(resolved)
		if err != nil {
			return "", &Rejection{Reason: ReasonSymlinkEscape, Input: input, Resolved: resolved,
				Detail: err.Error()}
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(resolved), target)
		}
		final, rej := resolveDepth(target, kind, p, depth+1)
		if rej != nil {
			return "", &Rejection{Reason: ReasonSymlinkEscape, Input: input, Resolved: resolved,
				Detail: "link target " + target + ": " + string(rej.Reason)}
		}
		return final, nil
	}

	return resolved, nil
}

// containsTraversal is the syntactic pre-check for '..', './' and '.\'.
func containsTraversal(path string) bool {
	return strings.Contains(path, "..") ||
		strings.Contains(path, "./") ||
		strings.Contains(path, `.\`)
}

// isUnder reports whether child equals parent or lives beneath it.
func isUnder(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// hasPathPrefix is a platform-agnostic prefix match: the candidate starts
// with the prefix followed by either separator style or nothing.
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+`\`)
}

func (sp sensitivePattern) matches(path string) bool {
	candidate := path
	pat := sp.pattern
	if sp.caseInsensitive {
		candidate = strings.ToLower(candidate)
		pat = strings.ToLower(pat)
	}
	if strings.HasPrefix(pat, "*.") {
		return strings.HasSuffix(candidate, pat[1:])
	}
	return strings.Contains(candidate, pat)
}
