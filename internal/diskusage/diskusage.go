// Package diskusage walks a vetted directory and reports where the bytes
// are. The walker is best-effort: entries that fail re-validation or cannot
// be read are counted as skipped and logged, never fatal.
package diskusage

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

const topN = 10

// DefaultMaxDepth bounds the walk when the caller does not specify one.
const DefaultMaxDepth = 16

// Ops analyzes disk usage under policy control.
type Ops struct {
	engine *security.Engine
	logger *slog.Logger
}

// New creates the disk usage component.
func New(engine *security.Engine, logger *slog.Logger) *Ops {
	return &Ops{
		engine: engine,
		logger: logger.With("component", "diskusage"),
	}
}

// Analyze walks path to maxDepth levels and reports totals, the ten largest
// files, the ten largest immediate subdirectories by recursive size, and
// (optionally) a by-extension histogram. Symlinks contribute the link's own
// size, never the target's.
func (o *Ops) Analyze(path string, maxDepth int, groupByType bool, agentID string) (types.UsageReport, error) {
	root, rej := o.engine.Vet(path, types.OpRead, agentID)
	if rej != nil {
		return types.UsageReport{}, rej.WireError()
	}
	info, err := os.Stat(root)
	if err != nil {
		return types.UsageReport{}, types.NewFilesystemError(types.CodeNotFound, "path does not exist", err)
	}
	if !info.IsDir() {
		return types.UsageReport{}, types.NewFilesystemError(types.CodeNotDirectory, "path is not a directory", nil)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	report := types.UsageReport{Root: root}
	if groupByType {
		report.ByExtension = make(map[string]int64)
	}

	var files []types.DiskEntry
	o.walk(root, 0, maxDepth, agentID, &report, &files)

	sort.Slice(files, func(i, j int) bool { return files[i].Bytes > files[j].Bytes })
	if len(files) > topN {
		files = files[:topN]
	}
	report.LargestFiles = files

	// Immediate subdirectories ranked by their full recursive size,
	// regardless of the depth bound applied to the report itself.
	entries, err := os.ReadDir(root)
	if err == nil {
		var dirs []types.DiskEntry
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			child := filepath.Join(root, e.Name())
			dirs = append(dirs, types.DiskEntry{Path: child, Bytes: o.recursiveSize(child)})
		}
		sort.Slice(dirs, func(i, j int) bool { return dirs[i].Bytes > dirs[j].Bytes })
		if len(dirs) > topN {
			dirs = dirs[:topN]
		}
		report.LargestDirs = dirs
	}

	return report, nil
}

func (o *Ops) walk(dir string, depth, maxDepth int, agentID string, report *types.UsageReport, files *[]types.DiskEntry) {
	if depth >= maxDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		o.logger.Debug("skipping unreadable directory", "path", dir, "error", err)
		report.Skipped++
		return
	}

	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())

		// Re-validate every entry; a blocked or sensitive child is skipped,
		// not surfaced.
		if _, rej := security.Resolve(child, types.OpRead, o.engine.Policy()); rej != nil {
			o.logger.Debug("skipping entry failing re-validation", "path", child, "reason", rej.Reason)
			report.Skipped++
			continue
		}

		info, err := entry.Info()
		if err != nil {
			report.Skipped++
			continue
		}

		if entry.IsDir() {
			o.walk(child, depth+1, maxDepth, agentID, report, files)
			continue
		}

		// Symlinks count their own size (the link), not the target's.
		size := info.Size()
		report.TotalBytes += size
		report.FileCount++
		*files = append(*files, types.DiskEntry{Path: child, Bytes: size})

		if report.ByExtension != nil {
			ext := strings.ToLower(filepath.Ext(child))
			if ext == "" {
				ext = "(none)"
			}
			report.ByExtension[ext] += size
		}
	}
}

// recursiveSize totals all regular file and symlink sizes under dir,
// skipping unreadable entries.
func (o *Ops) recursiveSize(dir string) int64 {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			total += o.recursiveSize(child)
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}
