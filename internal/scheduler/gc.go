// Package scheduler runs the shadow-backup garbage collector. Deletes in a
// batch never unlink; they rename the victim to a `.backup-<nanos>` shadow so
// rollback stays possible. Once a backup is older than the TTL it can no
// longer belong to a live batch and the sweeper removes it.
package scheduler

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// backupName matches the shadow paths produced by the batch executor.
var backupName = regexp.MustCompile(`\.backup-\d+$`)

// GC sweeps expired shadow backups out of the workspace on a cron schedule.
type GC struct {
	root     string
	ttl      time.Duration
	schedule string
	logger   *slog.Logger

	cron *cron.Cron
	mu   sync.Mutex
	// stats from the last sweep
	lastSweep   time.Time
	lastRemoved int
}

// NewGC creates the sweeper. schedule is a standard five-field cron
// expression; ttl is how old a backup must be before removal.
func NewGC(workspaceRoot, schedule string, ttl time.Duration, logger *slog.Logger) (*GC, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, err
	}
	return &GC{
		root:     workspaceRoot,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger.With("component", "backup-gc"),
	}, nil
}

// Start schedules the sweep. Call Stop to halt it.
func (g *GC) Start() error {
	g.cron = cron.New()
	if _, err := g.cron.AddFunc(g.schedule, func() { g.Sweep(time.Now()) }); err != nil {
		return err
	}
	g.cron.Start()
	g.logger.Info("backup sweeper started", "schedule", g.schedule, "ttl", g.ttl)
	return nil
}

// Stop halts the schedule, letting an in-flight sweep finish.
func (g *GC) Stop() {
	if g.cron != nil {
		ctx := g.cron.Stop()
		<-ctx.Done()
	}
	g.logger.Info("backup sweeper stopped")
}

// Sweep removes every shadow backup under the workspace older than the TTL
// and returns how many were removed. Unreadable entries are skipped.
func (g *GC) Sweep(now time.Time) int {
	cutoff := now.Add(-g.ttl)
	removed := 0

	err := filepath.WalkDir(g.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !backupName.MatchString(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rerr := os.RemoveAll(path); rerr != nil {
			g.logger.Warn("failed to remove expired backup", "path", path, "error", rerr)
			return nil
		}
		removed++
		g.logger.Debug("removed expired backup", "path", path)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("backup sweep failed", "error", err)
	}

	g.mu.Lock()
	g.lastSweep = now
	g.lastRemoved = removed
	g.mu.Unlock()
	return removed
}

// LastSweep reports when the sweeper last ran and how many backups it took.
func (g *GC) LastSweep() (time.Time, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSweep, g.lastRemoved
}
