package watch

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/clawinfra/fsgate/internal/types"
)

// scan builds a snapshot of the directory. Non-recursive sessions see only
// the immediate children; recursive sessions see the whole tree. Unreadable
// subtrees are silently absent, which the next successful scan repairs.
func scan(root string, recursive bool) map[string]fileState {
	out := make(map[string]fileState)
	scanInto(root, recursive, out)
	return out
}

func scanInto(dir string, recursive bool, out map[string]fileState) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out[child] = fileState{
			modTime: info.ModTime(),
			size:    info.Size(),
			isDir:   entry.IsDir(),
		}
		if recursive && entry.IsDir() {
			scanInto(child, true, out)
		}
	}
}

// diff classifies the changes between two snapshots. Renames cannot be
// paired by polling, so a rename surfaces as a delete of the old path and a
// create of the new one.
func diff(old, current map[string]fileState) []types.FsEvent {
	now := time.Now()
	var events []types.FsEvent

	var deleted []string
	for path := range old {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(deleted)
	for _, path := range deleted {
		events = append(events, types.FsEvent{Kind: types.EventDelete, Path: path, Timestamp: now})
	}

	var added, modified []string
	for path, cur := range current {
		prev, ok := old[path]
		if !ok {
			added = append(added, path)
			continue
		}
		if !prev.isDir && (!prev.modTime.Equal(cur.modTime) || prev.size != cur.size) {
			modified = append(modified, path)
		}
	}
	sort.Strings(added)
	for _, path := range added {
		events = append(events, types.FsEvent{Kind: types.EventCreate, Path: path, Timestamp: now})
	}
	sort.Strings(modified)
	for _, path := range modified {
		events = append(events, types.FsEvent{Kind: types.EventModify, Path: path, Timestamp: now})
	}
	return events
}
