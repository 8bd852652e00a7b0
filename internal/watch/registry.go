// Package watch multiplexes directory watch sessions. Each session polls its
// directory for changes (the snapshot diff approach keeps the gateway free of
// platform-specific watch facilities) and buffers classified events until the
// caller collects or clears them.
package watch

import (
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

// Options tune the registry.
type Options struct {
	PollInterval time.Duration
	MaxSessions  int
	BufferSize   int
	// OnEvent, when set, observes every buffered event (after filtering).
	// It runs on the poll goroutine and must not block.
	OnEvent func(sessionID string, ev types.FsEvent)
}

// DefaultOptions match the configuration defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: 200 * time.Millisecond,
		MaxSessions:  64,
		BufferSize:   4096,
	}
}

// Registry owns all live watch sessions. Callers hold only session ids.
type Registry struct {
	engine *security.Engine
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	root      string
	recursive bool
	filters   []*regexp.Regexp

	mu       sync.Mutex
	events   []types.FsEvent
	dropped  int
	snapshot map[string]fileState

	stop chan struct{}
	done chan struct{}
}

type fileState struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// NewRegistry creates the watch registry.
func NewRegistry(engine *security.Engine, opts Options, logger *slog.Logger) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	return &Registry{
		engine:   engine,
		logger:   logger.With("component", "watch"),
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Watch starts a session. The id must not belong to a live session and the
// directory must exist inside the workspace.
func (r *Registry) Watch(sessionID, dir string, recursive bool, filters []string, agentID string) error {
	vetted, rej := r.engine.Vet(dir, types.OpRead, agentID)
	if rej != nil {
		return rej.WireError()
	}
	info, err := os.Stat(vetted)
	if err != nil {
		return types.NewFilesystemError(types.CodeNotFound, "watch directory does not exist", err)
	}
	if !info.IsDir() {
		return types.NewFilesystemError(types.CodeNotDirectory, "watch target is not a directory", nil)
	}

	compiled, err := security.CompileGlobs(filters)
	if err != nil {
		return &types.OpError{Code: types.CodeBadPattern, Kind: types.KindValidation,
			Message: "bad watch filter", Detail: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return types.NewOperationError(types.CodeSessionExists, "session id already in use")
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return types.NewOperationError(types.CodeWatchLimit, "watch session limit reached")
	}

	s := &session{
		id:        sessionID,
		root:      vetted,
		recursive: recursive,
		filters:   compiled,
		snapshot:  scan(vetted, recursive),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.sessions[sessionID] = s
	go r.poll(s)

	r.logger.Info("watch session started", "session", sessionID, "dir", vetted, "recursive", recursive)
	return nil
}

// GetEvents returns a snapshot copy of the session's buffered events. The
// buffer is left intact; use ClearEvents to empty it.
func (r *Registry) GetEvents(sessionID string) ([]types.FsEvent, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FsEvent, len(s.events))
	copy(out, s.events)
	return out, nil
}

// ClearEvents empties the session's buffer.
func (r *Registry) ClearEvents(sessionID string) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
	return nil
}

// Stop tears a session down, releasing its poller and discarding the buffer.
func (r *Registry) Stop(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return types.NewOperationError(types.CodeSessionNotFound, "no such watch session")
	}

	close(s.stop)
	<-s.done
	r.logger.Info("watch session stopped", "session", sessionID)
	return nil
}

// StopAll tears down every live session.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		close(s.stop)
		<-s.done
	}
}

// Sessions returns the ids of all live sessions.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) get(sessionID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, types.NewOperationError(types.CodeSessionNotFound, "no such watch session")
	}
	return s, nil
}

func (r *Registry) poll(s *session) {
	defer close(s.done)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			current := scan(s.root, s.recursive)
			events := diff(s.snapshot, current)
			s.snapshot = current
			if len(events) > 0 {
				r.buffer(s, events)
			}
		}
	}
}

func (r *Registry) buffer(s *session, events []types.FsEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if len(s.filters) > 0 && !security.MatchAny(s.filters, ev.Path) {
			continue
		}
		if len(s.events) >= r.opts.BufferSize {
			// Drop the oldest; the newest event is the one a catching-up
			// consumer needs most.
			s.events = s.events[1:]
			s.dropped++
		}
		s.events = append(s.events, ev)
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(s.id, ev)
		}
	}
}
