// Package index maintains the searchable file catalog. Metadata lives in an
// ordinary sqlite table; file content goes into an FTS5 virtual table so
// content queries ride sqlite's text-search engine rather than a scan of the
// workspace.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/clawinfra/fsgate/internal/security"
	"github.com/clawinfra/fsgate/internal/types"
)

// Options tune the index store.
type Options struct {
	// MaxContentBytes caps how much of a file is content-indexed.
	MaxContentBytes int64
	// Workers bounds concurrent file reads during a build.
	Workers int
}

// DefaultOptions match the configuration defaults.
func DefaultOptions() Options {
	return Options{MaxContentBytes: 1 << 20, Workers: 4}
}

// Store is the sqlite-backed file index.
type Store struct {
	db     *sql.DB
	engine *security.Engine
	logger *slog.Logger
	opts   Options
	mu     sync.Mutex // serializes builds
}

// New opens (or creates) the index database. An empty dbPath keeps the index
// in memory, which is the default for ephemeral gateways.
func New(dbPath string, engine *security.Engine, opts Options, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultOptions().MaxContentBytes
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	// A single connection keeps the in-memory database coherent (each pool
	// connection would otherwise get its own ':memory:' instance) and
	// serializes writers the way sqlite prefers.
	db.SetMaxOpenConns(1)
	if dbPath != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: wal mode: %w", err)
		}
	}

	s := &Store{db: db, engine: engine, logger: logger.With("component", "index"), opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path       TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			ext        TEXT NOT NULL DEFAULT '',
			size       INTEGER NOT NULL,
			mode       INTEGER NOT NULL,
			mtime      INTEGER NOT NULL,
			is_dir     INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS files_name ON files(name)`,
		`CREATE INDEX IF NOT EXISTS files_ext ON files(ext)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(path, content)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Build walks the vetted path and (re)indexes everything under it. Entries
// failing re-validation are skipped and counted, never fatal. File reads fan
// out across a bounded worker group; row writes go through sql.DB, which is
// safe for concurrent use.
func (s *Store) Build(ctx context.Context, path string, includeContent bool, agentID string) (types.IndexStats, error) {
	var stats types.IndexStats
	start := time.Now()

	root, rej := s.engine.Vet(path, types.OpRead, agentID)
	if rej != nil {
		return stats, rej.WireError()
	}
	if _, err := os.Stat(root); err != nil {
		return stats, types.NewFilesystemError(types.CodeNotFound, "index root does not exist", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rebuild the subtree from scratch.
	prefix := strings.ReplaceAll(root, `\`, `\\`)
	prefix = strings.ReplaceAll(prefix, "%", `\%`)
	prefix = strings.ReplaceAll(prefix, "_", `\_`)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		root, prefix+string(filepath.Separator)+"%"); err != nil {
		return stats, fmt.Errorf("index: clear subtree: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files_fts WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		root, prefix+string(filepath.Separator)+"%"); err != nil {
		return stats, fmt.Errorf("index: clear fts subtree: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	var statsMu sync.Mutex

	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			statsMu.Lock()
			stats.Skipped++
			statsMu.Unlock()
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if _, rej := security.Resolve(p, types.OpRead, s.engine.Policy()); rej != nil {
			statsMu.Lock()
			stats.Skipped++
			statsMu.Unlock()
			if d.IsDir() && p != root {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			statsMu.Lock()
			stats.Skipped++
			statsMu.Unlock()
			return nil
		}

		g.Go(func() error {
			if err := s.indexOne(gctx, p, info, includeContent, &stats, &statsMu); err != nil {
				s.logger.Debug("index entry failed", "path", p, "error", err)
				statsMu.Lock()
				stats.Skipped++
				statsMu.Unlock()
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return stats, err
	}
	if walkErr != nil {
		return stats, walkErr
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, nil
}

func (s *Store) indexOne(ctx context.Context, path string, info os.FileInfo, includeContent bool, stats *types.IndexStats, statsMu *sync.Mutex) error {
	isDir := 0
	if info.IsDir() {
		isDir = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO files (path, name, ext, size, mode, mtime, is_dir, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		path, filepath.Base(path), strings.ToLower(filepath.Ext(path)),
		info.Size(), uint32(info.Mode()), info.ModTime().Unix(), isDir, time.Now().Unix())
	if err != nil {
		return err
	}

	statsMu.Lock()
	stats.FilesIndexed++
	if !info.IsDir() {
		stats.BytesIndexed += info.Size()
	}
	statsMu.Unlock()

	if !includeContent || info.IsDir() || !info.Mode().IsRegular() || info.Size() > s.opts.MaxContentBytes {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		return nil // binary files are metadata-only
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO files_fts (path, content) VALUES (?, ?)`, path, string(data)); err != nil {
		return err
	}
	statsMu.Lock()
	stats.ContentIndexed++
	statsMu.Unlock()
	return nil
}

// Search runs a query against the index. Name queries match the file name by
// substring; content queries go through FTS5. Size, extension, and mtime
// filters apply to both.
func (s *Store) Search(ctx context.Context, q types.SearchQuery, agentID string) ([]types.FileMeta, error) {
	if q.Query == "" {
		return nil, types.NewValidationError(types.CodeMissingField, "search query is required")
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	switch q.Type {
	case types.SearchName, "":
		return s.searchName(ctx, q, limit)
	case types.SearchContent:
		return s.searchContent(ctx, q, limit)
	case types.SearchBoth:
		byName, err := s.searchName(ctx, q, limit)
		if err != nil {
			return nil, err
		}
		byContent, err := s.searchContent(ctx, q, limit)
		if err != nil {
			return nil, err
		}
		return mergeResults(byName, byContent, limit), nil
	default:
		return nil, types.NewValidationError(types.CodeMissingField,
			"searchType must be name, content, or both")
	}
}

func (s *Store) searchName(ctx context.Context, q types.SearchQuery, limit int) ([]types.FileMeta, error) {
	where, args := s.filterClauses(q)
	pattern := "%" + escapeLike(q.Query) + "%"
	query := `SELECT path, size, mode, mtime, is_dir, ext FROM files
		WHERE name LIKE ? ESCAPE '\'` + where + ` ORDER BY path LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(append([]any{pattern}, args...), limit)...)
	if err != nil {
		return nil, fmt.Errorf("index: name search: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

func (s *Store) searchContent(ctx context.Context, q types.SearchQuery, limit int) ([]types.FileMeta, error) {
	where, args := s.filterClauses(q)
	query := `SELECT f.path, f.size, f.mode, f.mtime, f.is_dir, f.ext,
			snippet(files_fts, 1, '[', ']', '…', 12)
		FROM files_fts
		JOIN files f ON f.path = files_fts.path
		WHERE files_fts MATCH ?` + where + ` ORDER BY rank LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(append([]any{ftsQuery(q.Query)}, args...), limit)...)
	if err != nil {
		return nil, fmt.Errorf("index: content search: %w", err)
	}
	defer rows.Close()

	var out []types.FileMeta
	for rows.Next() {
		var m types.FileMeta
		var mtime int64
		var isDir int
		if err := rows.Scan(&m.Path, &m.Size, &m.Mode, &mtime, &isDir, &m.Ext, &m.Snippet); err != nil {
			return nil, err
		}
		m.ModTime = time.Unix(mtime, 0)
		m.IsDir = isDir == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

// filterClauses builds the shared WHERE tail for file-type, size, and mtime
// filters. The clauses reference the files table columns.
func (s *Store) filterClauses(q types.SearchQuery) (string, []any) {
	var where strings.Builder
	var args []any
	if len(q.FileTypes) > 0 {
		where.WriteString(" AND ext IN (")
		for i, ft := range q.FileTypes {
			if i > 0 {
				where.WriteString(",")
			}
			where.WriteString("?")
			if !strings.HasPrefix(ft, ".") {
				ft = "." + ft
			}
			args = append(args, strings.ToLower(ft))
		}
		where.WriteString(")")
	}
	if q.MinSize > 0 {
		where.WriteString(" AND size >= ?")
		args = append(args, q.MinSize)
	}
	if q.MaxSize > 0 {
		where.WriteString(" AND size <= ?")
		args = append(args, q.MaxSize)
	}
	if !q.ModifiedAfter.IsZero() {
		where.WriteString(" AND mtime > ?")
		args = append(args, q.ModifiedAfter.Unix())
	}
	return where.String(), args
}

func collectRows(rows *sql.Rows) ([]types.FileMeta, error) {
	var out []types.FileMeta
	for rows.Next() {
		var m types.FileMeta
		var mtime int64
		var isDir int
		if err := rows.Scan(&m.Path, &m.Size, &m.Mode, &mtime, &isDir, &m.Ext); err != nil {
			return nil, err
		}
		m.ModTime = time.Unix(mtime, 0)
		m.IsDir = isDir == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

func mergeResults(a, b []types.FileMeta, limit int) []types.FileMeta {
	seen := make(map[string]bool, len(a))
	out := make([]types.FileMeta, 0, len(a)+len(b))
	for _, m := range a {
		seen[m.Path] = true
		out = append(out, m)
	}
	for _, m := range b {
		if !seen[m.Path] {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// escapeLike protects LIKE metacharacters in user queries.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// ftsQuery wraps the raw query as a quoted FTS5 string so user input cannot
// inject match-expression syntax.
func ftsQuery(q string) string {
	return `"` + strings.ReplaceAll(q, `"`, `""`) + `"`
}
