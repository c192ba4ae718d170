package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one convert invocation.
type Run struct {
	ID         string
	Book       string
	Backend    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ChapterOutcome is the recorded result of one chapter within a run.
type ChapterOutcome struct {
	ID           int64
	RunID        string
	ChapterIndex int
	Title        string
	Status       string
	Artifact     string
	Chunks       int
	FailedChunks int
	Detail       string
	CreatedAt    time.Time
}

// Store is a SQLite journal of runs and chapter outcomes. With retention_mode=ephemeral it
// keeps nothing and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.RunStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.RunStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "runstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("run store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("run store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    book TEXT,
    backend TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS chapters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    chapter_index INTEGER NOT NULL,
    title TEXT,
    status TEXT NOT NULL,
    artifact TEXT,
    chunks INTEGER,
    failed_chunks INTEGER,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chapters_run ON chapters(run_id, chapter_index);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) Enabled() bool { return s != nil && s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// BeginRun inserts a run row in the running state.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, book, backend, status, started_at) VALUES(?, ?, ?, 'running', ?)
		 ON CONFLICT(run_id) DO UPDATE SET book=excluded.book, backend=excluded.backend`,
		run.ID, run.Book, run.Backend, run.StartedAt.UnixNano())
	return err
}

// RecordChapter appends one chapter outcome.
func (s *Store) RecordChapter(ctx context.Context, out ChapterOutcome) error {
	if !s.Enabled() {
		return nil
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters(run_id, chapter_index, title, status, artifact, chunks, failed_chunks, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.RunID, out.ChapterIndex, out.Title, out.Status, out.Artifact, out.Chunks, out.FailedChunks, out.Detail, out.CreatedAt.UnixNano())
	return err
}

// FinishRun stamps the run's final status.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	if !s.Enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, s.clock().UnixNano(), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// ListChapters returns a run's chapter outcomes ordered by chapter index.
func (s *Store) ListChapters(ctx context.Context, runID string) ([]ChapterOutcome, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, chapter_index, title, status, artifact, chunks, failed_chunks, detail, created_at
		 FROM chapters WHERE run_id = ? ORDER BY chapter_index ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChapterOutcome
	for rows.Next() {
		var c ChapterOutcome
		var created int64
		if err := rows.Scan(&c.ID, &c.RunID, &c.ChapterIndex, &c.Title, &c.Status, &c.Artifact, &c.Chunks, &c.FailedChunks, &c.Detail, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentRuns lists up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, book, backend, status, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Book, &r.Backend, &r.Status, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store's state matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
