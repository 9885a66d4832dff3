package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Config describes how to reach the run database.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("database max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("database max idle conns must be between 0 and max open conns")
	}
	return nil
}

// Store reads and writes runs. It is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database named by cfg.URL. postgres:// and postgresql://
// URLs use pgx; anything else is treated as a SQLite path or file: URL.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, dsn, d := "sqlite", strings.TrimPrefix(cfg.URL, "sqlite://"), dialectSQLite
	lower := strings.ToLower(cfg.URL)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		driver, dsn, d = "pgx", cfg.URL, dialectPostgres
	}
	log.Info("opening run database", zap.String("driver", driver), zap.String("url", MaskPassword(cfg.URL)))

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var passwordPattern = regexp.MustCompile(`(password=)[^&\s]*|(://[^:/@]+:)[^@]*(@)`)

// MaskPassword blanks out credentials in a database URL so it can be logged.
func MaskPassword(url string) string {
	return passwordPattern.ReplaceAllString(url, "${1}${2}xxxxxx${3}")
}

// InitSchema creates the runs table if needed and applies additive migrations.
func (s *Store) InitSchema(ctx context.Context) error {
	idColumn := "run_id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == dialectPostgres {
		idColumn = "run_id BIGSERIAL PRIMARY KEY"
	}
	createRuns := `
CREATE TABLE IF NOT EXISTS runs (
  ` + idColumn + `,
  revision     TEXT NOT NULL DEFAULT 'head',
  state        TEXT NOT NULL,
  output_host  TEXT NOT NULL DEFAULT '',
  output_path  TEXT NOT NULL DEFAULT '',
  runset       TEXT NOT NULL DEFAULT '',
  created_at   TEXT NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, createRuns); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	migrations := []string{
		`ALTER TABLE runs ADD COLUMN runner_class TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE runs ADD COLUMN runner_flags TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
				continue
			}
			return fmt.Errorf("migrate runs table: %w", err)
		}
	}
	return nil
}

// Filter narrows a run query. Zero values do not filter, except States which
// defaults to {"copied"}.
type Filter struct {
	States []string
	Host   string
	Runset string
	RunIDs []int64
}

// Runs returns the runs matching f in run id order.
func (s *Store) Runs(ctx context.Context, f Filter) ([]Run, error) {
	states := f.States
	if len(states) == 0 {
		states = []string{StateCopied}
	}
	var (
		where []string
		args  []any
	)
	where = append(where, "state IN ("+placeholders(len(states))+")")
	for _, st := range states {
		args = append(args, st)
	}
	if f.Host != "" {
		where = append(where, "output_host = ?")
		args = append(args, f.Host)
	}
	if f.Runset != "" {
		where = append(where, "runset = ?")
		args = append(args, f.Runset)
	}
	if len(f.RunIDs) > 0 {
		where = append(where, "run_id IN ("+placeholders(len(f.RunIDs))+")")
		for _, id := range f.RunIDs {
			args = append(args, id)
		}
	}
	query := `SELECT run_id, revision, state, output_host, output_path, runset, runner_class, runner_flags, created_at
              FROM runs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY run_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return runs, nil
}

// Run loads a single run by id.
func (s *Store) Run(ctx context.Context, id int64) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT run_id, revision, state, output_host, output_path, runset,
                                                      runner_class, runner_flags, created_at
                                               FROM runs WHERE run_id = ?`), id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run     Run
		created string
	)
	if err := row.Scan(&run.ID, &run.Revision, &run.State, &run.OutputHost, &run.OutputPath,
		&run.Runset, &run.RunnerClass, &run.Flags, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if created != "" {
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			run.CreatedAt = t
		}
	}
	return run, nil
}

// ScheduleRequest describes a batch of new runs.
type ScheduleRequest struct {
	Count       int
	Revision    string
	Runset      string
	RunnerClass string
	Flags       string
}

// Schedule inserts req.Count runs in the scheduled state and returns their ids.
func (s *Store) Schedule(ctx context.Context, req ScheduleRequest) ([]int64, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("schedule: run count must be >= 1, got %d", req.Count)
	}
	if strings.TrimSpace(req.Revision) == "" {
		return nil, errors.New("schedule: revision is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin schedule: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	stmt := s.rebind(`INSERT INTO runs (revision, state, runset, runner_class, runner_flags, created_at)
                      VALUES (?, ?, ?, ?, ?, ?) RETURNING run_id`)
	ids := make([]int64, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		var id int64
		if err := tx.QueryRowContext(ctx, stmt, req.Revision, StateScheduled, req.Runset,
			req.RunnerClass, req.Flags, now).Scan(&id); err != nil {
			return nil, fmt.Errorf("insert run: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit schedule: %w", err)
	}
	return ids, nil
}

// SetState moves a run to a new state.
func (s *Store) SetState(ctx context.Context, id int64, state string) error {
	if !ValidState(state) {
		return fmt.Errorf("unknown run state %q", state)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runs SET state = ? WHERE run_id = ?`), state, id)
	if err != nil {
		return fmt.Errorf("update run %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetOutput records where a finished run left its results.
func (s *Store) SetOutput(ctx context.Context, id int64, host, path string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runs SET output_host = ?, output_path = ? WHERE run_id = ?`),
		host, path, id)
	if err != nil {
		return fmt.Errorf("update run %d output: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
