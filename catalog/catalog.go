// Package catalog keeps a record of every acquisition session in a SQLite
// database.  The schema is applied from embedded migrations on Open.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nasa-jpl/modscope/acquisition"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is generated when a session id is not in the catalog
var ErrNotFound = errors.New("catalog: session not found")

// BusyTimeout is how long a statement waits for a locked database, in ms
const BusyTimeout = 5000

// Entry is one catalogued session
type Entry struct {
	ID         string     `json:"id"`
	Started    time.Time  `json:"started"`
	Finished   *time.Time `json:"finished,omitempty"`
	Mode       string     `json:"mode"`
	DMDTrigger bool       `json:"dmdTrigger"`
	SaveToDisk bool       `json:"saveToDisk"`
	Background bool       `json:"background"`
	Sample     string     `json:"sample,omitempty"`
	Dataset    string     `json:"dataset,omitempty"`
	Expected   int        `json:"expected"`
	Stored     int        `json:"stored"`
	Halted     bool       `json:"halted"`
	Outcome    string     `json:"outcome,omitempty"`
	Err        string     `json:"error,omitempty"`
}

// Catalog is a session database.  It is an acquisition.Observer.
type Catalog struct {
	acquisition.NopObserver

	db   *sql.DB
	path string
	log  *zap.Logger
}

// Open opens or creates the catalog at path and brings its schema up to date
func Open(path string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("catalog: creating %s: %w", dir, err)
		}
	}
	if err := migrateUp(path); err != nil {
		return nil, err
	}
	db, err := connect(path)
	if err != nil {
		return nil, err
	}
	return &Catalog{db: db, path: path, log: log}, nil
}

func connect(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", BusyTimeout),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", p, err)
		}
	}
	return db, nil
}

// migrateUp applies the embedded migrations on a connection of its own;
// closing the migrator closes the connection it was given.
func migrateUp(path string) error {
	db, err := connect(path)
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("catalog: reading migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{DatabaseName: "main"})
	if err != nil {
		db.Close()
		return fmt.Errorf("catalog: creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("catalog: creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog: applying migrations: %w", err)
	}
	return nil
}

// Path is the database file
func (c *Catalog) Path() string {
	return c.path
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// stamp is fixed width so that timestamps sort as text
const stamp = "2006-01-02T15:04:05.000000000Z07:00"

// Begin records a session that has started
func (c *Catalog) Begin(ctx context.Context, s acquisition.Session) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO sessions
		(id, started_at, mode, dmd_trigger, save_to_disk, background, sample, dataset_path, expected_frames)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Started.UTC().Format(stamp), s.Mode.String(), s.DMDTrigger, s.SaveToDisk,
		s.Background, s.Sample, s.Dataset, s.Expected)
	if err != nil {
		return fmt.Errorf("catalog: recording session %s: %w", s.ID, err)
	}
	return nil
}

// Finish records the end of a session.  A session never begun is inserted whole.
func (c *Catalog) Finish(ctx context.Context, r acquisition.Report) error {
	res, err := c.db.ExecContext(ctx, `UPDATE sessions SET
		finished_at = ?, dataset_path = ?, expected_frames = ?, frames_stored = ?,
		capture_halted = ?, outcome = ?, error = ?
		WHERE id = ?`,
		r.Finished.UTC().Format(stamp), r.Dataset, r.Expected, r.Stored,
		r.Halted, string(r.Outcome), r.Err, r.ID)
	if err != nil {
		return fmt.Errorf("catalog: finishing session %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if err := c.Begin(ctx, r.Session); err != nil {
			return err
		}
		return c.Finish(ctx, r)
	}
	return nil
}

const columns = `id, started_at, finished_at, mode, dmd_trigger, save_to_disk, background,
	sample, dataset_path, expected_frames, frames_stored, capture_halted, outcome, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (Entry, error) {
	var (
		e        Entry
		started  string
		finished sql.NullString
	)
	err := row.Scan(&e.ID, &started, &finished, &e.Mode, &e.DMDTrigger, &e.SaveToDisk, &e.Background,
		&e.Sample, &e.Dataset, &e.Expected, &e.Stored, &e.Halted, &e.Outcome, &e.Err)
	if err != nil {
		return e, err
	}
	if e.Started, err = time.Parse(stamp, started); err != nil {
		return e, fmt.Errorf("catalog: session %s: %w", e.ID, err)
	}
	if finished.Valid {
		t, err := time.Parse(stamp, finished.String)
		if err != nil {
			return e, fmt.Errorf("catalog: session %s: %w", e.ID, err)
		}
		e.Finished = &t
	}
	return e, nil
}

// Get returns the session with the given id
func (c *Catalog) Get(ctx context.Context, id string) (Entry, error) {
	e, err := scan(c.db.QueryRowContext(ctx, `SELECT `+columns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// List returns up to limit sessions, newest first.  limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `SELECT `+columns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sessions: %w", err)
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionStarted implements acquisition.Observer
func (c *Catalog) SessionStarted(s acquisition.Session) {
	if err := c.Begin(context.Background(), s); err != nil {
		c.log.Error("cataloguing session", zap.Error(err))
	}
}

// SessionEnded implements acquisition.Observer
func (c *Catalog) SessionEnded(r acquisition.Report) {
	if err := c.Finish(context.Background(), r); err != nil {
		c.log.Error("cataloguing session", zap.Error(err))
	}
}
