package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Registry is the durable session store, backed by SQLite.
// The streaming core only touches a narrow projection of it: status,
// container id and the assigned framebuffer endpoint.
type Registry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	browser       TEXT NOT NULL,
	status        TEXT NOT NULL,
	container_id  TEXT NOT NULL DEFAULT '',
	endpoint      TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS containers (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	browser           TEXT NOT NULL,
	status            TEXT NOT NULL,
	vnc_port          INTEGER NOT NULL,
	cpu_usage         INTEGER NOT NULL DEFAULT 0,
	memory_usage      INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	last_health_check INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status, last_activity);
`

func OpenRegistry(dsn string) (*Registry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent session churn.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) Create(s Session) error {
	_, err := r.db.Exec(
		`INSERT INTO sessions (id, browser, status, created_at, last_activity) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Browser, string(s.Status), s.CreatedAt.Unix(), s.LastActivity.Unix())
	return err
}

func (r *Registry) Get(id string) (Session, error) {
	row := r.db.QueryRow(
		`SELECT id, browser, status, container_id, endpoint, created_at, last_activity FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *Registry) List() ([]Session, error) {
	rows, err := r.db.Query(
		`SELECT id, browser, status, container_id, endpoint, created_at, last_activity FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetStatus transitions the session status. Repeating the current
// status is a no-op so cleanup paths stay idempotent; an illegal
// transition is rejected with ErrBadTransition.
func (r *Registry) SetStatus(id string, to Status) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	if err = tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if Status(cur) == to {
		return tx.Commit()
	}
	if !Status(cur).CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, cur, to)
	}
	if _, err = tx.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, string(to), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Attach records the provisioned container and its endpoint and flips
// the session to running in a single transaction, so a running status
// can never be observed without an endpoint and container id.
func (r *Registry) Attach(id string, c Container, endpoint string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`UPDATE sessions SET container_id = ?, endpoint = ?, status = ? WHERE id = ? AND status = ?`,
		c.ID, endpoint, string(Running), id, string(Pending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s is not pending", ErrBadTransition, id)
	}
	_, err = tx.Exec(
		`INSERT INTO containers (id, session_id, browser, status, vnc_port, created_at, last_health_check)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, id, c.Browser, c.Status, c.VncPort, c.CreatedAt.Unix(), c.LastHealth.Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Touch bumps the last activity timestamp, deferring idle expiry.
func (r *Registry) Touch(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, at.Unix(), id)
	return err
}

// IdleSince returns running sessions whose last activity is older
// than the cutoff.
func (r *Registry) IdleSince(cutoff time.Time) ([]Session, error) {
	rows, err := r.db.Query(
		`SELECT id, browser, status, container_id, endpoint, created_at, last_activity
		 FROM sessions WHERE status = ? AND last_activity < ?`,
		string(Running), cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordHealth stores a resource usage snapshot for the session's container.
func (r *Registry) RecordHealth(sessionID string, cpu, mem int64, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE containers SET cpu_usage = ?, memory_usage = ?, last_health_check = ? WHERE session_id = ?`,
		cpu, mem, at.Unix(), sessionID)
	return err
}

// GetContainer returns the environment record owned by the session.
func (r *Registry) GetContainer(sessionID string) (Container, error) {
	var c Container
	var created, health int64
	err := r.db.QueryRow(
		`SELECT id, session_id, browser, status, vnc_port, cpu_usage, memory_usage, created_at, last_health_check
		 FROM containers WHERE session_id = ?`, sessionID).
		Scan(&c.ID, &c.SessionID, &c.Browser, &c.Status, &c.VncPort, &c.CpuUsage, &c.MemoryUsage, &created, &health)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CreatedAt = time.Unix(created, 0)
	c.LastHealth = time.Unix(health, 0)
	return c, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (Session, error) {
	var s Session
	var status string
	var created, activity int64
	err := row.Scan(&s.ID, &s.Browser, &status, &s.ContainerID, &s.Endpoint, &created, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = Status(status)
	s.CreatedAt = time.Unix(created, 0)
	s.LastActivity = time.Unix(activity, 0)
	return s, nil
}
