// Package store provides optional persistence of the handle, entanglement,
// and ledger tables for crash recovery.
//
// The core itself is an in-memory resource manager; the store is a snapshot
// sink, not a source of truth. The recovery contract is lossy-but-safe: on
// restart, any handle whose last-known coherence was below the decoherent
// threshold is treated as already decoherent and never resurrected.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/entanglab/qcore/entangle"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/ledger"
	"github.com/entanglab/qcore/qstate"
)

// Open opens a SQLite database at the specified path with WAL mode, foreign
// keys, and a busy timeout suitable for concurrent snapshotting.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", pragma)
		}
	}

	if log != nil {
		log.Infow("Snapshot database opened", "path", path, "wal_mode", true)
	}
	return db, nil
}

// Store persists core table snapshots.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a store over an open database.
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, log: log}
}

// OpenStore opens the database at path and wraps it in a Store.
func OpenStore(path string, log *zap.SugaredLogger) (*Store, error) {
	db, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	return NewStore(db, log), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the snapshot tables if they do not exist.
func (s *Store) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS handles (
		id TEXT PRIMARY KEY,
		dimension INTEGER NOT NULL,
		coherence REAL NOT NULL,
		status TEXT NOT NULL,
		measurement TEXT NOT NULL,
		purity TEXT NOT NULL,
		entangled INTEGER NOT NULL,
		owner TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS systems (
		id TEXT PRIMARY KEY,
		members TEXT NOT NULL, -- JSON array of handle ids
		fidelity REAL NOT NULL,
		strength REAL NOT NULL,
		measured INTEGER NOT NULL,
		collapsed_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		node TEXT NOT NULL,
		channel TEXT NOT NULL,
		session TEXT NOT NULL,
		state TEXT NOT NULL,
		grant_amount REAL NOT NULL,
		available REAL NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (node, channel, session)
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create snapshot tables")
	}
	return nil
}

// Save replaces the persisted snapshot with the given table exports in one
// transaction.
func (s *Store) Save(handles []qstate.Handle, systems []entangle.System, sessions []ledger.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin snapshot transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"handles", "systems", "sessions"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return errors.Wrapf(err, "failed to clear %s", table)
		}
	}

	for _, h := range handles {
		_, err := tx.Exec(
			`INSERT INTO handles (id, dimension, coherence, status, measurement, purity, entangled, owner, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(h.ID), h.Dimension, h.Coherence, string(h.Status), string(h.Measurement),
			string(h.Purity), boolToInt(h.Entangled), h.Owner, h.CreatedAt.Format(timeLayout))
		if err != nil {
			return errors.Wrapf(err, "failed to persist handle %s", h.ID)
		}
	}

	for _, sys := range systems {
		members, err := json.Marshal(sys.Members)
		if err != nil {
			return errors.Wrapf(err, "failed to encode members of system %s", sys.ID)
		}
		_, err = tx.Exec(
			`INSERT INTO systems (id, members, fidelity, strength, measured, collapsed_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(sys.ID), string(members), sys.Fidelity, sys.Strength,
			boolToInt(sys.Measured), string(sys.CollapsedBy), sys.CreatedAt.Format(timeLayout))
		if err != nil {
			return errors.Wrapf(err, "failed to persist system %s", sys.ID)
		}
	}

	for _, sess := range sessions {
		_, err := tx.Exec(
			`INSERT INTO sessions (node, channel, session, state, grant_amount, available, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.Node, sess.Channel, sess.ID, string(sess.State),
			sess.Grant, sess.Available, sess.CreatedAt.Format(timeLayout))
		if err != nil {
			return errors.Wrapf(err, "failed to persist session %s/%s/%s", sess.Node, sess.Channel, sess.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit snapshot")
}

// LoadHandles reads the persisted handle table.
func (s *Store) LoadHandles() ([]qstate.Handle, error) {
	rows, err := s.db.Query(
		`SELECT id, dimension, coherence, status, measurement, purity, entangled, owner, created_at FROM handles`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query handles")
	}
	defer rows.Close()

	var out []qstate.Handle
	for rows.Next() {
		var h qstate.Handle
		var id, status, measurement, purity, createdAt string
		var entangled int
		if err := rows.Scan(&id, &h.Dimension, &h.Coherence, &status, &measurement, &purity, &entangled, &h.Owner, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan handle row")
		}
		h.ID = qstate.HandleID(id)
		h.Status = qstate.CoherenceStatus(status)
		h.Measurement = qstate.MeasurementStatus(measurement)
		h.Purity = qstate.Purity(purity)
		h.Entangled = entangled != 0
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// LoadSystems reads the persisted entanglement table.
func (s *Store) LoadSystems() ([]entangle.System, error) {
	rows, err := s.db.Query(
		`SELECT id, members, fidelity, strength, measured, collapsed_by, created_at FROM systems`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query systems")
	}
	defer rows.Close()

	var out []entangle.System
	for rows.Next() {
		var sys entangle.System
		var id, members, collapsedBy, createdAt string
		var measured int
		if err := rows.Scan(&id, &members, &sys.Fidelity, &sys.Strength, &measured, &collapsedBy, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan system row")
		}
		sys.ID = entangle.SystemID(id)
		if err := json.Unmarshal([]byte(members), &sys.Members); err != nil {
			return nil, errors.Wrapf(err, "failed to decode members of system %s", id)
		}
		sys.Measured = measured != 0
		sys.CollapsedBy = qstate.HandleID(collapsedBy)
		sys.CreatedAt = parseTime(createdAt)
		out = append(out, sys)
	}
	return out, rows.Err()
}

// LoadSessions reads the persisted ledger table.
func (s *Store) LoadSessions() ([]ledger.Session, error) {
	rows, err := s.db.Query(
		`SELECT node, channel, session, state, grant_amount, available, created_at FROM sessions`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sessions")
	}
	defer rows.Close()

	var out []ledger.Session
	for rows.Next() {
		var sess ledger.Session
		var state, createdAt string
		if err := rows.Scan(&sess.Node, &sess.Channel, &sess.ID, &state, &sess.Grant, &sess.Available, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan session row")
		}
		sess.State = ledger.SessionState(state)
		sess.CreatedAt = parseTime(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

const timeLayout = time.RFC3339Nano

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
