package versionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	room            TEXT PRIMARY KEY,
	version         INTEGER NOT NULL,
	current_version INTEGER NOT NULL,
	data            TEXT NOT NULL,
	updated_by      TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_snapshots (
	room        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	data        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	PRIMARY KEY (room, version)
);

CREATE TABLE IF NOT EXISTS workflow_operations (
	id             TEXT PRIMARY KEY,
	room           TEXT NOT NULL,
	editor         TEXT NOT NULL DEFAULT '',
	version_before INTEGER NOT NULL,
	version_after  INTEGER NOT NULL,
	op_type        TEXT NOT NULL DEFAULT '',
	op_data        TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_operations_room_version
	ON workflow_operations (room, version_after);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	// writeMu serializes writers inside this process; the immediate
	// transaction lock covers other processes sharing the file.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database file and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open workflow db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate workflow db: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Ensure installs data as a new version of the room.
func (s *SQLiteStore) Ensure(ctx context.Context, room string, data graph.Graph, editor, description string) (*State, error) {
	payload, err := encodeGraph(data)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version, current int
	err = tx.QueryRowContext(ctx,
		`SELECT version, current_version FROM workflow_states WHERE room = ?`, room,
	).Scan(&version, &current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	next := version + 1

	if exists {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM workflow_snapshots WHERE room = ? AND version > ?`, room, current,
		); err != nil {
			return nil, fmt.Errorf("truncate snapshots: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_states SET version = ?, current_version = ?, data = ?, updated_by = ?, updated_at = ? WHERE room = ?`,
			next, next, payload, editor, stamp, room,
		); err != nil {
			return nil, fmt.Errorf("update state: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_states (room, version, current_version, data, updated_by, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			room, next, next, payload, editor, stamp,
		); err != nil {
			return nil, fmt.Errorf("insert state: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_snapshots (room, version, data, description, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		room, next, payload, description, editor, stamp,
	); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &State{
		Room:           room,
		Version:        next,
		CurrentVersion: next,
		Data:           data.Clone(),
		UpdatedBy:      editor,
		UpdatedAt:      now,
	}, nil
}

// Get retrieves the room state.
func (s *SQLiteStore) Get(ctx context.Context, room string) (*State, error) {
	var (
		st      State
		payload string
		stamp   string
		snapVer sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.room, s.version, s.current_version, s.data, s.updated_by, s.updated_at, p.version
		FROM workflow_states s
		LEFT JOIN workflow_snapshots p ON p.room = s.room AND p.version = s.current_version
		WHERE s.room = ?`, room,
	).Scan(&st.Room, &st.Version, &st.CurrentVersion, &payload, &st.UpdatedBy, &stamp, &snapVer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if !snapVer.Valid {
		return nil, ErrInconsistentPointer
	}

	if st.Data, err = decodeGraph(payload); err != nil {
		return nil, err
	}
	st.UpdatedAt = parseStamp(stamp)
	return &st, nil
}

// Commit stores a resolved batch.
func (s *SQLiteStore) Commit(ctx context.Context, room string, req *CommitRequest) (*State, *OperationRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	payload, err := encodeGraph(req.Data)
	if err != nil {
		return nil, nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version, current int
	err = tx.QueryRowContext(ctx,
		`SELECT version, current_version FROM workflow_states WHERE room = ?`, room,
	).Scan(&version, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrStateNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load state: %w", err)
	}
	if version != req.NewVersion-1 {
		return nil, nil, ErrVersionMismatch
	}

	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_snapshots WHERE room = ? AND version > ?`, room, current,
	); err != nil {
		return nil, nil, fmt.Errorf("truncate snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_states SET version = ?, current_version = ?, data = ?, updated_by = ?, updated_at = ? WHERE room = ?`,
		req.NewVersion, req.NewVersion, payload, req.Editor, stamp, room,
	); err != nil {
		return nil, nil, fmt.Errorf("update state: %w", err)
	}

	rec := &OperationRecord{
		ID:            uuid.New().String(),
		Room:          room,
		Editor:        req.Editor,
		VersionBefore: req.BaseVersion,
		VersionAfter:  req.NewVersion,
		OpType:        req.OpType,
		Operations:    append([]byte(nil), req.Operations...),
		Status:        req.Status,
		CreatedAt:     now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_operations (id, room, editor, version_before, version_after, op_type, op_data, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, room, rec.Editor, rec.VersionBefore, rec.VersionAfter, rec.OpType, string(rec.Operations), rec.Status, stamp,
	); err != nil {
		return nil, nil, fmt.Errorf("insert operation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_snapshots (room, version, data, description, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		room, req.NewVersion, payload, req.Description, req.Editor, stamp,
	); err != nil {
		return nil, nil, fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return &State{
		Room:           room,
		Version:        req.NewVersion,
		CurrentVersion: req.NewVersion,
		Data:           req.Data.Clone(),
		UpdatedBy:      req.Editor,
		UpdatedAt:      now,
	}, rec, nil
}

// Revert moves the current pointer to an existing snapshot.
func (s *SQLiteStore) Revert(ctx context.Context, room string, version int, editor string) (*State, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var st State
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM workflow_states WHERE room = ?`, room,
	).Scan(&st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM workflow_snapshots WHERE room = ? AND version = ?`, room, version,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_states SET current_version = ?, data = ?, updated_by = ?, updated_at = ? WHERE room = ?`,
		version, payload, editor, now.Format(time.RFC3339Nano), room,
	); err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	if st.Data, err = decodeGraph(payload); err != nil {
		return nil, err
	}
	st.Room = room
	st.CurrentVersion = version
	st.UpdatedBy = editor
	st.UpdatedAt = now
	return &st, nil
}

// Timeline lists all snapshots of a room.
func (s *SQLiteStore) Timeline(ctx context.Context, room string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room, version, data, description, created_by, created_at FROM workflow_snapshots WHERE room = ? ORDER BY version`,
		room,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, room); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Snapshot returns one snapshot.
func (s *SQLiteStore) Snapshot(ctx context.Context, room string, version int) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT room, version, data, description, created_by, created_at FROM workflow_snapshots WHERE room = ? AND version = ?`,
		room, version,
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	return snap, err
}

// OperationsSince returns log records in (after, upto].
func (s *SQLiteStore) OperationsSince(ctx context.Context, room string, after, upto int) ([]*OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room, editor, version_before, version_after, op_type, op_data, status, created_at
		FROM workflow_operations
		WHERE room = ? AND version_after > ? AND version_after <= ?
		ORDER BY version_after, created_at`,
		room, after, upto,
	)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*OperationRecord
	for rows.Next() {
		var (
			rec   OperationRecord
			data  string
			stamp string
		)
		if err := rows.Scan(&rec.ID, &rec.Room, &rec.Editor, &rec.VersionBefore, &rec.VersionAfter,
			&rec.OpType, &data, &rec.Status, &stamp); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Operations = []byte(data)
		rec.CreatedAt = parseStamp(stamp)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return out, nil
}

// Delete removes a room.
func (s *SQLiteStore) Delete(ctx context.Context, room string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_states WHERE room = ?`, room)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE room = ?`, room); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_operations WHERE room = ?`, room); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	return tx.Commit()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AdapterInfo describes the backend.
func (s *SQLiteStore) AdapterInfo() AdapterInfo {
	return AdapterInfo{Type: "sqlite", Details: map[string]any{"path": s.path}}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap    Snapshot
		payload string
		stamp   string
	)
	if err := row.Scan(&snap.Room, &snap.Version, &payload, &snap.Description, &snap.CreatedBy, &stamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	data, err := decodeGraph(payload)
	if err != nil {
		return nil, err
	}
	snap.Data = data
	snap.CreatedAt = parseStamp(stamp)
	return &snap, nil
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
