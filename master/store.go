// Copyright 2025 The idsweep Authors
// This file is part of the idsweep library.
//
// The idsweep library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The idsweep library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the idsweep library. If not, see <http://www.gnu.org/licenses/>.

package master

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

// schema is idempotent: every statement is IF NOT EXISTS and the cursor seed
// is INSERT OR IGNORE, so Bootstrap may run on every start.
//
// Timestamps are stored as UTC unix seconds. The lease timeout comparison in
// AcquireExpired only needs integer ordering, which keeps the cutoff
// arithmetic independent of the database's datetime formatting.
const schema = `
CREATE TABLE IF NOT EXISTS global_cursor (
    id            INTEGER PRIMARY KEY,
    next_start_id INTEGER NOT NULL
);
INSERT OR IGNORE INTO global_cursor (id, next_start_id) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS task_queue (
    task_id        INTEGER PRIMARY KEY AUTOINCREMENT,
    start_id       INTEGER NOT NULL,
    end_id         INTEGER NOT NULL,
    worker_id      TEXT    NOT NULL,
    status         TEXT    NOT NULL DEFAULT 'running',
    last_heartbeat INTEGER NOT NULL,
    created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_queue_last_heartbeat ON task_queue(last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_task_queue_status ON task_queue(status);

CREATE TABLE IF NOT EXISTS valid_results (
    id       INTEGER PRIMARY KEY,
    found_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_valid_results_found_at ON valid_results(found_at);
`

// statusRunning is the only lease status written today. The column and its
// index are kept for operator queries and future states.
const statusRunning = "running"

// Lease is one outstanding range in task_queue.
type Lease struct {
	TaskID        int32  `db:"task_id"`
	StartID       int64  `db:"start_id"`
	EndID         int64  `db:"end_id"`
	WorkerID      string `db:"worker_id"`
	Status        string `db:"status"`
	LastHeartbeat int64  `db:"last_heartbeat"`
	CreatedAt     int64  `db:"created_at"`
}

// Stats is an operator snapshot of the store.
type Stats struct {
	Cursor  int64
	Leases  int64
	Running int64
	Results int64
}

// Store owns all persistent master state: the global cursor, the lease table
// and the valid-results set.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (creating if missing) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Bootstrap creates the tables, indices and the cursor seed row.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the next unallocated ID.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var next int64
	if err := s.db.GetContext(ctx, &next, `SELECT next_start_id FROM global_cursor WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return next, nil
}

// SetCursor rewrites the cursor. Operator use only; the dispatcher moves the
// cursor exclusively through AcquireNew.
func (s *Store) SetCursor(ctx context.Context, next int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE global_cursor SET next_start_id = ? WHERE id = 1`, next); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// AcquireExpired re-leases the longest-dead expired lease to workerID, in one
// transaction. A lease is expired when last_heartbeat < cutoff. Returns nil
// when no lease has expired.
//
// The caller serializes concurrent invocations (the SQLite driver has no
// SELECT ... FOR UPDATE SKIP LOCKED to lean on), so two workers can never be
// handed the same expired lease.
func (s *Store) AcquireExpired(ctx context.Context, workerID string, cutoff, now int64) (*Lease, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire-expired: %w", err)
	}
	defer tx.Rollback()

	var lease Lease
	err = tx.GetContext(ctx, &lease, `
		SELECT task_id, start_id, end_id, worker_id, status, last_heartbeat, created_at
		FROM task_queue
		WHERE last_heartbeat < ?
		ORDER BY last_heartbeat ASC
		LIMIT 1`, cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_queue SET worker_id = ?, last_heartbeat = ? WHERE task_id = ?`,
		workerID, now, lease.TaskID); err != nil {
		return nil, fmt.Errorf("reassign lease %d: %w", lease.TaskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire-expired: %w", err)
	}
	lease.WorkerID = workerID
	lease.LastHeartbeat = now
	return &lease, nil
}

// AcquireNew carves a fresh range of width batch off the cursor and records
// the lease, in one transaction. The cursor advance and the lease insert
// commit or roll back together, so a failed insert never leaves a gap.
func (s *Store) AcquireNew(ctx context.Context, workerID string, batch, now int64) (*Lease, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire-new: %w", err)
	}
	defer tx.Rollback()

	var start int64
	if err := tx.GetContext(ctx, &start, `SELECT next_start_id FROM global_cursor WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	end := start + batch - 1

	if _, err := tx.ExecContext(ctx, `UPDATE global_cursor SET next_start_id = ? WHERE id = 1`, end+1); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_queue (start_id, end_id, worker_id, status, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		start, end, workerID, statusRunning, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("lease id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire-new: %w", err)
	}
	return &Lease{
		TaskID:        int32(taskID),
		StartID:       start,
		EndID:         end,
		WorkerID:      workerID,
		Status:        statusRunning,
		LastHeartbeat: now,
		CreatedAt:     now,
	}, nil
}

// TouchLease refreshes last_heartbeat on the lease held by workerID. Returns
// false when no row matches, i.e. the task was already submitted or has been
// re-leased to another worker.
func (s *Store) TouchLease(ctx context.Context, taskID int32, workerID string, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET last_heartbeat = ? WHERE task_id = ? AND worker_id = ?`,
		now, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("touch lease %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch lease %d: %w", taskID, err)
	}
	return n > 0, nil
}

// SubmitResults records the valid IDs of a finished task and removes its
// lease, in one transaction. The inserts run before the delete: a crash in
// between leaves the lease behind for timeout recovery, and the re-executed
// submit is absorbed by INSERT OR IGNORE. Reversing the order could lose
// results.
//
// The delete is unconditional on worker_id: a worker that finished a range
// after its lease was reassigned may still deposit its results.
func (s *Store) SubmitResults(ctx context.Context, taskID int32, validIDs []int64, now int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback()

	for _, id := range validIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO valid_results (id, found_at) VALUES (?, ?)`, id, now); err != nil {
			return fmt.Errorf("insert result %d: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete lease %d: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submit: %w", err)
	}
	return nil
}

// ExpireLease backdates last_heartbeat on the lease held by workerID so the
// next acquire picks it up immediately. Returns false when no row matches.
func (s *Store) ExpireLease(ctx context.Context, taskID int32, workerID string, staleAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET last_heartbeat = ? WHERE task_id = ? AND worker_id = ?`,
		staleAt, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("expire lease %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire lease %d: %w", taskID, err)
	}
	return n > 0, nil
}

// ResultCount returns the number of persisted valid IDs.
func (s *Store) ResultCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM valid_results`); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// HasResult reports whether id is in the valid-results set.
func (s *Store) HasResult(ctx context.Context, id int64) (bool, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM valid_results WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("check result %d: %w", id, err)
	}
	return n > 0, nil
}

// GetLease fetches one lease row. Returns nil when the task is gone.
func (s *Store) GetLease(ctx context.Context, taskID int32) (*Lease, error) {
	var lease Lease
	err := s.db.GetContext(ctx, &lease, `
		SELECT task_id, start_id, end_id, worker_id, status, last_heartbeat, created_at
		FROM task_queue WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease %d: %w", taskID, err)
	}
	return &lease, nil
}

// ResetQueue deletes every outstanding lease and reports how many were
// dropped. Operator use only.
func (s *Store) ResetQueue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_queue`)
	if err != nil {
		return 0, fmt.Errorf("reset queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset queue: %w", err)
	}
	return n, nil
}

// ClearAll wipes results and leases and rewinds the cursor to zero. Operator
// use only, behind an explicit confirmation flag.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM valid_results`,
		`DELETE FROM task_queue`,
		`UPDATE global_cursor SET next_start_id = 0 WHERE id = 1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// Stats collects the operator status snapshot.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.Cursor, `SELECT next_start_id FROM global_cursor WHERE id = 1`); err != nil {
		return Stats{}, fmt.Errorf("stats cursor: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Leases, `SELECT COUNT(*) FROM task_queue`); err != nil {
		return Stats{}, fmt.Errorf("stats leases: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Running, `SELECT COUNT(*) FROM task_queue WHERE status = ?`, statusRunning); err != nil {
		return Stats{}, fmt.Errorf("stats running: %w", err)
	}
	if err := s.db.GetContext(ctx, &st.Results, `SELECT COUNT(*) FROM valid_results`); err != nil {
		return Stats{}, fmt.Errorf("stats results: %w", err)
	}
	return st, nil
}
