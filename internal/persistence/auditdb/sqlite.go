// Package auditdb maintains a queryable SQLite index over the audit trail
// and the committed block chain. The JSONL logs remain the source of truth;
// this index exists for operators and tooling.
package auditdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"agentworld.ai/internal/world"
)

type SQLiteAudit struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqCommit
	reqSync
)

type req struct {
	kind reqKind

	audit  world.AuditEntry
	commit CommitRow
	done   chan struct{}
}

// CommitRow is one committed block as the index stores it.
type CommitRow struct {
	Height        uint64
	Slot          uint64
	Epoch         uint64
	Proposer      string
	BlockHash     string
	ActionRoot    string
	StateRoot     string
	ExecBlockHash string
	Actions       int
	RecordedAt    string
}

func Open(path string) (*SQLiteAudit, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteAudit{
		db: db,
		// High buffer: governance bursts and module-failure storms must not
		// stall the commit path.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			world_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			time INTEGER NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT,
			detail_json TEXT NOT NULL,
			PRIMARY KEY (world_id, event_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_kind_time ON audits(kind, time);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_time ON audits(actor, time);`,
		`CREATE TABLE IF NOT EXISTS commits (
			height INTEGER PRIMARY KEY,
			slot INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			proposer TEXT NOT NULL,
			block_hash TEXT NOT NULL,
			action_root TEXT NOT NULL,
			state_root TEXT NOT NULL,
			exec_block_hash TEXT NOT NULL,
			actions INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commits_epoch ON commits(epoch);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteAudit) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteAudit) WriteAudit(entry world.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
	}
	return nil
}

func (s *SQLiteAudit) RecordCommit(row CommitRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if row.RecordedAt == "" {
		row.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqCommit, commit: row}:
	default:
	}
}

// Sync blocks until everything enqueued before it has been committed.
func (s *SQLiteAudit) Sync() {
	if s == nil || s.closed.Load() {
		return
	}
	done := make(chan struct{})
	s.ch <- req{kind: reqSync, done: done}
	<-done
}

func (s *SQLiteAudit) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(world_id,event_id,time,kind,actor,detail_json) VALUES(?,?,?,?,?,?)`)
	insertCommit, _ := s.db.Prepare(`INSERT OR REPLACE INTO commits(height,slot,epoch,proposer,block_hash,action_root,state_root,exec_block_hash,actions,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertCommit != nil {
			_ = insertCommit.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			if r.done != nil {
				close(r.done)
			}
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			detail, _ := json.Marshal(a.Detail)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					a.WorldID,
					int64(a.EventID),
					int64(a.Time),
					a.Kind,
					a.Actor,
					string(detail),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqCommit:
			c := r.commit
			if insertCommit != nil {
				if _, err := tx.Stmt(insertCommit).Exec(
					int64(c.Height),
					int64(c.Slot),
					int64(c.Epoch),
					c.Proposer,
					c.BlockHash,
					c.ActionRoot,
					c.StateRoot,
					c.ExecBlockHash,
					c.Actions,
					c.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

// AuditCount returns the number of audit rows for one kind.
func (s *SQLiteAudit) AuditCount(kind string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audits WHERE kind = ?`, kind).Scan(&n)
	return n, err
}

// AuditsByActor returns the event kinds attributed to one actor, oldest first.
func (s *SQLiteAudit) AuditsByActor(actor string) ([]string, error) {
	rows, err := s.db.Query(`SELECT kind FROM audits WHERE actor = ? ORDER BY event_id`, actor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var kinds []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
}

// Commit returns the indexed row for one height.
func (s *SQLiteAudit) Commit(height uint64) (CommitRow, bool, error) {
	var c CommitRow
	var h, slot, epoch int64
	err := s.db.QueryRow(
		`SELECT height,slot,epoch,proposer,block_hash,action_root,state_root,exec_block_hash,actions,recorded_at FROM commits WHERE height = ?`,
		int64(height),
	).Scan(&h, &slot, &epoch, &c.Proposer, &c.BlockHash, &c.ActionRoot, &c.StateRoot, &c.ExecBlockHash, &c.Actions, &c.RecordedAt)
	if err == sql.ErrNoRows {
		return CommitRow{}, false, nil
	}
	if err != nil {
		return CommitRow{}, false, err
	}
	c.Height, c.Slot, c.Epoch = uint64(h), uint64(slot), uint64(epoch)
	return c, true, nil
}

// LatestCommitHeight returns the highest indexed height, or 0 when empty.
func (s *SQLiteAudit) LatestCommitHeight() (uint64, error) {
	var h sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(height) FROM commits`).Scan(&h); err != nil {
		return 0, err
	}
	if !h.Valid {
		return 0, nil
	}
	return uint64(h.Int64), nil
}
