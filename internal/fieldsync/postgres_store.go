package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTable       = "fieldsync_queue"
	postgresStateTable       = "fieldsync_state"
	postgresScopeKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueueStore persists queue entries in Postgres. Entries are
// scoped by a queue key so several deployments can share one table;
// Append takes an advisory transaction lock while checking capacity.
type PostgresQueueStore struct {
	dsn       string
	tableName string
	queueKey  string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	dropped int
}

func NewPostgresQueueStore(dsn string, capacity int) (*PostgresQueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueueStore{
		dsn:       dsn,
		tableName: postgresQueueTable,
		queueKey:  postgresScopeKey,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresQueueStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGINT NOT NULL,
				queue_key TEXT NOT NULL,
				entry_id TEXT NOT NULL UNIQUE,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (queue_key, seq)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresQueueStore) Append(entry SyncQueueEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.capacity > 0 {
		lockKey := postgresQueueLockKey(s.tableName, s.queueKey)
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
			return err
		}
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(s.tableName))
		var depth int
		if err := tx.QueryRowContext(ctx, countQuery, s.queueKey).Scan(&depth); err != nil {
			return err
		}
		if depth >= s.capacity {
			return ErrQueueFull
		}
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (seq, queue_key, entry_id, payload, created_at) VALUES ($1, $2, $3, $4, NOW())",
		postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, entry.Seq, s.queueKey, entry.ID, string(payload)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresQueueStore) Update(entry SyncQueueEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET payload = $1 WHERE queue_key = $2 AND entry_id = $3",
		postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, string(payload), s.queueKey, entry.ID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *PostgresQueueStore) Remove(id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE queue_key = $1 AND entry_id = $2",
		postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, s.queueKey, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *PostgresQueueStore) List() ([]SyncQueueEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE queue_key = $1 ORDER BY seq ASC",
		postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, s.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncQueueEntry
	dropped := 0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		if err := ValidateQueueEntryJSON([]byte(payload)); err != nil {
			dropped++
			continue
		}
		var entry SyncQueueEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			dropped++
			continue
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.dropped += dropped
	s.mu.Unlock()
	return out, nil
}

func (s *PostgresQueueStore) DroppedInvalid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *PostgresQueueStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type PostgresStateStore struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateStore(dsn string) (*PostgresStateStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateStore{
		dsn:       dsn,
		tableName: postgresStateTable,
		stateKey:  postgresScopeKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStateStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStateStore) Load() (*EngineState, error) {
	if s == nil {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := s.db.QueryRowContext(ctx, query, s.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state EngineState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *PostgresStateStore) Save(state *EngineState) error {
	if s == nil || state == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = s.db.ExecContext(ctx, query, s.stateKey, string(payload))
	return err
}

func (s *PostgresStateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(tableName))
	_, _ = hash.Write([]byte{0})
	_, _ = hash.Write([]byte(queueKey))
	return int64(hash.Sum64())
}
