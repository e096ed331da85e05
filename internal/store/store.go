// Package store persists crawl snapshots in PostgreSQL.
//
// Each session is one row in crawl_sessions holding the full snapshot as
// JSONB. The states and transitions are also copied into their own tables so
// they can be queried without decoding the snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/internal/snapshot"
)

// ErrSessionNotFound is returned when no snapshot is stored for a session id.
var ErrSessionNotFound = errors.New("crawl session not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	sqlCreateSessions = `
        CREATE TABLE IF NOT EXISTS crawl_sessions (
            id           TEXT PRIMARY KEY,
            seed_url     TEXT NOT NULL,
            started_at   TIMESTAMPTZ NOT NULL,
            exit_status  TEXT NOT NULL,
            strategy     TEXT NOT NULL,
            state_count  INTEGER NOT NULL,
            edge_count   INTEGER NOT NULL,
            snapshot     JSONB NOT NULL,
            persisted_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlCreateStates = `
        CREATE TABLE IF NOT EXISTS crawl_states (
            session_id   TEXT NOT NULL REFERENCES crawl_sessions (id) ON DELETE CASCADE,
            state_id     INTEGER NOT NULL,
            name         TEXT NOT NULL,
            url          TEXT NOT NULL,
            dom          TEXT NOT NULL,
            stripped_dom TEXT NOT NULL,
            PRIMARY KEY (session_id, state_id)
        );
    `
	sqlCreateTransitions = `
        CREATE TABLE IF NOT EXISTS crawl_transitions (
            session_id   TEXT NOT NULL REFERENCES crawl_sessions (id) ON DELETE CASCADE,
            eventable_id INTEGER NOT NULL,
            from_state   INTEGER NOT NULL,
            to_state     INTEGER NOT NULL,
            event_type   TEXT NOT NULL,
            how          TEXT NOT NULL,
            value        TEXT NOT NULL,
            PRIMARY KEY (session_id, eventable_id)
        );
    `
	sqlDeleteSession = `DELETE FROM crawl_sessions WHERE id = $1;`
	sqlInsertSession = `
        INSERT INTO crawl_sessions (id, seed_url, started_at, exit_status, strategy, state_count, edge_count, snapshot, persisted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `
	sqlSelectSnapshot = `SELECT snapshot FROM crawl_sessions WHERE id = $1;`
)

var (
	stateColumns      = []string{"session_id", "state_id", "name", "url", "dom", "stripped_dom"}
	transitionColumns = []string{"session_id", "eventable_id", "from_state", "to_state", "event_type", "how", "value"}
)

// Store provides PostgreSQL persistence for crawl snapshots.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// EnsureSchema creates the crawl tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateSessions, sqlCreateStates, sqlCreateTransitions} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// PersistSnapshot stores snap in one transaction, replacing any earlier
// snapshot of the same session.
func (s *Store) PersistSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	raw, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlDeleteSession, snap.SessionID); err != nil {
		return fmt.Errorf("failed to clear previous session: %w", err)
	}
	_, err = tx.Exec(ctx, sqlInsertSession,
		snap.SessionID, snap.SeedURL, snap.StartedAt.UTC(), string(snap.ExitStatus), string(snap.Strategy),
		snap.StateCount(), snap.EdgeCount(), raw, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if err := s.persistStates(ctx, tx, snap); err != nil {
		return err
	}
	if err := s.persistTransitions(ctx, tx, snap); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Snapshot persisted",
		zap.String("session_id", snap.SessionID),
		zap.Int("states", snap.StateCount()),
		zap.Int("edges", snap.EdgeCount()),
	)
	return nil
}

func (s *Store) persistStates(ctx context.Context, tx pgx.Tx, snap *snapshot.Snapshot) error {
	rows := make([][]any, 0, snap.StateCount())
	if snap.States != nil {
		for p := snap.States.Oldest(); p != nil; p = p.Next() {
			st := p.Value
			rows = append(rows, []any{snap.SessionID, st.ID, st.Name, st.URL, st.DOM, st.StrippedDOM})
		}
	}
	return copyRows(ctx, tx, "crawl_states", stateColumns, rows)
}

func (s *Store) persistTransitions(ctx context.Context, tx pgx.Tx, snap *snapshot.Snapshot) error {
	rows := make([][]any, 0, len(snap.Transitions))
	for _, t := range snap.Transitions {
		row := []any{snap.SessionID, t.Eventable, t.From, t.To, "", "", ""}
		if snap.Eventables != nil {
			if ev, ok := snap.Eventables.Get(t.Eventable); ok {
				row[4], row[5], row[6] = string(ev.Kind), string(ev.Identification.How), ev.Identification.Value
			}
		}
		rows = append(rows, row)
	}
	return copyRows(ctx, tx, "crawl_transitions", transitionColumns, rows)
}

func copyRows(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", table, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied %s count: expected %d, got %d", table, len(rows), n)
	}
	return nil
}

// LoadSnapshot returns the snapshot stored for sessionID.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string) (*snapshot.Snapshot, error) {
	var raw []byte
	if err := s.pool.QueryRow(ctx, sqlSelectSnapshot, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	snap, err := snapshot.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("stored snapshot for %s: %w", sessionID, err)
	}
	return snap, nil
}
