package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// lockedConnKey marks the connection holding a thread's advisory lock.
type lockedConnKey struct{}

// PGStore keeps each thread as one JSONB row in triage_threads. Calls made
// with a context from PGLocker.Lock run on the lock's connection, so a turn
// holds exactly one pool connection.
type PGStore struct {
	db    queryable
	codec threadCodec
}

func NewPGStore(pool *pgxpool.Pool, opts ...StoreOption) *PGStore {
	return &PGStore{db: pool, codec: newThreadCodec(opts)}
}

func (s *PGStore) conn(ctx context.Context) queryable {
	if q, ok := ctx.Value(lockedConnKey{}).(queryable); ok {
		return q
	}
	return s.db
}

func (s *PGStore) Get(ctx context.Context, id string) (*Thread, error) {
	var raw []byte
	err := s.conn(ctx).QueryRow(ctx, `SELECT state FROM triage_threads WHERE thread_id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select thread %s: %w", id, err)
	}
	return s.codec.decode(id, raw)
}

func (s *PGStore) Put(ctx context.Context, t *Thread) error {
	raw, err := s.codec.encode(t)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO triage_threads (thread_id, state, message_count, attempts, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (thread_id) DO UPDATE
		SET state = EXCLUDED.state, message_count = EXCLUDED.message_count,
			attempts = EXCLUDED.attempts, updated_at = NOW()`,
		t.ID, raw, len(t.Messages), t.Attempts)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := s.conn(ctx).Exec(ctx, `DELETE FROM triage_threads WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	return nil
}

// PGLocker takes a session-level advisory lock on a dedicated connection so
// that several server replicas sharing one database serialize per thread. The
// connection travels in the returned context for PGStore to reuse.
type PGLocker struct{ pool *pgxpool.Pool }

func NewPGLocker(pool *pgxpool.Pool) *PGLocker { return &PGLocker{pool: pool} }

func (l *PGLocker) Lock(ctx context.Context, id string) (context.Context, func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, id); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("advisory lock %s: %w", id, err)
	}
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// The unlock must run even when the request context is already done.
			_, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id)
			if err != nil {
				// A connection that still holds the lock must not go back to the pool.
				_ = conn.Conn().Close(context.Background())
			}
			conn.Release()
		})
	}
	return context.WithValue(ctx, lockedConnKey{}, queryable(conn)), unlock, nil
}
