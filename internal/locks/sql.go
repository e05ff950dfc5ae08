package locks

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowcore/internal/persistence"
)

// SQLLocks is a cross-process lock service built on lease rows in the
// flow_locks table. An expired lease can be taken over by any owner.
type SQLLocks struct {
	db      *sql.DB
	dialect persistence.Dialect
	opts    Options
	now     func() time.Time
}

// Ensure SQLLocks implements Locks.
var _ Locks = (*SQLLocks)(nil)

// NewSQL initializes the lock table and returns a new SQLLocks.
func NewSQL(db *sql.DB, dialect persistence.Dialect, opts Options) (*SQLLocks, error) {
	l := &SQLLocks{
		db:      db,
		dialect: dialect,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_locks (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLLocks) Acquire(ctx context.Context, key string) (Handle, error) {
	h := Handle{Key: key, Token: uuid.NewString()}
	query := l.dialect.Rebind(`
		INSERT INTO flow_locks (lock_key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE flow_locks.expires_at <= ?`)

	err := pollAcquire(ctx, key, l.opts, func() (bool, error) {
		now := l.now()
		res, err := l.db.ExecContext(ctx, query,
			key, h.Token, now.Add(l.opts.TTL).UnixNano(), now.UnixNano())
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (l *SQLLocks) Release(ctx context.Context, h Handle) error {
	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(`
		DELETE FROM flow_locks WHERE lock_key = ? AND owner = ?`),
		h.Key, h.Token,
	)
	return err
}
