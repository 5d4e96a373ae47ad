package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Notifier wraps a dedicated low-level Postgres pool used for LISTEN/NOTIFY.
// It is intentionally separate from the gorm-managed connection pool: a
// LISTEN subscription must live on one physical connection for its entire
// lifetime, which a general-purpose pool would otherwise recycle out from
// under it.
type Notifier struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewNotifier opens a dedicated pgx pool against dsn. Postgres only; on
// sqlite deployments callers should skip constructing a Notifier entirely
// and rely on the poll fallback.
func NewNotifier(ctx context.Context, dsn string, log *zap.Logger) (*Notifier, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open notify pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue: ping notify pool: %w", err)
	}
	return &Notifier{pool: pool, log: log}, nil
}

// Close releases the dedicated pool.
func (n *Notifier) Close() {
	n.pool.Close()
}

// Notify posts a best-effort marker payload on both the job-type-specific
// channel and the catch-all channel. Failures are logged and swallowed:
// correctness of the queue never depends on notification delivery, only on
// the poll fallback.
func (n *Notifier) Notify(ctx context.Context, jobType string) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		n.log.Warn("notify: failed to acquire connection", zap.Error(err))
		return
	}
	defer conn.Release()

	for _, channel := range []string{Channel(jobType), AllChannel} {
		sql := fmt.Sprintf("NOTIFY %s, 'job_available'", channel)
		if _, err := conn.Exec(ctx, sql); err != nil {
			n.log.Warn("notify: exec failed", zap.String("channel", channel), zap.Error(err))
		}
	}
}

// Listener is a subscription on a single channel, backed by one dedicated
// connection for its entire lifetime.
type Listener struct {
	conn    *pgxpool.Conn
	channel string
}

// Listen acquires a dedicated connection and issues LISTEN on channel. The
// caller must call Close when done to release the connection back to the
// pool (after which Postgres implicitly drops the subscription).
func (n *Notifier) Listen(ctx context.Context, channel string) (*Listener, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("queue: listen %s: %w", channel, err)
	}
	return &Listener{conn: conn, channel: channel}, nil
}

// Wait blocks until a notification arrives on the subscribed channel or ctx
// is cancelled. Workers are expected to loop: Wait, then attempt a claim,
// regardless of whether Wait returned due to a real notification — the
// claim itself is the source of truth.
func (l *Listener) Wait(ctx context.Context) error {
	_, err := l.conn.Conn().WaitForNotification(ctx)
	return err
}

// Close releases the dedicated connection.
func (l *Listener) Close() {
	l.conn.Release()
}
