// Package pgfeed carries change events over Postgres LISTEN/NOTIFY.
package pgfeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"go.uber.org/zap"
)

// Feed implements gateway.Feed and gateway.Publisher. Each subscription
// holds its own connection because a listening connection blocks in
// WaitForNotification.
type Feed struct {
	url    string
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects the publishing pool.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.Network, "ping postgres", err)
	}
	return &Feed{url: databaseURL, pool: pool, logger: logger}, nil
}

var (
	_ gateway.Feed      = (*Feed)(nil)
	_ gateway.Publisher = (*Feed)(nil)
)

// Publish implements gateway.Publisher with pg_notify.
func (f *Feed) Publish(ctx context.Context, evt gateway.ChangeEvent) error {
	data, err := gateway.EncodeEvent(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := f.pool.Exec(ctx, "SELECT pg_notify($1, $2)", gateway.Channel(evt.Table), string(data)); err != nil {
		return apperr.Wrap(apperr.Network, "pg_notify", err)
	}
	return nil
}

// Subscribe implements gateway.Feed. The completed LISTEN is the
// acknowledgement.
func (f *Feed) Subscribe(ctx context.Context, topic gateway.Topic, h gateway.Handler) (gateway.Subscription, error) {
	channel := gateway.Channel(topic.Table)
	conn, err := pgx.Connect(ctx, f.url)
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, "connect listener", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, apperr.Wrap(apperr.Network, "listen "+channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	live := gateway.NewLive(cancel)

	go func() {
		defer func() { _ = conn.Close(context.Background()) }()
		for {
			n, err := conn.WaitForNotification(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					f.logger.Warn("postgres listener dropped", zap.String("channel", channel), zap.Error(err))
					live.Fail(apperr.Wrap(apperr.Network, "wait for notification", err))
				}
				return
			}
			evt, err := gateway.DecodeEvent([]byte(n.Payload))
			if err != nil {
				f.logger.Warn("discarding malformed change event", zap.String("channel", channel), zap.Error(err))
				continue
			}
			if topic.Matches(evt) {
				h(evt)
			}
		}
	}()
	return live, nil
}

// Close closes the publishing pool. Listener connections close with their
// subscriptions.
func (f *Feed) Close() error {
	f.pool.Close()
	return nil
}
