// Package redisfeed shares change events between processes over Redis
// pub/sub.
package redisfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Feed implements gateway.Feed and gateway.Publisher on Redis channels named
// after gateway.Channel.
type Feed struct {
	client *redis.Client
	logger *zap.Logger
}

// Dial connects to redisURL and checks the connection.
func Dial(ctx context.Context, redisURL string, logger *zap.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, apperr.Wrap(apperr.Network, "connect redis", err)
	}
	return New(client, logger), nil
}

// New creates a feed from an existing client.
func New(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, logger: logger}
}

var (
	_ gateway.Feed      = (*Feed)(nil)
	_ gateway.Publisher = (*Feed)(nil)
)

// Publish implements gateway.Publisher.
func (f *Feed) Publish(ctx context.Context, evt gateway.ChangeEvent) error {
	data, err := gateway.EncodeEvent(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.client.Publish(ctx, gateway.Channel(evt.Table), data).Err(); err != nil {
		return apperr.Wrap(apperr.Network, "redis publish", err)
	}
	return nil
}

// Subscribe implements gateway.Feed. It returns after Redis confirmed the
// subscription.
func (f *Feed) Subscribe(ctx context.Context, topic gateway.Topic, h gateway.Handler) (gateway.Subscription, error) {
	channel := gateway.Channel(topic.Table)
	ps := f.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apperr.Wrap(apperr.Network, "redis subscribe", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	live := gateway.NewLive(func() {
		cancel()
		_ = ps.Close()
	})

	go func() {
		for {
			msg, err := ps.ReceiveMessage(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					f.logger.Warn("redis subscription dropped", zap.String("channel", channel), zap.Error(err))
					live.Fail(apperr.Wrap(apperr.Network, "redis receive", err))
				}
				return
			}
			evt, err := gateway.DecodeEvent([]byte(msg.Payload))
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

// Close closes the client.
func (f *Feed) Close() error {
	return f.client.Close()
}
