// Package natsfeed shares change events between processes over NATS
// subjects.
package natsfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Feed implements gateway.Feed and gateway.Publisher. A disconnect fails
// every live subscription; the subscription manager resubscribes once the
// client has reconnected.
type Feed struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*gateway.Live]struct{}
}

// Connect dials url. name identifies the client to the server.
func Connect(url, name string, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{logger: logger, subs: make(map[*gateway.Live]struct{})}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			f.failAll(apperr.Wrap(apperr.Network, "nats disconnected", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, "connect nats", err)
	}
	f.nc = nc
	return f, nil
}

var (
	_ gateway.Feed      = (*Feed)(nil)
	_ gateway.Publisher = (*Feed)(nil)
)

// Publish implements gateway.Publisher.
func (f *Feed) Publish(_ context.Context, evt gateway.ChangeEvent) error {
	data, err := gateway.EncodeEvent(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.nc.Publish(gateway.Channel(evt.Table), data); err != nil {
		return apperr.Wrap(apperr.Network, "nats publish", err)
	}
	return nil
}

// Subscribe implements gateway.Feed. The server round trip of a flush is the
// acknowledgement.
func (f *Feed) Subscribe(ctx context.Context, topic gateway.Topic, h gateway.Handler) (gateway.Subscription, error) {
	subject := gateway.Channel(topic.Table)
	sub, err := f.nc.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := gateway.DecodeEvent(msg.Data)
		if err != nil {
			f.logger.Warn("discarding malformed change event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if topic.Matches(evt) {
			h(evt)
		}
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, "nats subscribe", err)
	}
	if err := f.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, apperr.Wrap(apperr.Network, "nats subscribe", err)
	}

	var live *gateway.Live
	live = gateway.NewLive(func() {
		_ = sub.Unsubscribe()
		f.mu.Lock()
		delete(f.subs, live)
		f.mu.Unlock()
	})
	f.mu.Lock()
	f.subs[live] = struct{}{}
	f.mu.Unlock()
	return live, nil
}

func (f *Feed) failAll(err error) {
	f.mu.Lock()
	subs := make([]*gateway.Live, 0, len(f.subs))
	for l := range f.subs {
		subs = append(subs, l)
	}
	f.mu.Unlock()
	for _, l := range subs {
		l.Fail(err)
	}
	f.logger.Warn("nats connection lost", zap.Int("subscriptions", len(subs)), zap.Error(err))
}

// Close drains the connection.
func (f *Feed) Close() error {
	return f.nc.Drain()
}
