package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/config"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/gateway/postgrest"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/realtime/natsfeed"
	"github.com/matheus3301/campus/internal/realtime/pgfeed"
	"github.com/matheus3301/campus/internal/realtime/phoenix"
	"github.com/matheus3301/campus/internal/realtime/redisfeed"
	"github.com/matheus3301/campus/internal/session"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
)

// Backend is the process-wide gateway: the row store and the change feed
// selected by configuration.
type Backend struct {
	Store gateway.Store
	Feed  gateway.Feed

	closers []func() error
}

// Close releases the feed and the local database.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// tokenSource hands the hosted transports the access token of whoever is
// signed in. The identity provider is attached after the gateway exists.
type tokenSource struct {
	fn atomic.Pointer[func() string]
}

func (t *tokenSource) set(fn func() string) {
	t.fn.Store(&fn)
}

func (t *tokenSource) Token() string {
	if fn := t.fn.Load(); fn != nil {
		return (*fn)()
	}
	return ""
}

type localFeed interface {
	gateway.Feed
	gateway.Publisher
	Close() error
}

func openBackend(ctx context.Context, p Params, cfg *config.Config, b *bus.Bus, tokens *tokenSource, logger *zap.Logger) (*Backend, error) {
	if cfg.Backend.Mode == "hosted" {
		return openHosted(cfg, tokens, logger), nil
	}

	var feed localFeed
	var err error
	switch cfg.Realtime.Driver {
	case "inproc":
		feed = realtime.NewHub(b, logger)
	case "redis":
		feed, err = redisfeed.Dial(ctx, cfg.Realtime.URL, logger)
	case "nats":
		feed, err = natsfeed.Connect(cfg.Realtime.URL, "campusd-"+p.SessionName, logger)
	case "postgres":
		feed, err = pgfeed.Open(ctx, cfg.Realtime.URL, logger)
	default:
		err = fmt.Errorf("realtime driver %q needs a hosted backend", cfg.Realtime.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s feed: %w", cfg.Realtime.Driver, err)
	}

	dbPath := cfg.Backend.DBPath
	if dbPath == "" {
		dbPath = session.DBPath(p.SessionName)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		_ = feed.Close()
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		_ = feed.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("local backend ready",
		zap.String("path", dbPath),
		zap.String("realtime", cfg.Realtime.Driver))

	return &Backend{
		Store:   store.NewBackend(db, feed, logger),
		Feed:    feed,
		closers: []func() error{db.Close, feed.Close},
	}, nil
}

func openHosted(cfg *config.Config, tokens *tokenSource, logger *zap.Logger) *Backend {
	rest := postgrest.New(postgrest.Config{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.AnonKey,
		Token:   tokens.Token,
		Timeout: cfg.Backend.RequestTimeout.Std(),
	}, nil, logger)

	wsURL := cfg.Realtime.URL
	if wsURL == "" {
		wsURL = strings.TrimRight(cfg.Backend.URL, "/") + "/realtime/v1/websocket"
	}
	sock := phoenix.New(phoenix.Config{
		URL:         wsURL,
		APIKey:      cfg.Backend.AnonKey,
		Token:       tokens.Token,
		Heartbeat:   cfg.Realtime.Heartbeat.Std(),
		JoinTimeout: cfg.Realtime.JoinTimeout.Std(),
	}, logger)

	logger.Info("hosted backend configured", zap.String("url", cfg.Backend.URL))
	return &Backend{
		Store:   rest,
		Feed:    sock,
		closers: []func() error{sock.Close},
	}
}
