package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// LimitedMethods are the calls that write to the backend.
var LimitedMethods = map[string]bool{
	Method(SessionServiceName, "SignIn"):           true,
	Method(ChatServiceName, "SendMessage"):         true,
	Method(NotificationServiceName, "MarkRead"):    true,
	Method(NotificationServiceName, "MarkAllRead"): true,
	Method(RequestServiceName, "JoinRide"):         true,
	Method(RequestServiceName, "RequestErrand"):    true,
}

// LimiterStore keeps one token bucket per key and forgets idle keys.
type LimiterStore struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clients  map[string]*clientEntry
	idle     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore allows perMinute calls per key with the given burst.
func NewLimiterStore(perMinute, burst int, cleanupInterval time.Duration) *LimiterStore {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	s := &LimiterStore{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		clients: map[string]*clientEntry{},
		idle:    10 * time.Minute,
		stopCh:  make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

func (s *LimiterStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idle)
			s.mu.Lock()
			for k, v := range s.clients {
				if v.lastSeen.Before(cutoff) {
					delete(s.clients, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine.
func (s *LimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *LimiterStore) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.clients[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.clients[key] = &clientEntry{limiter: l, lastSeen: time.Now()}
	return l
}

// Allow reports whether one more call for key is permitted now.
func (s *LimiterStore) Allow(key string) bool {
	return s.limiter(key).Allow()
}

// RateLimitUnaryInterceptor throttles the limited methods per method and
// caller.
func RateLimitUnaryInterceptor(store *LimiterStore, limited map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limited[info.FullMethod] {
			return handler(ctx, req)
		}
		key := info.FullMethod + "|local"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil && p.Addr.String() != "" {
			key = info.FullMethod + "|" + p.Addr.String()
		}
		if !store.Allow(key) {
			return nil, status.Error(codes.ResourceExhausted, "Too many requests. Try again shortly.")
		}
		return handler(ctx, req)
	}
}

// LoggingUnaryInterceptor logs each call with its outcome.
func LoggingUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Info("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}

// LoggingStreamInterceptor logs stream lifetimes.
func LoggingStreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("stream opened", zap.String("method", info.FullMethod))
		err := handler(srv, ss)
		logger.Debug("stream closed",
			zap.String("method", info.FullMethod),
			zap.Duration("open_for", time.Since(start)),
			zap.String("code", status.Code(err).String()))
		return err
	}
}
