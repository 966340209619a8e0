package api

import (
	"context"
	"slices"
	"time"

	"github.com/matheus3301/campus/internal/identity"
	"github.com/matheus3301/campus/internal/subscription"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Channels lists live channels and asks for a retry of a failed one.
type Channels interface {
	Channels() []subscription.Info
	Retry(key string) bool
}

// Degraded lists channels whose data is being polled.
type Degraded interface {
	Degraded() []string
}

// SessionInfo names what the daemon runs against.
type SessionInfo struct {
	Name     string
	Backend  string
	Realtime string
}

// SessionService implements campus.v1.SessionService.
type SessionService struct {
	info      SessionInfo
	startedAt time.Time
	provider  *identity.Provider
	channels  Channels
	degraded  Degraded
}

// NewSessionService creates a session service. degraded may be nil.
func NewSessionService(info SessionInfo, provider *identity.Provider, channels Channels, degraded Degraded) *SessionService {
	return &SessionService{
		info:      info,
		startedAt: time.Now(),
		provider:  provider,
		channels:  channels,
		degraded:  degraded,
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := Status{
		Session:  s.info.Name,
		State:    string(s.provider.State()),
		Backend:  s.info.Backend,
		Realtime: s.info.Realtime,
		UptimeMS: time.Since(s.startedAt).Milliseconds(),
	}
	if sess, ok := s.provider.Current(); ok {
		st.UserID = sess.UserID
		st.ProfileID = sess.ProfileID
		st.FullName = sess.FullName
	}

	var polling []string
	if s.degraded != nil {
		polling = s.degraded.Degraded()
	}
	for _, info := range s.channels.Channels() {
		st.Channels = append(st.Channels, Channel{
			Key:      info.Key,
			State:    string(info.State),
			Since:    info.Since,
			Refs:     info.Refs,
			Events:   int(info.Events),
			Failures: info.Failures,
			Polling:  slices.Contains(polling, info.Key),
		})
	}
	return NewStruct(st.fields())
}

func (s *SessionService) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := str(in, "access_token")
	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "access_token is required")
	}
	sess, err := s.provider.SignIn(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return NewStruct(map[string]any{
		"user_id":    sess.UserID,
		"profile_id": sess.ProfileID,
		"full_name":  sess.FullName,
		"expires_at": encodeTime(sess.ExpiresAt),
	})
}

func (s *SessionService) SignOut(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.provider.SignOut(); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "sign out: %v", err)
	}
	return &structpb.Struct{}, nil
}

func (s *SessionService) RetryChannel(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key := str(in, "key")
	if !s.channels.Retry(key) {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "channel %q is not reconnecting or failed", key)
	}
	return &structpb.Struct{}, nil
}
