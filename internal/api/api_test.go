package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/cache"
	"github.com/matheus3301/campus/internal/chat"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/identity"
	"github.com/matheus3301/campus/internal/notify"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/requests"
	"github.com/matheus3301/campus/internal/store"
	"github.com/matheus3301/campus/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const secret = "api-test-secret"

type fixture struct {
	conn     *grpc.ClientConn
	store    *store.Backend
	provider *identity.Provider
}

func newFixture(t *testing.T, perMinute, burst int) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "campus.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)

	events := bus.New()
	hub := realtime.NewHub(events, nil)
	backend := store.NewBackend(db, hub, nil)
	_, err = backend.Insert(context.Background(), "profiles", gateway.Row{"id": "p-ana", "user_id": "u-ana", "full_name": "Ana Souza"})
	require.NoError(t, err)

	provider := identity.NewProvider(identity.Options{Store: backend, Bus: events, Secret: secret, SessionName: "test"})
	require.NoError(t, provider.Restore(context.Background(), ""))
	s := identity.Authorized(backend, provider)

	c := cache.New(cache.Options{QueryTimeout: 2 * time.Second}, events, nil)
	subs := subscription.NewManager(hub, c, events, subscription.DefaultBackoff, nil)
	chats := chat.NewController(s, c, subs, provider, events, chat.Options{MaxLength: 1000}, nil)
	feeds := notify.NewController(s, c, subs, notify.Options{Limit: 30, OptimisticRead: true}, nil)

	chatSvc := NewChatService(chats, events, nil)
	notifySvc := NewNotificationService(feeds, provider, events)
	limiter := NewLimiterStore(perMinute, burst, time.Minute)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(RateLimitUnaryInterceptor(limiter, LimitedMethods)))
	Register(srv,
		NewSessionService(SessionInfo{Name: "test", Backend: "local", Realtime: "inproc"}, provider, subs, nil),
		chatSvc,
		notifySvc,
		NewRequestService(requests.NewService(s, provider, 140, nil)),
	)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		chatSvc.Close()
		notifySvc.Close()
		chats.Close()
		feeds.Close()
		subs.Close()
		c.Close()
		limiter.Stop()
		_ = hub.Close()
		_ = db.Close()
	})
	return &fixture{conn: conn, store: backend, provider: provider}
}

func (fx *fixture) call(t *testing.T, service, method string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = fx.conn.Invoke(ctx, Method(service, method), in, out)
	return out, err
}

func (fx *fixture) signIn(t *testing.T, sub string) {
	t.Helper()
	claims := identity.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	out, err := fx.call(t, SessionServiceName, "SignIn", map[string]any{"access_token": token})
	require.NoError(t, err)
	require.Equal(t, sub, str(out, "user_id"))
}

var rideThread = map[string]any{"entity_type": "carpool", "entity_id": "ride-1"}

func TestSessionStatus(t *testing.T) {
	fx := newFixture(t, 600, 50)

	out, err := fx.call(t, SessionServiceName, "GetStatus", nil)
	require.NoError(t, err)
	st := DecodeStatus(out)
	assert.Equal(t, "SIGNED_OUT", st.State)
	assert.Equal(t, "local", st.Backend)

	fx.signIn(t, "u-ana")
	out, err = fx.call(t, SessionServiceName, "GetStatus", nil)
	require.NoError(t, err)
	st = DecodeStatus(out)
	assert.Equal(t, "READY", st.State)
	assert.Equal(t, "p-ana", st.ProfileID)
	assert.Equal(t, "Ana Souza", st.FullName)

	_, err = fx.call(t, SessionServiceName, "SignOut", nil)
	require.NoError(t, err)
	out, err = fx.call(t, SessionServiceName, "GetStatus", nil)
	require.NoError(t, err)
	assert.Equal(t, "SIGNED_OUT", DecodeStatus(out).State)
}

func TestSignInRejectsBadToken(t *testing.T) {
	fx := newFixture(t, 600, 50)
	_, err := fx.call(t, SessionServiceName, "SignIn", map[string]any{"access_token": "garbage"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = fx.call(t, SessionServiceName, "SignIn", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestChatSendAndList(t *testing.T) {
	fx := newFixture(t, 600, 50)
	fx.signIn(t, "u-ana")

	out, err := fx.call(t, ChatServiceName, "OpenThread", rideThread)
	require.NoError(t, err)
	th := DecodeThread(out)
	assert.True(t, th.Loaded)
	assert.Empty(t, th.Messages)

	out, err = fx.call(t, ChatServiceName, "SendMessage", map[string]any{"entity_type": "carpool", "entity_id": "ride-1", "body": "  leaving at 8  "})
	require.NoError(t, err)
	sent := DecodeMessage(out)
	assert.Equal(t, "leaving at 8", sent.Body)
	assert.Equal(t, "Ana Souza", sent.SenderName)

	out, err = fx.call(t, ChatServiceName, "ListMessages", rideThread)
	require.NoError(t, err)
	th = DecodeThread(out)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "leaving at 8", th.Messages[0].Body)
	assert.Equal(t, "AS", th.Messages[0].SenderInitials)
	assert.False(t, th.Messages[0].Pending)
	assert.NotEmpty(t, th.Messages[0].ID)

	_, err = fx.call(t, ChatServiceName, "CloseThread", rideThread)
	require.NoError(t, err)
	_, err = fx.call(t, ChatServiceName, "CloseThread", rideThread)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWatchThreadStreamsNewMessages(t *testing.T) {
	fx := newFixture(t, 600, 50)
	fx.signIn(t, "u-ana")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := fx.conn.NewStream(ctx, &ChatServiceDesc.Streams[0], Method(ChatServiceName, "WatchThread"))
	require.NoError(t, err)
	in, err := structpb.NewStruct(rideThread)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(in))
	require.NoError(t, stream.CloseSend())

	first := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(first))
	assert.Empty(t, DecodeThread(first).Messages)

	_, err = fx.call(t, ChatServiceName, "SendMessage", map[string]any{"entity_type": "carpool", "entity_id": "ride-1", "body": "hello"})
	require.NoError(t, err)

	for {
		out := new(structpb.Struct)
		require.NoError(t, stream.RecvMsg(out))
		th := DecodeThread(out)
		if len(th.Messages) == 1 && !th.Messages[0].Pending {
			assert.Equal(t, "hello", th.Messages[0].Body)
			return
		}
	}
}

func TestErrorsCarryNotices(t *testing.T) {
	fx := newFixture(t, 600, 50)

	_, err := fx.call(t, RequestServiceName, "JoinRide", map[string]any{"travel_post_id": "ride-1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	fx.signIn(t, "u-ana")
	_, err = fx.call(t, ChatServiceName, "SendMessage", map[string]any{"entity_type": "carpool", "entity_id": "ride-1", "body": "   "})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	remote := FromStatus("send", err)
	assert.True(t, errors.Is(remote, apperr.ErrValidation))
	assert.Equal(t, "Message cannot be empty", apperr.Notice(remote))

	_, err = fx.call(t, ChatServiceName, "OpenThread", map[string]any{"entity_type": "forum", "entity_id": "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = fx.call(t, RequestServiceName, "JoinRide", map[string]any{"travel_post_id": "ride-1"})
	require.NoError(t, err)
	_, err = fx.call(t, RequestServiceName, "JoinRide", map[string]any{"travel_post_id": "ride-1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	remote = FromStatus("join ride", err)
	assert.True(t, errors.Is(remote, apperr.ErrConflict))
	assert.Equal(t, "Already requested", apperr.Notice(remote))
}

func TestNotificationsOverAPI(t *testing.T) {
	fx := newFixture(t, 600, 50)
	fx.signIn(t, "u-ana")
	for i := 0; i < 3; i++ {
		_, err := fx.store.Insert(context.Background(), "notifications", gateway.Row{
			"id":         fmt.Sprintf("n%d", i),
			"created_at": gateway.FormatTime(time.Date(2026, 5, 1, 9, i, 0, 0, time.UTC)),
			"user_id":    "p-ana",
			"type":       notify.KindHelpTicket,
			"title":      "Ticket updated",
			"message":    "reply",
			"is_read":    false,
		})
		require.NoError(t, err)
	}

	out, err := fx.call(t, NotificationServiceName, "ListNotifications", nil)
	require.NoError(t, err)
	feed := DecodeFeed(out)
	require.Len(t, feed.Items, 3)
	assert.Equal(t, 3, feed.Unread)
	assert.Equal(t, "3", feed.Badge)
	assert.Equal(t, "n2", feed.Items[0].ID, "newest first")
	assert.Equal(t, "/help?tab=active", feed.Items[0].Destination)

	out, err = fx.call(t, NotificationServiceName, "MarkRead", map[string]any{"id": "n1"})
	require.NoError(t, err)
	assert.Equal(t, 2, DecodeFeed(out).Unread)

	out, err = fx.call(t, NotificationServiceName, "MarkAllRead", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, DecodeFeed(out).Unread)
	assert.Equal(t, "", DecodeFeed(out).Badge)

	_, err = fx.call(t, NotificationServiceName, "MarkRead", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRateLimitedWrites(t *testing.T) {
	fx := newFixture(t, 1, 2)
	fx.signIn(t, "u-ana")

	// SignIn spent its own bucket; JoinRide has a fresh one.
	_, err := fx.call(t, RequestServiceName, "JoinRide", map[string]any{"travel_post_id": "ride-1"})
	require.NoError(t, err)
	_, err = fx.call(t, RequestServiceName, "JoinRide", map[string]any{"travel_post_id": "ride-2"})
	require.NoError(t, err)
	_, err = fx.call(t, RequestServiceName, "JoinRide", map[string]any{"travel_post_id": "ride-3"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.True(t, errors.Is(FromStatus("join ride", err), apperr.ErrNetwork))

	// Reads are not limited.
	for i := 0; i < 5; i++ {
		_, err := fx.call(t, SessionServiceName, "GetStatus", nil)
		require.NoError(t, err)
	}
}

func TestLimiterStoreKeysAreIndependent(t *testing.T) {
	s := NewLimiterStore(60, 1, time.Minute)
	defer s.Stop()
	assert.True(t, s.Allow("a"))
	assert.False(t, s.Allow("a"))
	assert.True(t, s.Allow("b"))
}

func TestFromStatusPassesPlainErrors(t *testing.T) {
	assert.Nil(t, FromStatus("x", nil))
	err := FromStatus("dial", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, apperr.ErrNetwork))
}

func TestRemoteErrorKeepsKindAndNotice(t *testing.T) {
	err := FromStatus("send", status.Error(codes.Unavailable, "Couldn't send. Try again."))
	assert.Equal(t, apperr.Network, apperr.KindOf(err))
	assert.True(t, errors.Is(err, apperr.ErrNetwork))
	assert.Equal(t, "Couldn't send. Try again.", apperr.Notice(err))

	err = FromStatus("get", status.Error(codes.PermissionDenied, "nope"))
	assert.True(t, errors.Is(err, apperr.ErrQuery))
}
