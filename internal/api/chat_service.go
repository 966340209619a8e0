package api

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/chat"
	"github.com/matheus3301/campus/internal/outbox"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// settleTick bounds how long a waiter sleeps between snapshot checks when
// another caller consumed the change signal.
const settleTick = 200 * time.Millisecond

// ChatService implements campus.v1.ChatService. Threads opened over the
// API stay open until CloseThread or daemon shutdown.
type ChatService struct {
	ctrl   *chat.Controller
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	threads map[string]*chat.Thread
}

// NewChatService creates a new chat service.
func NewChatService(ctrl *chat.Controller, b *bus.Bus, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		ctrl:    ctrl,
		bus:     b,
		logger:  logger,
		threads: make(map[string]*chat.Thread),
	}
}

func threadKey(in *structpb.Struct) (chat.Key, error) {
	typ, err := chat.ParseEntityType(str(in, "entity_type"))
	if err != nil {
		return chat.Key{}, err
	}
	return chat.Key{Type: typ, ID: str(in, "entity_id")}, nil
}

// held returns the API's thread for in, opening it when needed.
func (s *ChatService) held(in *structpb.Struct) (*chat.Thread, error) {
	key, err := threadKey(in)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[key.ChannelKey()]; ok {
		return t, nil
	}
	t, err := s.ctrl.Open(key.Type, key.ID)
	if err != nil {
		return nil, err
	}
	s.threads[key.ChannelKey()] = t
	return t, nil
}

func (s *ChatService) OpenThread(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.held(in)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.settled(ctx, t)
}

func (s *ChatService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.held(in)
	if err != nil {
		return nil, toStatus(err)
	}
	if boolean(in, "refetch") {
		if err := t.Refetch(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return s.settled(ctx, t)
}

// settled waits for the first load to finish and returns the snapshot.
func (s *ChatService) settled(ctx context.Context, t *chat.Thread) (*structpb.Struct, error) {
	ticker := time.NewTicker(settleTick)
	defer ticker.Stop()
	for {
		snap := t.Snapshot()
		if snap.Loaded || (snap.Err != nil && !snap.Fetching) {
			if !snap.Loaded {
				return nil, toStatus(snap.Err)
			}
			return NewStruct(threadView(t, snap).fields())
		}
		select {
		case <-t.Changed():
		case <-ticker.C:
		case <-ctx.Done():
			return nil, toStatus(apperr.Wrap(apperr.Network, "load thread", ctx.Err()))
		}
	}
}

func (s *ChatService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.held(in)
	if err != nil {
		return nil, toStatus(err)
	}
	msg, err := t.Send(ctx, str(in, "body"))
	if err != nil {
		return nil, toStatus(err)
	}
	return NewStruct(messageView(msg).fields())
}

func (s *ChatService) CloseThread(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := threadKey(in)
	if err != nil {
		return nil, toStatus(err)
	}
	s.mu.Lock()
	t, ok := s.threads[key.ChannelKey()]
	delete(s.threads, key.ChannelKey())
	s.mu.Unlock()
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "thread %s is not open", key)
	}
	t.Close()
	return &structpb.Struct{}, nil
}

// WatchThread streams a snapshot now and after every change. The stream
// holds its own view of the thread, sharing the channel and cache entry
// with every other view.
func (s *ChatService) WatchThread(in *structpb.Struct, stream grpc.ServerStream) error {
	key, err := threadKey(in)
	if err != nil {
		return toStatus(err)
	}
	t, err := s.ctrl.Open(key.Type, key.ID)
	if err != nil {
		return toStatus(err)
	}
	defer t.Close()

	events, unsub := s.bus.Subscribe("message.", 32)
	defer unsub()

	send := func() error {
		out, err := NewStruct(threadView(t, t.Snapshot()).fields())
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}
	if err := send(); err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Changed():
		case evt := <-events:
			if e, ok := evt.Payload.(outbox.Event); !ok || e.Thread != key.ChannelKey() {
				continue
			}
		}
		if err := send(); err != nil {
			s.logger.Debug("watch stream ended", zap.String("thread", key.ChannelKey()), zap.Error(err))
			return err
		}
	}
}

// Close releases every thread opened over the API.
func (s *ChatService) Close() {
	s.mu.Lock()
	threads := s.threads
	s.threads = make(map[string]*chat.Thread)
	s.mu.Unlock()
	for _, t := range threads {
		t.Close()
	}
}

func threadView(t *chat.Thread, snap chat.Snapshot) Thread {
	view := Thread{
		EntityType: string(t.Key().Type),
		EntityID:   t.Key().ID,
		Loaded:     snap.Loaded,
		Stale:      snap.Stale,
		Draft:      t.Draft(),
	}
	if snap.Err != nil {
		view.Error = apperr.Notice(snap.Err)
	}
	for _, m := range snap.Messages {
		view.Messages = append(view.Messages, messageView(m))
	}
	return view
}

func messageView(m chat.Message) Message {
	return Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		CreatedAt:      m.CreatedAt,
		SenderID:       m.SenderID,
		SenderName:     m.Sender.DisplayName(),
		SenderInitials: m.Sender.Initials(),
		SenderAvatar:   m.Sender.AvatarURL,
		Body:           m.Body,
		Pending:        m.Pending,
	}
}
