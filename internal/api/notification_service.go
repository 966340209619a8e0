package api

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/identity"
	"github.com/matheus3301/campus/internal/notify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Profiles resolves the signed-in user's profile.
type Profiles interface {
	RequireProfile() (*identity.Session, error)
}

// NotificationService implements campus.v1.NotificationService for the
// signed-in user.
type NotificationService struct {
	ctrl *notify.Controller
	ids  Profiles
	bus  *bus.Bus

	mu   sync.Mutex
	feed *notify.Feed
}

func NewNotificationService(ctrl *notify.Controller, ids Profiles, b *bus.Bus) *NotificationService {
	return &NotificationService{ctrl: ctrl, ids: ids, bus: b}
}

// current returns the held feed of the signed-in user, replacing one held
// for a previous user.
func (s *NotificationService) current() (*notify.Feed, error) {
	sess, err := s.ids.RequireProfile()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feed != nil && s.feed.Recipient() == sess.ProfileID {
		return s.feed, nil
	}
	if s.feed != nil {
		s.feed.Close()
		s.feed = nil
	}
	f, err := s.ctrl.Load(sess.ProfileID)
	if err != nil {
		return nil, err
	}
	s.feed = f
	return f, nil
}

func (s *NotificationService) ListNotifications(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f, err := s.current()
	if err != nil {
		return nil, toStatus(err)
	}
	if boolean(in, "refetch") {
		if err := f.Refetch(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	ticker := time.NewTicker(settleTick)
	defer ticker.Stop()
	for {
		snap := f.Snapshot()
		if snap.Loaded {
			return NewStruct(feedView(snap).fields())
		}
		if snap.Err != nil && !snap.Fetching {
			return nil, toStatus(snap.Err)
		}
		select {
		case <-f.Changed():
		case <-ticker.C:
		case <-ctx.Done():
			return nil, toStatus(apperr.Wrap(apperr.Network, "load notifications", ctx.Err()))
		}
	}
}

func (s *NotificationService) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	f, err := s.current()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := f.MarkRead(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return NewStruct(feedView(f.Snapshot()).fields())
}

func (s *NotificationService) MarkAllRead(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	f, err := s.current()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := f.MarkAllRead(ctx); err != nil {
		return nil, toStatus(err)
	}
	return NewStruct(feedView(f.Snapshot()).fields())
}

// WatchNotifications streams the feed now and after every change until the
// client leaves or the user signs out.
func (s *NotificationService) WatchNotifications(_ *structpb.Struct, stream grpc.ServerStream) error {
	sess, err := s.ids.RequireProfile()
	if err != nil {
		return toStatus(err)
	}
	f, err := s.ctrl.Load(sess.ProfileID)
	if err != nil {
		return toStatus(err)
	}
	defer f.Close()

	var authEvents <-chan bus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(bus.KindAuthChanged, 4)
		defer unsub()
		authEvents = ch
	}

	send := func() error {
		out, err := NewStruct(feedView(f.Snapshot()).fields())
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
		case <-authEvents:
			cur, err := s.ids.RequireProfile()
			if err != nil || cur.ProfileID != sess.ProfileID {
				return grpcstatus.Error(codes.Unauthenticated, "Please sign in again.")
			}
			continue
		case <-f.Changed():
		}
		if err := send(); err != nil {
			return err
		}
	}
}

// Close releases the held feed.
func (s *NotificationService) Close() {
	s.mu.Lock()
	f := s.feed
	s.feed = nil
	s.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

func feedView(snap notify.Snapshot) Feed {
	view := Feed{
		Unread: snap.Unread,
		Badge:  notify.BadgeText(snap.Unread),
		Loaded: snap.Loaded,
		Stale:  snap.Stale,
	}
	if snap.Err != nil {
		view.Error = apperr.Notice(snap.Err)
	}
	for _, n := range snap.Items {
		view.Items = append(view.Items, Notification{
			ID:          n.ID,
			Kind:        n.Kind,
			Title:       n.Title,
			Message:     n.Message,
			CreatedAt:   n.CreatedAt,
			Read:        n.Read,
			Destination: n.Destination(),
		})
	}
	return view
}
