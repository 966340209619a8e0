package api

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Wire views of the daemon's state. Every message on the wire is a
// google.protobuf.Struct; these types name its fields.

// Message is a chat message as sent to front ends.
type Message struct {
	ID             string
	ClientID       string
	CreatedAt      time.Time
	SenderID       string
	SenderName     string
	SenderInitials string
	SenderAvatar   string
	Body           string
	Pending        bool
}

// Thread is a snapshot of one chat thread.
type Thread struct {
	EntityType string
	EntityID   string
	Messages   []Message
	Loaded     bool
	Stale      bool
	Error      string
	Draft      string
}

type Notification struct {
	ID          string
	Kind        string
	Title       string
	Message     string
	CreatedAt   time.Time
	Read        bool
	Destination string
}

// Feed is a snapshot of the notification feed.
type Feed struct {
	Items  []Notification
	Unread int
	Badge  string
	Loaded bool
	Stale  bool
	Error  string
}

// Channel is the state of one realtime channel.
type Channel struct {
	Key      string
	State    string
	Since    time.Time
	Refs     int
	Events   int
	Failures int
	Polling  bool
}

// Status describes the daemon.
type Status struct {
	Session   string
	State     string
	Backend   string
	Realtime  string
	UserID    string
	ProfileID string
	FullName  string
	UptimeMS  int64
	Channels  []Channel
}

// Request is a join request.
type Request struct {
	ID       string
	EntityID string
	Message  string
	Status   string
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) any {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func (m Message) fields() map[string]any {
	return map[string]any{
		"id":              m.ID,
		"client_id":       m.ClientID,
		"created_at":      encodeTime(m.CreatedAt),
		"sender_id":       m.SenderID,
		"sender_name":     m.SenderName,
		"sender_initials": m.SenderInitials,
		"sender_avatar":   m.SenderAvatar,
		"body":            m.Body,
		"pending":         m.Pending,
	}
}

// DecodeMessage reads a chat message.
func DecodeMessage(s *structpb.Struct) Message {
	return Message{
		ID:             str(s, "id"),
		ClientID:       str(s, "client_id"),
		CreatedAt:      decodeTime(str(s, "created_at")),
		SenderID:       str(s, "sender_id"),
		SenderName:     str(s, "sender_name"),
		SenderInitials: str(s, "sender_initials"),
		SenderAvatar:   str(s, "sender_avatar"),
		Body:           str(s, "body"),
		Pending:        boolean(s, "pending"),
	}
}

func (t Thread) fields() map[string]any {
	msgs := make([]any, len(t.Messages))
	for i, m := range t.Messages {
		msgs[i] = m.fields()
	}
	return map[string]any{
		"entity_type": t.EntityType,
		"entity_id":   t.EntityID,
		"messages":    msgs,
		"loaded":      t.Loaded,
		"stale":       t.Stale,
		"error":       t.Error,
		"draft":       t.Draft,
	}
}

// DecodeThread reads a thread snapshot.
func DecodeThread(s *structpb.Struct) Thread {
	t := Thread{
		EntityType: str(s, "entity_type"),
		EntityID:   str(s, "entity_id"),
		Loaded:     boolean(s, "loaded"),
		Stale:      boolean(s, "stale"),
		Error:      str(s, "error"),
		Draft:      str(s, "draft"),
	}
	for _, v := range list(s, "messages") {
		t.Messages = append(t.Messages, DecodeMessage(v))
	}
	return t
}

func (n Notification) fields() map[string]any {
	return map[string]any{
		"id":          n.ID,
		"kind":        n.Kind,
		"title":       n.Title,
		"message":     n.Message,
		"created_at":  encodeTime(n.CreatedAt),
		"read":        n.Read,
		"destination": n.Destination,
	}
}

func (f Feed) fields() map[string]any {
	items := make([]any, len(f.Items))
	for i, n := range f.Items {
		items[i] = n.fields()
	}
	return map[string]any{
		"items":  items,
		"unread": f.Unread,
		"badge":  f.Badge,
		"loaded": f.Loaded,
		"stale":  f.Stale,
		"error":  f.Error,
	}
}

// DecodeFeed reads a feed snapshot.
func DecodeFeed(s *structpb.Struct) Feed {
	f := Feed{
		Unread: num(s, "unread"),
		Badge:  str(s, "badge"),
		Loaded: boolean(s, "loaded"),
		Stale:  boolean(s, "stale"),
		Error:  str(s, "error"),
	}
	for _, v := range list(s, "items") {
		f.Items = append(f.Items, Notification{
			ID:          str(v, "id"),
			Kind:        str(v, "kind"),
			Title:       str(v, "title"),
			Message:     str(v, "message"),
			CreatedAt:   decodeTime(str(v, "created_at")),
			Read:        boolean(v, "read"),
			Destination: str(v, "destination"),
		})
	}
	return f
}

func (st Status) fields() map[string]any {
	chans := make([]any, len(st.Channels))
	for i, c := range st.Channels {
		chans[i] = map[string]any{
			"key":      c.Key,
			"state":    c.State,
			"since":    encodeTime(c.Since),
			"refs":     c.Refs,
			"events":   c.Events,
			"failures": c.Failures,
			"polling":  c.Polling,
		}
	}
	return map[string]any{
		"session":    st.Session,
		"state":      st.State,
		"backend":    st.Backend,
		"realtime":   st.Realtime,
		"user_id":    st.UserID,
		"profile_id": st.ProfileID,
		"full_name":  st.FullName,
		"uptime_ms":  st.UptimeMS,
		"channels":   chans,
	}
}

// DecodeStatus reads a daemon status.
func DecodeStatus(s *structpb.Struct) Status {
	st := Status{
		Session:   str(s, "session"),
		State:     str(s, "state"),
		Backend:   str(s, "backend"),
		Realtime:  str(s, "realtime"),
		UserID:    str(s, "user_id"),
		ProfileID: str(s, "profile_id"),
		FullName:  str(s, "full_name"),
		UptimeMS:  int64(num(s, "uptime_ms")),
	}
	for _, c := range list(s, "channels") {
		st.Channels = append(st.Channels, Channel{
			Key:      str(c, "key"),
			State:    str(c, "state"),
			Since:    decodeTime(str(c, "since")),
			Refs:     num(c, "refs"),
			Events:   num(c, "events"),
			Failures: num(c, "failures"),
			Polling:  boolean(c, "polling"),
		})
	}
	return st
}

func (r Request) fields() map[string]any {
	return map[string]any{
		"id":        r.ID,
		"entity_id": r.EntityID,
		"message":   r.Message,
		"status":    r.Status,
	}
}

// DecodeRequest reads a join request.
func DecodeRequest(s *structpb.Struct) Request {
	return Request{
		ID:       str(s, "id"),
		EntityID: str(s, "entity_id"),
		Message:  str(s, "message"),
		Status:   str(s, "status"),
	}
}

// NewStruct builds a request or response message.
func NewStruct(fields map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(fields)
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func num(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func list(s *structpb.Struct, key string) []*structpb.Struct {
	values := s.GetFields()[key].GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(values))
	for _, v := range values {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}
