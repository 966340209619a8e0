// Package phoenix is a client for the hosted backend's realtime websocket,
// which speaks the Phoenix channels protocol and pushes postgres_changes
// events for joined topics.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/realtime"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeat   = 25 * time.Second
	DefaultJoinTimeout = 10 * time.Second
	writeTimeout       = 10 * time.Second
)

// Config configures a Socket.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/realtime/v1/websocket.
	URL         string
	APIKey      string
	Token       func() string
	Heartbeat   time.Duration
	JoinTimeout time.Duration
}

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	err      error
}

type channel struct {
	topic   gateway.Topic
	handler gateway.Handler
	live    *gateway.Live
}

// Socket multiplexes realtime channels over one websocket connection. The
// connection is dialled on the first Subscribe and closed when the last
// channel leaves. A read failure or missed heartbeat fails every channel.
type Socket struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	stop     chan struct{}
	ref      uint64
	hbRef    string
	closed   bool
	channels map[string]*channel
	replies  map[string]chan reply

	wmu sync.Mutex
}

// New creates a socket. Nothing is dialled until Subscribe.
func New(cfg Config, logger *zap.Logger) *Socket {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.JoinTimeout},
		logger:   logger,
		channels: make(map[string]*channel),
		replies:  make(map[string]chan reply),
	}
}

var _ gateway.Feed = (*Socket)(nil)

func (s *Socket) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if s.cfg.APIKey != "" {
		q.Set("apikey", s.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) nextRefLocked() string {
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperr.Wrap(apperr.Auth, "dial realtime", err)
		}
		return nil, apperr.Wrap(apperr.Network, "dial realtime", err)
	}
	s.conn = conn
	s.stop = make(chan struct{})
	s.hbRef = ""
	go s.readLoop(conn)
	go s.heartbeatLoop(conn, s.stop)
	s.logger.Info("realtime socket connected", zap.String("url", s.cfg.URL))
	return conn, nil
}

// Subscribe implements gateway.Feed. It returns once the server replied ok
// to the join.
func (s *Socket) Subscribe(ctx context.Context, topic gateway.Topic, h gateway.Handler) (gateway.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	conn, err := s.connectLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ref := s.nextRefLocked()
	phxTopic := fmt.Sprintf("realtime:%s:%s", topic.Table, ref)
	replyCh := make(chan reply, 1)
	ch := &channel{topic: topic, handler: h}
	ch.live = gateway.NewLive(func() { s.leave(phxTopic) })
	s.channels[phxTopic] = ch
	s.replies[ref] = replyCh
	s.mu.Unlock()

	payload, err := s.joinPayload(topic)
	if err != nil {
		s.leave(phxTopic)
		return nil, err
	}
	join := message{Topic: phxTopic, Event: "phx_join", Payload: payload, Ref: ref, JoinRef: ref}
	if err := s.write(conn, join); err != nil {
		s.leave(phxTopic)
		return nil, apperr.Wrap(apperr.Network, "join "+topic.Name(), err)
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case r := <-replyCh:
		if r.err != nil {
			return nil, r.err
		}
		if r.Status != "ok" {
			s.leave(phxTopic)
			return nil, joinError(topic, r)
		}
	case <-timer.C:
		s.leave(phxTopic)
		return nil, apperr.Networkf("join "+topic.Name(), "no reply within %s", s.cfg.JoinTimeout)
	case <-ctx.Done():
		s.leave(phxTopic)
		return nil, apperr.Wrap(apperr.Network, "join "+topic.Name(), ctx.Err())
	}
	s.logger.Debug("realtime channel joined", zap.String("topic", phxTopic), zap.String("filter", topic.Name()))
	return ch.live, nil
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (s *Socket) joinPayload(topic gateway.Topic) (json.RawMessage, error) {
	event := string(topic.Event)
	if event == "" {
		event = string(gateway.All)
	}
	f := changeFilter{Event: event, Schema: "public", Table: topic.Table}
	if topic.Filter != nil {
		f.Filter = topic.Filter.String()
	}
	body := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []changeFilter{f},
		},
	}
	if s.cfg.Token != nil {
		if tok := s.cfg.Token(); tok != "" {
			body["access_token"] = tok
		}
	}
	return json.Marshal(body)
}

func joinError(topic gateway.Topic, r reply) error {
	var resp struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(r.Response, &resp)
	reason := resp.Reason
	if reason == "" {
		reason = r.Status
	}
	op := "join " + topic.Name()
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "token") || strings.Contains(lower, "unauthorized") {
		return apperr.New(apperr.Auth, op, reason)
	}
	return apperr.New(apperr.Query, op, reason)
}

// leave forgets a channel, tells the server and closes the socket when no
// channel is left.
func (s *Socket) leave(phxTopic string) {
	s.mu.Lock()
	_, known := s.channels[phxTopic]
	delete(s.channels, phxTopic)
	for ref := range s.replies {
		if strings.HasSuffix(phxTopic, ":"+ref) {
			delete(s.replies, ref)
		}
	}
	conn := s.conn
	idle := conn != nil && len(s.channels) == 0
	var ref string
	if conn != nil && known {
		ref = s.nextRefLocked()
	}
	if idle {
		s.conn = nil
		close(s.stop)
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if known {
		_ = s.write(conn, message{Topic: phxTopic, Event: "phx_leave", Payload: json.RawMessage("{}"), Ref: ref})
	}
	if idle {
		s.shutdown(conn)
		s.logger.Debug("realtime socket idle, closed")
	}
}

func (s *Socket) shutdown(conn *websocket.Conn) {
	s.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()
	_ = conn.Close()
}

func (s *Socket) write(conn *websocket.Conn, msg message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			s.drop(conn, err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Socket) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		if s.hbRef != "" {
			s.mu.Unlock()
			s.drop(conn, errHeartbeat)
			return
		}
		ref := s.nextRefLocked()
		s.hbRef = ref
		s.mu.Unlock()
		if err := s.write(conn, message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage("{}"), Ref: ref}); err != nil {
			s.drop(conn, err)
			return
		}
	}
}

var errHeartbeat = errors.New("heartbeat not acknowledged")

// drop tears down conn after a transport failure. Failures of a connection
// that was already replaced or closed are ignored.
func (s *Socket) drop(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = nil
	close(s.stop)
	channels := s.channels
	replies := s.replies
	s.channels = make(map[string]*channel)
	s.replies = make(map[string]chan reply)
	s.mu.Unlock()

	_ = conn.Close()
	err := apperr.Wrap(apperr.Network, "realtime socket", cause)
	for _, r := range replies {
		r <- reply{err: err}
	}
	for _, ch := range channels {
		ch.live.Fail(err)
	}
	s.logger.Warn("realtime socket dropped", zap.Int("channels", len(channels)), zap.Error(cause))
}

type changePayload struct {
	Data struct {
		Table           string      `json:"table"`
		Type            string      `json:"type"`
		CommitTimestamp string      `json:"commit_timestamp"`
		Record          gateway.Row `json:"record"`
		OldRecord       gateway.Row `json:"old_record"`
	} `json:"data"`
}

func (s *Socket) dispatch(msg message) {
	if msg.Topic == "phoenix" {
		s.mu.Lock()
		if msg.Ref == s.hbRef {
			s.hbRef = ""
		}
		s.mu.Unlock()
		return
	}

	switch msg.Event {
	case "phx_reply":
		s.mu.Lock()
		r, ok := s.replies[msg.Ref]
		delete(s.replies, msg.Ref)
		s.mu.Unlock()
		if !ok {
			return
		}
		var rp reply
		if err := json.Unmarshal(msg.Payload, &rp); err != nil {
			rp = reply{err: apperr.Wrap(apperr.Query, "decode join reply", err)}
		}
		r <- rp

	case "postgres_changes":
		s.mu.Lock()
		ch, ok := s.channels[msg.Topic]
		s.mu.Unlock()
		if !ok {
			return
		}
		var p changePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.logger.Warn("discarding malformed change event", zap.String("topic", msg.Topic), zap.Error(err))
			return
		}
		evt := gateway.ChangeEvent{
			Table: p.Data.Table,
			Type:  gateway.EventType(p.Data.Type),
			New:   p.Data.Record,
			Old:   p.Data.OldRecord,
		}
		if ts, ok := gateway.ParseTime(p.Data.CommitTimestamp); ok {
			evt.CommitAt = ts
		}
		if ch.topic.Matches(evt) {
			ch.handler(evt)
		}

	case "phx_error", "phx_close":
		s.mu.Lock()
		ch, ok := s.channels[msg.Topic]
		delete(s.channels, msg.Topic)
		s.mu.Unlock()
		if ok {
			ch.live.Fail(apperr.Networkf("realtime channel", "%s from server", msg.Event))
		}

	case "system":
		var p struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Status != "error" {
			return
		}
		s.mu.Lock()
		ch, ok := s.channels[msg.Topic]
		delete(s.channels, msg.Topic)
		s.mu.Unlock()
		if ok {
			ch.live.Fail(apperr.New(apperr.Query, "realtime channel", p.Message))
		}
	}
}

// Close leaves every channel and closes the connection. Subscribe fails
// afterwards.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	if conn != nil {
		close(s.stop)
	}
	channels := s.channels
	s.channels = make(map[string]*channel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.live.Fail(realtime.ErrClosed)
	}
	if conn != nil {
		s.shutdown(conn)
	}
	return nil
}
