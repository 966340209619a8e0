package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/client"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/lock"
	"github.com/matheus3301/campus/internal/session"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/fx/fxtest"
)

// startDaemon runs the full fx application for session "test" under a
// temporary CAMPUS_HOME and returns a connected client.
func startDaemon(t *testing.T) (*client.Client, string) {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	home, err := os.MkdirTemp("/tmp", "campus-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(session.HomeEnv, home)
	for _, k := range []string{"CAMPUS_BACKEND_MODE", "CAMPUS_REALTIME_DRIVER", "CAMPUS_JWT_SECRET", "CAMPUS_ACCESS_TOKEN", "CAMPUS_DB_PATH"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}

	app := fxtest.New(t, Module(Params{SessionName: "test"}))
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	c, err := client.New(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, home
}

func seedProfile(t *testing.T, userID, profileID, name string) {
	t.Helper()
	db, err := store.Open(session.DBPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	row := gateway.Row{"id": profileID, "user_id": userID, "full_name": name}
	if _, err := store.NewBackend(db, nil, nil).Insert(context.Background(), "profiles", row); err != nil {
		t.Fatal(err)
	}
}

func unsignedToken(t *testing.T, sub string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("any"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestDaemonLifecycle(t *testing.T) {
	c, home := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Session != "test" {
		t.Errorf("session = %q, want test", st.Session)
	}
	if st.State != "SIGNED_OUT" {
		t.Errorf("state = %s, want SIGNED_OUT", st.State)
	}
	if st.Backend != "local" || st.Realtime != "inproc" {
		t.Errorf("backend = %s/%s, want local/inproc", st.Backend, st.Realtime)
	}

	// The socket is private to the user.
	info, err := os.Stat(filepath.Join(home, "sessions", "test", "daemon.sock"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	// Features refuse to run signed out.
	if _, err := c.JoinRide(ctx, "ride-1", ""); !errors.Is(err, apperr.ErrAuth) {
		t.Errorf("JoinRide signed out error = %v, want auth", err)
	}

	seedProfile(t, "u-ana", "p-ana", "Ana Souza")
	_, profileID, err := c.SignIn(ctx, unsignedToken(t, "u-ana"))
	if err != nil {
		t.Fatalf("SignIn error = %v", err)
	}
	if profileID != "p-ana" {
		t.Errorf("profile = %q, want p-ana", profileID)
	}

	th, err := c.OpenThread(ctx, "errand", "e-1")
	if err != nil {
		t.Fatalf("OpenThread error = %v", err)
	}
	if !th.Loaded || len(th.Messages) != 0 {
		t.Errorf("thread = %+v, want loaded and empty", th)
	}
	if _, err := c.SendMessage(ctx, "errand", "e-1", "I can pick it up"); err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	th, err = c.ListMessages(ctx, "errand", "e-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(th.Messages) != 1 || th.Messages[0].SenderName != "Ana Souza" {
		t.Errorf("messages = %+v", th.Messages)
	}

	st, err = c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Channels) != 1 || st.Channels[0].Key != "post_chat:errand:e-1" {
		t.Errorf("channels = %+v, want the open errand thread", st.Channels)
	}

	if _, err := c.JoinRide(ctx, "ride-1", "two seats?"); err != nil {
		t.Fatalf("JoinRide error = %v", err)
	}
	_, err = c.JoinRide(ctx, "ride-1", "")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second JoinRide error = %v, want conflict", err)
	}
	if got := apperr.Notice(err); got != "Already requested" {
		t.Errorf("notice = %q, want Already requested", got)
	}

	if err := c.CloseThread(ctx, "errand", "e-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestSecondDaemonIsRefused guards the single-instance rule: while one
// daemon holds the session, another cannot take its lock.
func TestSecondDaemonIsRefused(t *testing.T) {
	startDaemon(t)

	_, err := lock.Acquire(session.Dir("test"), session.SocketPath("test"))
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("Acquire error = %v, want *lock.HeldError", err)
	}
	if held.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.Holder.PID, os.Getpid())
	}
	if held.Holder.Socket != session.SocketPath("test") {
		t.Errorf("holder socket = %q", held.Holder.Socket)
	}
}

func TestBackendClosesInReverseOrder(t *testing.T) {
	var order []string
	b := &Backend{closers: []func() error{
		func() error { order = append(order, "db"); return nil },
		func() error { order = append(order, "feed"); return errors.New("boom") },
	}}
	err := b.Close()
	if err == nil {
		t.Error("Close() should report the feed error")
	}
	if len(order) != 2 || order[0] != "feed" || order[1] != "db" {
		t.Errorf("close order = %v, want [feed db]", order)
	}
}

func TestTokenSource(t *testing.T) {
	var ts tokenSource
	if got := ts.Token(); got != "" {
		t.Errorf("Token() before set = %q", got)
	}
	ts.set(func() string { return "jwt" })
	if got := ts.Token(); got != "jwt" {
		t.Errorf("Token() = %q, want jwt", got)
	}
}
