// Package identity tracks the signed-in user and the profile the realtime
// features are keyed on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/status"
	"go.uber.org/zap"
)

// Session is the signed-in user.
type Session struct {
	UserID      string
	Email       string
	ProfileID   string
	FullName    string
	AccessToken string
	ExpiresAt   time.Time
}

// Claims is the access token payload. The subject is the user id.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Change is the payload of bus.KindAuthChanged.
type Change struct {
	UserID    string
	ProfileID string
	SignedIn  bool
}

// Options configures a Provider.
type Options struct {
	Store gateway.Store
	Bus   *bus.Bus
	// Secret verifies HS256 tokens. When empty, tokens are decoded without
	// verification and the hosted backend is trusted to reject bad ones.
	Secret      string
	AuthPath    string
	SessionName string
	Logger      *zap.Logger
}

// Provider signs users in and out.
type Provider struct {
	store    gateway.Store
	bus      *bus.Bus
	secret   []byte
	authPath string
	machine  *status.Machine
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	current *Session
}

func NewProvider(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var secret []byte
	if opts.Secret != "" {
		secret = []byte(opts.Secret)
	}
	return &Provider{
		store:    opts.Store,
		bus:      opts.Bus,
		secret:   secret,
		authPath: opts.AuthPath,
		machine:  status.NewSessionMachine(opts.SessionName, opts.Bus),
		logger:   logger,
		now:      time.Now,
	}
}

// State returns the session state.
func (p *Provider) State() status.State {
	return p.machine.Current()
}

type authFile struct {
	AccessToken string    `toml:"access_token"`
	SavedAt     time.Time `toml:"saved_at"`
}

// Restore signs in with the token saved by a previous run, or with token
// when it is not empty. Without a token the session becomes signed out. A
// rejected saved token is discarded.
func (p *Provider) Restore(ctx context.Context, token string) error {
	if token == "" && p.authPath != "" {
		var f authFile
		_, err := toml.DecodeFile(p.authPath, &f)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			p.logger.Warn("unreadable auth file, ignoring", zap.String("path", p.authPath), zap.Error(err))
		default:
			token = f.AccessToken
		}
	}
	if token == "" {
		p.machine.TransitionIf(status.SignedOut, status.Booting)
		return nil
	}
	_, err := p.SignIn(ctx, token)
	if errors.Is(err, apperr.ErrAuth) {
		p.logger.Info("saved session rejected, signing out", zap.Error(err))
		_ = p.SignOut()
		return nil
	}
	return err
}

// SignIn verifies token, resolves the user's profile and persists the
// token. It replaces any current session.
func (p *Provider) SignIn(ctx context.Context, token string) (*Session, error) {
	claims, err := p.parse(token)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		AccessToken: token,
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}

	// The lookup runs as the new user; the session isn't current yet.
	lookupCtx := gateway.WithToken(gateway.WithUser(ctx, sess.UserID), token)
	rows, err := p.store.Fetch(lookupCtx, gateway.Query{
		Table:   "profiles",
		Filters: []gateway.Filter{gateway.EqFilter("user_id", sess.UserID)},
		Limit:   1,
	})
	if err != nil {
		if apperr.Is(err, apperr.Network) {
			p.fail()
		}
		return nil, err
	}
	if len(rows) > 0 {
		sess.ProfileID, _ = rows[0].String("id")
		sess.FullName, _ = rows[0].String("full_name")
	} else {
		p.logger.Warn("signed-in user has no profile; chat and notifications are unavailable",
			zap.String("user_id", sess.UserID))
	}

	if err := p.persist(token); err != nil {
		p.logger.Warn("could not save session", zap.Error(err))
	}

	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()

	if p.machine.Current() == status.Error {
		_ = p.machine.Transition(status.Booting)
	}
	p.machine.TransitionIf(status.Ready, status.Booting, status.SignedOut)
	p.emit(Change{UserID: sess.UserID, ProfileID: sess.ProfileID, SignedIn: true})
	p.logger.Info("signed in",
		zap.String("user_id", sess.UserID),
		zap.String("profile_id", sess.ProfileID),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

func (p *Provider) fail() {
	if p.machine.Current() == status.Booting {
		_ = p.machine.Transition(status.Error)
	}
}

func (p *Provider) parse(token string) (*Claims, error) {
	const op = "sign in"
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(p.now)}
	var err error
	if p.secret != nil {
		_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return p.secret, nil
		}, opts...)
	} else {
		_, _, err = jwt.NewParser(opts...).ParseUnverified(token, claims)
		if err == nil && claims.ExpiresAt != nil && !p.now().Before(claims.ExpiresAt.Time) {
			err = jwt.ErrTokenExpired
		}
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperr.New(apperr.Auth, op, "session expired")
	case err != nil:
		return nil, &apperr.Error{Kind: apperr.Auth, Op: op, Message: "invalid access token", Err: err}
	case claims.Subject == "":
		return nil, apperr.New(apperr.Auth, op, "access token has no subject")
	}
	return claims, nil
}

func (p *Provider) persist(token string) error {
	if p.authPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.authPath), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(p.authPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(authFile{AccessToken: token, SavedAt: p.now().UTC()})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SignOut forgets the session and the saved token.
func (p *Provider) SignOut() error {
	p.mu.Lock()
	prev := p.current
	p.current = nil
	p.mu.Unlock()

	if p.authPath != "" {
		if err := os.Remove(p.authPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	p.machine.TransitionIf(status.SignedOut, status.Booting, status.Ready, status.Error)
	if prev != nil {
		p.emit(Change{UserID: prev.UserID, ProfileID: prev.ProfileID})
		p.logger.Info("signed out", zap.String("user_id", prev.UserID))
	}
	return nil
}

func (p *Provider) emit(c Change) {
	if p.bus != nil {
		p.bus.Emit(bus.KindAuthChanged, c)
	}
}

// Current returns the signed-in session.
func (p *Provider) Current() (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil, false
	}
	s := *p.current
	return &s, true
}

// Require returns the session or an AuthError when nobody is signed in or
// the token has expired.
func (p *Provider) Require() (*Session, error) {
	s, ok := p.Current()
	if !ok {
		return nil, apperr.New(apperr.Auth, "session", "not signed in")
	}
	if !s.ExpiresAt.IsZero() && !p.now().Before(s.ExpiresAt) {
		return nil, apperr.New(apperr.Auth, "session", "session expired")
	}
	return s, nil
}

// RequireProfile is Require for features keyed on the user's profile.
func (p *Provider) RequireProfile() (*Session, error) {
	s, err := p.Require()
	if err != nil {
		return nil, err
	}
	if s.ProfileID == "" {
		return nil, apperr.New(apperr.Auth, "session", "account has no profile")
	}
	return s, nil
}

// Token returns the current access token or "".
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return ""
	}
	return p.current.AccessToken
}

// IsAdmin reports whether the user administers at least one campus.
func (p *Provider) IsAdmin(ctx context.Context) (bool, error) {
	s, err := p.Require()
	if err != nil {
		return false, err
	}
	out, err := p.store.Call(gateway.WithUser(ctx, s.UserID), "admin_accessible_campuses", nil)
	if err != nil {
		return false, err
	}
	list, _ := out.([]any)
	return len(list) > 0, nil
}
