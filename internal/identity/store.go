package identity

import (
	"context"

	"github.com/matheus3301/campus/internal/gateway"
)

// Store attaches the signed-in user to every call so backends that cannot
// read a bearer token still know the caller.
type Store struct {
	gateway.Store
	p *Provider
}

// Authorized wraps s.
func Authorized(s gateway.Store, p *Provider) *Store {
	return &Store{Store: s, p: p}
}

func (s *Store) ctx(ctx context.Context) context.Context {
	if _, ok := gateway.UserFrom(ctx); ok {
		return ctx
	}
	if sess, ok := s.p.Current(); ok {
		return gateway.WithUser(ctx, sess.UserID)
	}
	return ctx
}

func (s *Store) Fetch(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	return s.Store.Fetch(s.ctx(ctx), q)
}

func (s *Store) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	return s.Store.Insert(s.ctx(ctx), table, row)
}

func (s *Store) Update(ctx context.Context, table string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	return s.Store.Update(s.ctx(ctx), table, filters, patch)
}

func (s *Store) Delete(ctx context.Context, table string, filters []gateway.Filter) error {
	return s.Store.Delete(s.ctx(ctx), table, filters)
}

func (s *Store) Call(ctx context.Context, fn string, args gateway.Row) (any, error) {
	return s.Store.Call(s.ctx(ctx), fn, args)
}
