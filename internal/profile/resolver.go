// Package profile resolves user profiles for display.
package profile

import (
	"context"
	"strings"

	"github.com/matheus3301/campus/internal/gateway"
	"go.uber.org/zap"
)

// Placeholder is the display name used when a profile is missing or has no
// name.
const Placeholder = "User"

// Key is the profiles column a lookup is keyed on.
type Key string

const (
	ByID     Key = "id"
	ByUserID Key = "user_id"
)

// Profile is a display identity.
type Profile struct {
	ID          string
	UserID      string
	FullName    string
	AvatarURL   string
	Placeholder bool
}

// DisplayName returns the name to show, falling back to Placeholder.
func (p Profile) DisplayName() string {
	if p.FullName == "" {
		return Placeholder
	}
	return p.FullName
}

// Initials returns up to two uppercase initials, or "U".
func (p Profile) Initials() string {
	fields := strings.Fields(p.FullName)
	if len(fields) == 0 {
		return "U"
	}
	var b strings.Builder
	for _, f := range fields {
		if b.Len() >= 2 {
			break
		}
		b.WriteString(strings.ToUpper(string([]rune(f)[:1])))
	}
	return b.String()
}

// Resolver loads profiles in batches.
type Resolver struct {
	store  gateway.Store
	logger *zap.Logger
}

func NewResolver(s gateway.Store, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: s, logger: logger}
}

// Resolve returns a profile for every non-empty id using at most one fetch.
// Ids with no matching row map to a placeholder profile.
func (r *Resolver) Resolve(ctx context.Context, key Key, ids []string) (map[string]Profile, error) {
	seen := make(map[string]struct{}, len(ids))
	distinct := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}
	out := make(map[string]Profile, len(distinct))
	if len(distinct) == 0 {
		return out, nil
	}

	rows, err := r.store.Fetch(ctx, gateway.Query{
		Table:   "profiles",
		Filters: []gateway.Filter{gateway.InFilter(string(key), distinct)},
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		p := fromRow(row)
		k, _ := row.String(string(key))
		out[k] = p
	}
	missing := 0
	for _, id := range distinct {
		if _, ok := out[id]; !ok {
			out[id] = Profile{ID: id, Placeholder: true}
			missing++
		}
	}
	if missing > 0 {
		r.logger.Debug("profiles not found, using placeholder",
			zap.String("key", string(key)), zap.Int("missing", missing))
	}
	return out, nil
}

func fromRow(row gateway.Row) Profile {
	var p Profile
	p.ID, _ = row.String("id")
	p.UserID, _ = row.String("user_id")
	p.FullName, _ = row.String("full_name")
	p.AvatarURL, _ = row.String("avatar_url")
	return p
}
