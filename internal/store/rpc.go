package store

import (
	"context"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
)

// Call implements gateway.Store for the server-side functions the client
// relies on. The caller is taken from ctx (gateway.WithUser).
func (b *Backend) Call(ctx context.Context, fn string, args gateway.Row) (any, error) {
	op := "rpc " + fn
	userID, ok := gateway.UserFrom(ctx)
	if !ok {
		return nil, apperr.Authf(op, "no signed-in user")
	}
	switch fn {
	case "has_role":
		role, ok := args.String("role")
		if !ok || role == "" {
			return nil, apperr.Validationf(op, "role is required")
		}
		var n int
		err := b.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM user_roles WHERE user_id = ? AND role = ?`, userID, role).Scan(&n)
		if err != nil {
			return nil, classify(op, err)
		}
		return n > 0, nil

	case "admin_accessible_campuses":
		rows, err := b.db.QueryContext(ctx, `
			SELECT DISTINCT COALESCE(campus_id, '') FROM user_roles
			WHERE user_id = ? AND role = 'admin'`, userID)
		if err != nil {
			return nil, classify(op, err)
		}
		defer func() { _ = rows.Close() }()
		campuses := []any{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, classify(op, err)
			}
			campuses = append(campuses, gateway.Row{"campus_id": id})
		}
		if err := rows.Err(); err != nil {
			return nil, classify(op, err)
		}
		return campuses, nil
	}
	return nil, &apperr.Error{Kind: apperr.Query, Op: op, Code: "42883", Message: "function does not exist"}
}
