package store

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/mattn/go-sqlite3"
)

// classify maps SQLite failures onto the client's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.Network, op, err)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &apperr.Error{Kind: apperr.Conflict, Op: op, Code: "23505", Err: err}
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return &apperr.Error{Kind: apperr.Validation, Op: op, Code: "23514", Err: err}
		}
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return apperr.Wrap(apperr.Network, op, err)
		}
	}
	if strings.Contains(err.Error(), "no such") {
		return &apperr.Error{Kind: apperr.Query, Op: op, Code: "42P01", Err: err}
	}
	return apperr.Wrap(apperr.Query, op, err)
}
