package api

import (
	"context"
	"errors"

	"github.com/matheus3301/campus/internal/apperr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindCodes = map[apperr.Kind]codes.Code{
	apperr.Network:    codes.Unavailable,
	apperr.Auth:       codes.Unauthenticated,
	apperr.Validation: codes.InvalidArgument,
	apperr.Conflict:   codes.AlreadyExists,
	apperr.Query:      codes.Internal,
}

// toStatus turns a classified failure into a gRPC status whose message is
// the notice the front end shows.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	code, ok := kindCodes[apperr.KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, apperr.Notice(err))
}

// RemoteError is a daemon failure seen by a client. It unwraps to the
// classified error and keeps the daemon's notice.
type RemoteError struct {
	Err *apperr.Error
}

func (e *RemoteError) Error() string  { return e.Err.Error() }
func (e *RemoteError) Unwrap() error  { return e.Err }
func (e *RemoteError) Notice() string { return e.Err.Message }

// FromStatus classifies an error returned by a daemon call.
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return apperr.Wrap(apperr.KindOf(err), op, err)
	}
	var kind apperr.Kind
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
		kind = apperr.Network
	case codes.Unauthenticated:
		kind = apperr.Auth
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition:
		kind = apperr.Validation
	case codes.AlreadyExists:
		kind = apperr.Conflict
	default:
		kind = apperr.Query
	}
	return &RemoteError{Err: &apperr.Error{Kind: kind, Op: op, Message: st.Message()}}
}
