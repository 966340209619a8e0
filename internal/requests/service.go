// Package requests sends join requests for rides and errands.
package requests

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"github.com/matheus3301/campus/internal/identity"
	"go.uber.org/zap"
)

// DefaultMaxMessageLength bounds the note attached to a request.
const DefaultMaxMessageLength = 140

// AlreadyRequested is the conflict message for a repeated request.
const AlreadyRequested = "Already requested"

// Identity is the signed-in user as seen by requests.
type Identity interface {
	RequireProfile() (*identity.Session, error)
}

// Request is a stored request.
type Request struct {
	ID        string
	EntityID  string
	Requester string
	Message   string
	Status    string
}

type Service struct {
	store     gateway.Store
	ids       Identity
	maxLength int
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewService(s gateway.Store, ids Identity, maxLength int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &Service{
		store:     s,
		ids:       ids,
		maxLength: maxLength,
		validate:  validator.New(),
		logger:    logger,
	}
}

// JoinRide asks to join the ride posted as travelPostID. A second request
// for the same ride fails with a ConflictError reading "Already requested".
func (s *Service) JoinRide(ctx context.Context, travelPostID, message string) (Request, error) {
	const op = "join ride"
	if travelPostID == "" {
		return Request{}, apperr.New(apperr.Validation, op, "ride id is required")
	}
	text, err := s.note(op, message)
	if err != nil {
		return Request{}, err
	}
	sess, err := s.ids.RequireProfile()
	if err != nil {
		return Request{}, err
	}

	row := gateway.Row{
		"travel_post_id": travelPostID,
		"passenger_id":   sess.ProfileID,
	}
	if text != "" {
		row["message"] = text
	}
	inserted, err := s.store.Insert(ctx, "carpool_requests", row)
	if err != nil {
		return Request{}, s.fail(op, travelPostID, err)
	}
	s.logger.Info("ride requested", zap.String("travel_post_id", travelPostID))
	return fromRow(inserted, "travel_post_id", "passenger_id"), nil
}

// RequestErrand offers help with errandID, owned by ownerProfileID.
func (s *Service) RequestErrand(ctx context.Context, errandID, ownerProfileID, message string) (Request, error) {
	const op = "request errand"
	if errandID == "" || ownerProfileID == "" {
		return Request{}, apperr.New(apperr.Validation, op, "errand and owner are required")
	}
	text, err := s.note(op, message)
	if err != nil {
		return Request{}, err
	}
	sess, err := s.ids.RequireProfile()
	if err != nil {
		return Request{}, err
	}
	if sess.ProfileID == ownerProfileID {
		return Request{}, apperr.New(apperr.Validation, op, "You can't request your own errand.")
	}

	row := gateway.Row{
		"entity_type":          "errand",
		"entity_id":            errandID,
		"owner_profile_id":     ownerProfileID,
		"requester_profile_id": sess.ProfileID,
	}
	if text != "" {
		row["message"] = text
	}
	inserted, err := s.store.Insert(ctx, "contact_requests", row)
	if err != nil {
		return Request{}, s.fail(op, errandID, err)
	}
	s.logger.Info("errand requested", zap.String("errand_id", errandID))
	return fromRow(inserted, "entity_id", "requester_profile_id"), nil
}

// note trims and bounds the optional message.
func (s *Service) note(op, message string) (string, error) {
	text := strings.TrimSpace(message)
	if err := s.validate.Var(text, "max="+strconv.Itoa(s.maxLength)); err != nil {
		return "", apperr.Validationf(op, "Message is too long (max %d characters)", s.maxLength)
	}
	return text, nil
}

func (s *Service) fail(op, id string, err error) error {
	if apperr.Is(err, apperr.Conflict) {
		return &apperr.Error{Kind: apperr.Conflict, Op: op, Code: "23505", Message: AlreadyRequested, Err: err}
	}
	s.logger.Warn(op+" failed", zap.String("id", id), zap.Error(err))
	return err
}

func fromRow(row gateway.Row, entityCol, requesterCol string) Request {
	var r Request
	r.ID, _ = row.String("id")
	r.EntityID, _ = row.String(entityCol)
	r.Requester, _ = row.String(requesterCol)
	r.Message, _ = row.String("message")
	r.Status, _ = row.String("status")
	return r
}
