package api

import (
	"context"

	"github.com/matheus3301/campus/internal/requests"
	"google.golang.org/protobuf/types/known/structpb"
)

// RequestService implements campus.v1.RequestService.
type RequestService struct {
	svc *requests.Service
}

func NewRequestService(svc *requests.Service) *RequestService {
	return &RequestService{svc: svc}
}

func (s *RequestService) JoinRide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.svc.JoinRide(ctx, str(in, "travel_post_id"), str(in, "message"))
	if err != nil {
		return nil, toStatus(err)
	}
	return NewStruct(requestView(req).fields())
}

func (s *RequestService) RequestErrand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.svc.RequestErrand(ctx, str(in, "errand_id"), str(in, "owner_profile_id"), str(in, "message"))
	if err != nil {
		return nil, toStatus(err)
	}
	return NewStruct(requestView(req).fields())
}

func requestView(r requests.Request) Request {
	return Request{ID: r.ID, EntityID: r.EntityID, Message: r.Message, Status: r.Status}
}
