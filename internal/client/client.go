// Package client talks to a running campusd over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/campus/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := api.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.Method(service, method), in, out); err != nil {
		return nil, api.FromStatus(method, err)
	}
	return out, nil
}

// watch opens a server stream and calls fn with every message until the
// stream ends or fn fails.
func (c *Client) watch(ctx context.Context, desc *grpc.StreamDesc, service string, fields map[string]any, fn func(*structpb.Struct) error) error {
	in, err := api.NewStruct(fields)
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, desc, api.Method(service, desc.StreamName))
	if err != nil {
		return api.FromStatus(desc.StreamName, err)
	}
	if err := stream.SendMsg(in); err != nil {
		return api.FromStatus(desc.StreamName, err)
	}
	if err := stream.CloseSend(); err != nil {
		return api.FromStatus(desc.StreamName, err)
	}
	for {
		out := new(structpb.Struct)
		err := stream.RecvMsg(out)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return api.FromStatus(desc.StreamName, err)
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}

func (c *Client) Status(ctx context.Context) (api.Status, error) {
	out, err := c.invoke(ctx, api.SessionServiceName, "GetStatus", nil)
	if err != nil {
		return api.Status{}, err
	}
	return api.DecodeStatus(out), nil
}

// SignIn hands the daemon an access token. It returns the resolved profile
// id, empty when the account has none.
func (c *Client) SignIn(ctx context.Context, token string) (userID, profileID string, err error) {
	out, err := c.invoke(ctx, api.SessionServiceName, "SignIn", map[string]any{"access_token": token})
	if err != nil {
		return "", "", err
	}
	f := out.GetFields()
	return f["user_id"].GetStringValue(), f["profile_id"].GetStringValue(), nil
}

func (c *Client) SignOut(ctx context.Context) error {
	_, err := c.invoke(ctx, api.SessionServiceName, "SignOut", nil)
	return err
}

// RetryChannel asks a reconnecting or failed channel to connect now.
func (c *Client) RetryChannel(ctx context.Context, key string) error {
	_, err := c.invoke(ctx, api.SessionServiceName, "RetryChannel", map[string]any{"key": key})
	return err
}

func threadFields(entityType, entityID string) map[string]any {
	return map[string]any{"entity_type": entityType, "entity_id": entityID}
}

// OpenThread opens a thread and waits for its first load.
func (c *Client) OpenThread(ctx context.Context, entityType, entityID string) (api.Thread, error) {
	out, err := c.invoke(ctx, api.ChatServiceName, "OpenThread", threadFields(entityType, entityID))
	if err != nil {
		return api.Thread{}, err
	}
	return api.DecodeThread(out), nil
}

// ListMessages returns the thread, reloading it first when refetch is set.
func (c *Client) ListMessages(ctx context.Context, entityType, entityID string, refetch bool) (api.Thread, error) {
	fields := threadFields(entityType, entityID)
	fields["refetch"] = refetch
	out, err := c.invoke(ctx, api.ChatServiceName, "ListMessages", fields)
	if err != nil {
		return api.Thread{}, err
	}
	return api.DecodeThread(out), nil
}

func (c *Client) SendMessage(ctx context.Context, entityType, entityID, body string) (api.Message, error) {
	fields := threadFields(entityType, entityID)
	fields["body"] = body
	out, err := c.invoke(ctx, api.ChatServiceName, "SendMessage", fields)
	if err != nil {
		return api.Message{}, err
	}
	return api.DecodeMessage(out), nil
}

func (c *Client) CloseThread(ctx context.Context, entityType, entityID string) error {
	_, err := c.invoke(ctx, api.ChatServiceName, "CloseThread", threadFields(entityType, entityID))
	return err
}

// WatchThread calls fn with the thread now and after every change.
func (c *Client) WatchThread(ctx context.Context, entityType, entityID string, fn func(api.Thread) error) error {
	return c.watch(ctx, &api.ChatServiceDesc.Streams[0], api.ChatServiceName, threadFields(entityType, entityID),
		func(s *structpb.Struct) error { return fn(api.DecodeThread(s)) })
}

func (c *Client) ListNotifications(ctx context.Context, refetch bool) (api.Feed, error) {
	out, err := c.invoke(ctx, api.NotificationServiceName, "ListNotifications", map[string]any{"refetch": refetch})
	if err != nil {
		return api.Feed{}, err
	}
	return api.DecodeFeed(out), nil
}

func (c *Client) MarkRead(ctx context.Context, id string) (api.Feed, error) {
	out, err := c.invoke(ctx, api.NotificationServiceName, "MarkRead", map[string]any{"id": id})
	if err != nil {
		return api.Feed{}, err
	}
	return api.DecodeFeed(out), nil
}

func (c *Client) MarkAllRead(ctx context.Context) (api.Feed, error) {
	out, err := c.invoke(ctx, api.NotificationServiceName, "MarkAllRead", nil)
	if err != nil {
		return api.Feed{}, err
	}
	return api.DecodeFeed(out), nil
}

// WatchNotifications calls fn with the feed now and after every change.
func (c *Client) WatchNotifications(ctx context.Context, fn func(api.Feed) error) error {
	return c.watch(ctx, &api.NotificationServiceDesc.Streams[0], api.NotificationServiceName, nil,
		func(s *structpb.Struct) error { return fn(api.DecodeFeed(s)) })
}

func (c *Client) JoinRide(ctx context.Context, travelPostID, message string) (api.Request, error) {
	out, err := c.invoke(ctx, api.RequestServiceName, "JoinRide", map[string]any{
		"travel_post_id": travelPostID,
		"message":        message,
	})
	if err != nil {
		return api.Request{}, err
	}
	return api.DecodeRequest(out), nil
}

func (c *Client) RequestErrand(ctx context.Context, errandID, ownerProfileID, message string) (api.Request, error) {
	out, err := c.invoke(ctx, api.RequestServiceName, "RequestErrand", map[string]any{
		"errand_id":        errandID,
		"owner_profile_id": ownerProfileID,
		"message":          message,
	})
	if err != nil {
		return api.Request{}, err
	}
	return api.DecodeRequest(out), nil
}
