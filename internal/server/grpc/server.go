// Package grpcserver exposes the chat sync service over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/event"
	"github.com/and161185/chatsync/internal/rpc"
	"github.com/and161185/chatsync/internal/service"
)

// Server wires the event service into gRPC handlers.
type Server struct {
	rpc.UnimplementedChatSyncServer
	events service.EventService
	log    *zap.Logger
}

// New constructs the handlers. Authentication is done by the interceptors.
func New(events service.EventService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{events: events, log: log}
}

// Register installs the chat service on gs.
func (s *Server) Register(gs *grpc.Server) {
	rpc.RegisterChatSyncServer(gs, s)
}

func userFrom(ctx context.Context) (string, error) {
	id, ok := UserIDFromCtx(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// Append stores one event authored by the caller.
func (s *Server) Append(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := convert.ParseEvent(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if ev.AuthorID != userID {
		return nil, status.Error(codes.PermissionDenied, "authorId does not match the authenticated user")
	}
	res, err := s.events.Append(ctx, ev)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.Encode(convert.AppendReply{Event: res.Event, Deduped: res.Deduped})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// ListAfter returns one page of stored events.
func (s *Server) ListAfter(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	var q convert.ListAfterQuery
	if err := convert.Decode(req, &q); err != nil {
		return nil, toStatus(err)
	}
	res, err := s.events.ListAfter(ctx, userID, q.ChatID, q.After, q.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := convert.Encode(convert.ListAfterReply{Events: res.Events, NextServerSeq: res.NextServerSeq})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// Subscribe streams stored events after the cursor, then live ones.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	userID, err := userFrom(ctx)
	if err != nil {
		return err
	}
	var q convert.SubscribeQuery
	if err := convert.Decode(req, &q); err != nil {
		return toStatus(err)
	}
	err = s.events.Stream(ctx, userID, q.ChatID, q.After, func(ev event.Event) error {
		msg, err := convert.EncodeEvent(ev)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	})
	if err != nil && ctx.Err() == nil {
		if errors.Is(err, service.ErrLagged) {
			s.log.Info("subscriber lagged", zap.String("chat_id", q.ChatID), zap.String("user_id", userID))
		}
		return toStatus(err)
	}
	return nil
}

// toStatus maps domain errors onto gRPC codes. Clients map them back.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrPermission):
		return status.Error(codes.PermissionDenied, "permission denied")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrConflict):
		return status.Error(codes.Aborted, "conflict")
	case errors.Is(err, errs.ErrNetwork):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal")
	}
}
