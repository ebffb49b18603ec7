// Package control exposes a running client over gRPC on the profile's Unix
// socket: a status/threads service plus the standard health service.
package control

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nestly/inbox/internal/auth"
	"github.com/nestly/inbox/internal/status"
	"github.com/nestly/inbox/internal/store"
)

const (
	ServiceName = "inbox.v1.Control"

	getStatusMethod   = "/" + ServiceName + "/GetStatus"
	listThreadsMethod = "/" + ServiceName + "/ListThreads"
)

// Inbox is the read side of a running client.
type Inbox interface {
	Identity() auth.Identity
	Threads() []store.Thread
	Active() string
	Connected() bool
	IsOnline(userID string) bool
}

// ControlServer is the server API of the control service.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListThreads(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ServiceDesc describes the control service. Requests and responses are
// protobuf well-known types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary(getStatusMethod, ControlServer.GetStatus)},
		{MethodName: "ListThreads", Handler: unary(listThreadsMethod, ControlServer.ListThreads)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inbox/v1/control.proto",
}

type method func(ControlServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unary(fullMethod string, m method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Service implements ControlServer.
type Service struct {
	profile   string
	startedAt time.Time
	inbox     Inbox
	machine   *status.Machine
}

// NewService creates the control service. machine may be nil when the
// transport does not report its state.
func NewService(profile string, inbox Inbox, machine *status.Machine) *Service {
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		inbox:     inbox,
		machine:   machine,
	}
}

// Register adds the service to a gRPC server.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)
}

func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	id := s.inbox.Identity()
	threads := s.inbox.Threads()
	unread := 0
	for _, t := range threads {
		unread += t.UnreadCount
	}
	fields := map[string]any{
		"profile":       s.profile,
		"user_id":       id.UserID,
		"user_name":     id.UserName,
		"state":         "UNKNOWN",
		"connected":     s.inbox.Connected(),
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"thread_count":  len(threads),
		"unread_total":  unread,
		"active_thread": s.inbox.Active(),
	}
	if s.machine != nil {
		fields["state"] = string(s.machine.Current())
		fields["state_since"] = s.machine.Since().UTC().Format(time.RFC3339)
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *Service) ListThreads(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	threads := s.inbox.Threads()
	rows := make([]any, 0, len(threads))
	for _, t := range threads {
		rows = append(rows, threadToValue(t, s.inbox.IsOnline(t.CounterpartID)))
	}
	out, err := structpb.NewStruct(map[string]any{"threads": rows})
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode threads: %v", err)
	}
	return out, nil
}

func threadToValue(t store.Thread, online bool) map[string]any {
	row := map[string]any{
		"id":               t.ID,
		"counterpart_id":   t.CounterpartID,
		"counterpart_name": t.CounterpartName,
		"preview":          t.LastMessagePreview,
		"unread":           t.UnreadCount,
		"typing":           t.IsTyping,
		"online":           online,
	}
	if !t.LastMessageTime.IsZero() {
		row["last_message_at"] = t.LastMessageTime.UTC().Format(time.RFC3339)
	}
	if t.Context.BookingID != "" {
		row["booking_id"] = t.Context.BookingID
	}
	return row
}
