package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"fulfillment/internal/fulfillment"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/replay"
	"fulfillment/internal/tenancy"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MetadataTenantID       = "x-tenant-id"
	MetadataUserID         = "x-user-id"
	MetadataIdempotencyKey = "idempotency-key"

	errorDomain = "fulfillment"
)

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	CreateOrderIdempotent(ctx context.Context, req orders.CreateRequest, clientToken string) (saga.Outcome, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	GetSaga(ctx context.Context, orderID string) (*saga.State, error)
	ReplayOrderEvents(ctx context.Context, orderID string) (fulfillment.Job, error)
	ReplayByDateRange(ctx context.Context, start, end time.Time) (fulfillment.Job, error)
	ReplayByStatus(ctx context.Context, status orders.Status) (fulfillment.Job, error)
	RecoverMissingEvents(ctx context.Context, orderID string) (fulfillment.Job, error)
	InspectOrder(ctx context.Context, orderID string) ([]string, error)
	Job(ctx context.Context, id string) (fulfillment.Job, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
}

var _ OrderServiceServer = (*OrderServer)(nil)

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc}
}

// CreateOrder accepts an order. The idempotency key travels in the
// idempotency-key metadata or the idempotency_key field.
func (s *OrderServer) CreateOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req orders.CreateRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	key := firstMetadata(ctx, MetadataIdempotencyKey)
	if key == "" {
		key = stringField(in, "idempotency_key")
	}

	out, err := s.service.CreateOrderIdempotent(ctx, req, key)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encodeStruct(map[string]any{
		"order":    out.Order,
		"replayed": out.Replayed,
	})
}

func (s *OrderServer) GetOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	o, err := s.service.GetOrder(ctx, stringField(in, "order_id"))
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encodeStruct(map[string]any{"order": o})
}

func (s *OrderServer) GetSaga(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.service.GetSaga(ctx, stringField(in, "order_id"))
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encodeStruct(map[string]any{"saga": sagaView(st)})
}

func (s *OrderServer) ReplayOrderEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return jobResponse(s.service.ReplayOrderEvents(ctx, stringField(in, "order_id")))
}

func (s *OrderServer) ReplayByDateRange(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	start, err := timeField(in, "start")
	if err != nil {
		return nil, err
	}
	end, err := timeField(in, "end")
	if err != nil {
		return nil, err
	}
	return jobResponse(s.service.ReplayByDateRange(ctx, start, end))
}

func (s *OrderServer) ReplayByStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := orders.ParseStatus(stringField(in, "status"))
	if err != nil {
		return nil, mapOrderError(err)
	}
	return jobResponse(s.service.ReplayByStatus(ctx, st))
}

func (s *OrderServer) RecoverMissingEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return jobResponse(s.service.RecoverMissingEvents(ctx, stringField(in, "order_id")))
}

// ValidateEventConsistency returns the verdict and any structural problems.
func (s *OrderServer) ValidateEventConsistency(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(in, "order_id")
	problems, err := s.service.InspectOrder(ctx, orderID)
	if err != nil {
		return nil, mapOrderError(err)
	}
	if problems == nil {
		problems = []string{}
	}
	return encodeStruct(map[string]any{
		"order_id":   orderID,
		"consistent": len(problems) == 0,
		"problems":   problems,
	})
}

func (s *OrderServer) GetReplayJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return jobResponse(s.service.Job(ctx, stringField(in, "job_id")))
}

func jobResponse(job fulfillment.Job, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, mapOrderError(err)
	}
	return encodeStruct(map[string]any{"job": job})
}

type sagaDocument struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	Error      string    `json:"error,omitempty"`
	TimeoutAt  time.Time `json:"timeout_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func sagaView(st *saga.State) sagaDocument {
	return sagaDocument{
		ID:         st.ID,
		OrderID:    st.OrderID,
		Step:       string(st.Step),
		Status:     string(st.Status),
		RetryCount: st.RetryCount,
		MaxRetries: st.MaxRetries,
		Error:      st.Error,
		TimeoutAt:  st.TimeoutAt,
		UpdatedAt:  st.UpdatedAt,
	}
}

// CallerInterceptor attaches the tenant and user from metadata to the
// context and rejects OrderService calls without them.
func CallerInterceptor() grpcpkg.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpcpkg.UnaryServerInfo, handler grpcpkg.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
			return handler(ctx, req)
		}
		caller := tenancy.Caller{
			TenantID: firstMetadata(ctx, MetadataTenantID),
			UserID:   firstMetadata(ctx, MetadataUserID),
		}
		if err := caller.Validate(); err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "%s and %s metadata are required", MetadataTenantID, MetadataUserID)
		}
		return handler(tenancy.WithCaller(ctx, caller), req)
	}
}

func mapOrderError(err error) error {
	var (
		validation *orders.ValidationError
		duplicate  *idempotency.DuplicateOrderError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &validation):
		return withDetails(codes.InvalidArgument, err.Error(), &errdetails.BadRequest{
			FieldViolations: []*errdetails.BadRequest_FieldViolation{{Field: validation.Field, Description: validation.Reason}},
		})
	case errors.Is(err, orders.ErrValidation), errors.Is(err, tenancy.ErrMissingCaller):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &duplicate):
		return withDetails(codes.AlreadyExists, err.Error(), &errdetails.ErrorInfo{
			Reason:   "duplicate_order",
			Domain:   errorDomain,
			Metadata: map[string]string{"order_id": duplicate.OrderID},
		})
	case errors.Is(err, idempotency.ErrDuplicateOperation):
		return withDetails(codes.Aborted, err.Error(), &errdetails.ErrorInfo{
			Reason: "operation_in_progress",
			Domain: errorDomain,
		})
	case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, fulfillment.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, replay.ErrInconsistentOrder):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, orders.ErrCollaboratorUnavailable), orders.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func withDetails(code codes.Code, msg string, detail protoadapt.MessageV1) error {
	st, err := status.New(code, msg).WithDetails(detail)
	if err != nil {
		return status.Error(code, msg)
	}
	return st.Err()
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func stringField(in *structpb.Struct, name string) string {
	if in == nil {
		return ""
	}
	return strings.TrimSpace(in.GetFields()[name].GetStringValue())
}

func timeField(in *structpb.Struct, name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, stringField(in, name))
	if err != nil {
		return time.Time{}, status.Errorf(codes.InvalidArgument, "%s must be an RFC3339 timestamp", name)
	}
	return t, nil
}

func decodeStruct(in *structpb.Struct, dst any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
