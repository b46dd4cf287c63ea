package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/observability"
)

const (
	OrderServiceName       = "orderplacement.v1.OrderService"
	PlaceOrderFullMethod   = "/" + OrderServiceName + "/PlaceOrder"
	metadataRequestID      = "x-request-id"
	metadataIdempotencyKey = "idempotency-key"
)

// OrderServiceServer is served with structpb.Struct messages whose fields
// mirror the JSON bodies of the HTTP API.
type OrderServiceServer interface {
	PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: OrderServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PlaceOrder",
			Handler:    placeOrderHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orderplacement/v1/order_service.proto",
}

func placeOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).PlaceOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PlaceOrderFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).PlaceOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// OrderServiceClient calls the order service over an existing connection.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PlaceOrderFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	orders  OrderPlacer
	log     *zap.Logger
	metrics *observability.Metrics
}

func NewGRPCHandler(orders OrderPlacer, logger *zap.Logger, metrics *observability.Metrics) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		orders:  orders,
		log:     logger.With(zap.String("component", "grpc_server")),
		metrics: metrics,
	}
}

func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&OrderServiceDesc, h)
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	var body placeOrderRequest
	if err := decodeStrict(bytes.NewReader(raw), &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}

	in := domain.PlaceOrderRequest{
		CustomerID:     body.CustomerID,
		IdempotencyKey: body.IdempotencyKey,
		Items:          make([]domain.LineItemRequest, 0, len(body.Products)),
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = firstMetadata(ctx, metadataIdempotencyKey)
	}
	for _, p := range body.Products {
		in.Items = append(in.Items, domain.LineItemRequest{ProductID: p.ID, Quantity: p.Quantity})
	}

	order, err := h.orders.PlaceOrder(ctx, in)
	if err != nil {
		return nil, grpcError(err)
	}

	encoded, err := json.Marshal(toOrderResponse(order))
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(encoded, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrCustomerNotFound),
		errors.Is(err, domain.ErrNoProductsFound),
		errors.Is(err, domain.ErrProductNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, "duplicate request")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryInterceptor gives every call a request-scoped logger and trace
// context, then records the status code.
func (h *GRPCHandler) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()

		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
		}

		rid := firstMetadata(ctx, metadataRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		logger := h.log.With(zap.String("request_id", rid), zap.String("method", info.FullMethod))
		ctx = observability.WithLogger(ctx, logger)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		h.metrics.ObserveGRPC(info.FullMethod, code.String())
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("grpc_request_failed", zap.Error(err))
		}
		logger.Info("grpc_access",
			zap.String("code", code.String()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
		return resp, err
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

type metadataCarrier metadata.MD

var _ propagation.TextMapCarrier = metadataCarrier(nil)

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
