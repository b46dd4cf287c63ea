package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/observability"
)

const (
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

// OrderPlacer is the use case both transports drive.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.Order, error)
}

type HTTPHandler struct {
	orders  OrderPlacer
	log     *zap.Logger
	metrics *observability.Metrics
}

type placeOrderRequest struct {
	CustomerID     string                `json:"customer_id"`
	Products       []orderProductRequest `json:"products"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

type orderProductRequest struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type orderResponse struct {
	ID         string             `json:"id"`
	CustomerID string             `json:"customer_id"`
	LineItems  []lineItemResponse `json:"line_items"`
	Total      string             `json:"total"`
	CreatedAt  time.Time          `json:"created_at"`
}

type lineItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type errorResponse struct {
	Error      string             `json:"error"`
	Message    string             `json:"message"`
	ProductIDs []string           `json:"product_ids,omitempty"`
	Shortages  []shortageResponse `json:"shortages,omitempty"`
}

type shortageResponse struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func NewHTTPHandler(orders OrderPlacer, logger *zap.Logger, metrics *observability.Metrics) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		orders:  orders,
		log:     logger.With(zap.String("component", "http_server")),
		metrics: metrics,
	}
}

// Router wires the routes behind trace, request logger, metrics and access log
// middleware. extra handlers (e.g. /metrics) are mounted without them.
func (h *HTTPHandler) Router(extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()

	for pattern, handler := range extra {
		r.Handle(pattern, handler)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.withTrace, h.withRequestLogger, h.withHTTPMetrics, h.withAccessLog)
		r.Post("/api/orders", h.PlaceOrder)
		r.Get("/health", h.HealthCheck)
	})

	return r
}

func (h *HTTPHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid_request",
			Message: "invalid request body",
		})
		return
	}

	in := domain.PlaceOrderRequest{
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Items:          make([]domain.LineItemRequest, 0, len(req.Products)),
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = r.Header.Get(headerIdempotencyKey)
	}
	for _, p := range req.Products {
		in.Items = append(in.Items, domain.LineItemRequest{ProductID: p.ID, Quantity: p.Quantity})
	}

	order, err := h.orders.PlaceOrder(r.Context(), in)
	if err != nil {
		status, body := errorBody(err)
		if status == http.StatusInternalServerError {
			observability.LoggerFrom(r.Context(), h.log).Error("place_order_failed", zap.Error(err))
		}
		writeJSON(w, status, body)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeStrict(http.MaxBytesReader(w, r.Body, maxBodyBytes), dst)
}

// decodeStrict rejects unknown fields so HTTP and gRPC accept the same bodies.
func decodeStrict(r io.Reader, dst any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func toOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		LineItems:  make([]lineItemResponse, 0, len(o.LineItems)),
		Total:      o.Total().StringFixed(2),
		CreatedAt:  o.CreatedAt,
	}
	for _, li := range o.LineItems {
		resp.LineItems = append(resp.LineItems, lineItemResponse{
			ID:        li.ID,
			ProductID: li.ProductID,
			Quantity:  li.Quantity,
			Price:     li.Price.StringFixed(2),
		})
	}
	return resp
}

// errorBody maps the error taxonomy onto HTTP. Persistence details stay in
// the logs.
func errorBody(err error) (int, errorResponse) {
	var (
		notFound *domain.ProductNotFoundError
		shortage *domain.InsufficientStockError
	)

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()}
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, errorResponse{Error: "duplicate_request", Message: "duplicate request"}
	case errors.Is(err, domain.ErrCustomerNotFound):
		return http.StatusNotFound, errorResponse{Error: "customer_not_found", Message: err.Error()}
	case errors.Is(err, domain.ErrNoProductsFound):
		return http.StatusNotFound, errorResponse{Error: "no_products_found", Message: err.Error()}
	case errors.As(err, &notFound):
		return http.StatusNotFound, errorResponse{Error: "product_not_found", Message: err.Error(), ProductIDs: notFound.IDs}
	case errors.As(err, &shortage):
		body := errorResponse{Error: "insufficient_stock", Message: err.Error()}
		for _, s := range shortage.Shortages {
			body.Shortages = append(body.Shortages, shortageResponse{
				ProductID: s.ProductID,
				Requested: s.Requested,
				Available: s.Available,
			})
		}
		return http.StatusConflict, body
	default:
		return http.StatusInternalServerError, errorResponse{Error: "persistence_failure", Message: "internal error"}
	}
}
