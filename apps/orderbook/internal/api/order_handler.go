package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/intake"
	"orderbook/apps/orderbook/internal/model"
	"orderbook/apps/orderbook/internal/resync"
)

const maxBulkOrders = 100

type OrderIntake interface {
	CreateOrder(ctx context.Context, req intake.OrderRequest) (*model.Order, error)
	CreateOrderBulk(ctx context.Context, reqs []intake.OrderRequest) []intake.BulkResult
}

type OrderFinder interface {
	FindOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)
}

type OrderResync interface {
	SyncOrderByHash(ctx context.Context, hash string, chainID int64, exchangeAddress string) (*resync.Result, error)
	DisableOrders(ctx context.Context, ownerID, contractAddress string, chainID int64) ([]model.Order, error)
}

// OrderHandler handles order-related API endpoints
type OrderHandler struct {
	intake          OrderIntake
	orders          OrderFinder
	resync          OrderResync
	defaultExchange string
	logger          *zap.Logger
}

func NewOrderHandler(intake OrderIntake, orders OrderFinder, resync OrderResync, defaultExchange string, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		intake:          intake,
		orders:          orders,
		resync:          resync,
		defaultExchange: defaultExchange,
		logger:          logger,
	}
}

// CreateOrder handles POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req intake.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	req.IP, req.Area = clientIP(r), r.Header.Get("CF-IPCountry")

	order, err := h.intake.CreateOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Created order",
		zap.String("hash", order.Hash),
		zap.Int64("chain_id", order.ChainID),
		zap.String("category", string(order.Category)))

	writeJSONResponse(w, h.logger, http.StatusCreated, toOrderResponse(order))
}

// CreateOrderBulk handles POST /api/orders/bulk
func (h *OrderHandler) CreateOrderBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Orders []intake.OrderRequest `json:"orders"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if len(body.Orders) == 0 {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_orders", "At least one order is required")
		return
	}
	if len(body.Orders) > maxBulkOrders {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "too_many_orders", "At most 100 orders per request")
		return
	}

	ip, area := clientIP(r), r.Header.Get("CF-IPCountry")
	for i := range body.Orders {
		body.Orders[i].IP, body.Orders[i].Area = ip, area
	}

	results := h.intake.CreateOrderBulk(r.Context(), body.Orders)

	response := make([]BulkOrderResult, len(results))
	for i, res := range results {
		response[i].Hash = res.Hash
		if res.Err != nil {
			_, code, message := errorFor(res.Err)
			response[i].Error = &ErrorResponse{Error: code, Message: message}
			continue
		}
		order := toOrderResponse(res.Order)
		response[i].Success, response[i].Order = true, &order
	}

	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

// GetOrders handles GET /api/orders
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.OrderFilter{
		Hash:            q.Get("hash"),
		ExchangeAddress: q.Get("exchange"),
		Offerer:         q.Get("offerer"),
		ContractAddress: q.Get("collection"),
		TokenID:         q.Get("token_id"),
		Category:        model.Category(q.Get("category")),
	}

	var err error
	if filter.ChainID, err = queryInt(q.Get("chain_id")); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_chain_id", "chain_id must be an integer")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_offset", "offset must be an integer")
		return
	}
	filter.Limit, filter.Offset = int(limit), int(offset)

	if v := q.Get("fillable"); v != "" {
		fillable, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_fillable", "fillable must be true or false")
			return
		}
		filter.IsFillable = &fillable
	}

	orders, err := h.orders.FindOrders(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to find orders", zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "database_error", "Failed to retrieve orders")
		return
	}

	response := make([]OrderResponse, len(orders))
	for i := range orders {
		response[i] = toOrderResponse(&orders[i])
	}
	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

// DisableOrders handles POST /api/orders/disable
func (h *OrderHandler) DisableOrders(w http.ResponseWriter, r *http.Request) {
	var req DisableOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.OwnerID == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_owner_id", "Owner id is required")
		return
	}

	disabled, err := h.resync.DisableOrders(r.Context(), req.OwnerID, req.ContractAddress, req.ChainID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := DisableOrdersResponse{Disabled: len(disabled), Hashes: make([]string, len(disabled))}
	for i, o := range disabled {
		response.Hashes[i] = o.Hash
	}
	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

// ResyncOrder handles POST /api/orders/{hash}/resync
func (h *OrderHandler) ResyncOrder(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if hash == "" {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "missing_hash", "Order hash is required")
		return
	}

	chainID, err := queryInt(r.URL.Query().Get("chain_id"))
	if err != nil || chainID == 0 {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_chain_id", "chain_id is required")
		return
	}
	exchange := r.URL.Query().Get("exchange")
	if exchange == "" {
		exchange = h.defaultExchange
	}

	result, err := h.resync.SyncOrderByHash(r.Context(), hash, chainID, exchange)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSONResponse(w, h.logger, http.StatusOK, result)
}

func (h *OrderHandler) writeError(w http.ResponseWriter, err error) {
	status, code, message := errorFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeErrorResponse(w, h.logger, status, code, message)
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
