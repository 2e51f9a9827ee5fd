package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/intake"
	"orderbook/apps/orderbook/internal/resync"
)

// errorFor maps service errors to a status, an error code and a client message.
func errorFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, intake.ErrInvalidOrderHash):
		return http.StatusBadRequest, "invalid_order_hash", "Order hash does not match the order"
	case errors.Is(err, intake.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature", "Order signature is invalid"
	case errors.Is(err, intake.ErrZeroPrice):
		return http.StatusBadRequest, "zero_price", "Order price is 0"
	case errors.Is(err, intake.ErrAssetNotFound):
		return http.StatusBadRequest, "asset_not_found", err.Error()
	case errors.Is(err, intake.ErrCurrencyNotFound):
		return http.StatusBadRequest, "currency_not_found", err.Error()
	case errors.Is(err, intake.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order", err.Error()
	case errors.Is(err, intake.ErrOrderExists):
		return http.StatusConflict, "order_exists", "Order already exists"
	case errors.Is(err, resync.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", "Order not found"
	}
	return http.StatusInternalServerError, "internal_error", "Internal server error"
}

func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, errorCode, message string) {
	writeJSONResponse(w, logger, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
