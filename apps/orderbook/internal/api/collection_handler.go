package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/poller"
)

type CollectionResolver interface {
	GetCollectionContract(ctx context.Context, slug string, chainID int64) (string, error)
}

type CollectionOffers interface {
	CollectionOffer(ctx context.Context, contractAddress string, chainID int64, force bool) (*bestprice.Entry, error)
}

type PollerStatus interface {
	Status(ctx context.Context) []poller.ChainStatus
}

// CollectionHandler serves collection-level reads and the poller's progress.
type CollectionHandler struct {
	collections CollectionResolver
	offers      CollectionOffers
	poller      PollerStatus
	logger      *zap.Logger
}

func NewCollectionHandler(collections CollectionResolver, offers CollectionOffers, poller PollerStatus, logger *zap.Logger) *CollectionHandler {
	return &CollectionHandler{
		collections: collections,
		offers:      offers,
		poller:      poller,
		logger:      logger,
	}
}

// GetBestOffer handles GET /api/collections/{slug}/best-offer
func (h *CollectionHandler) GetBestOffer(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]

	chainID, err := queryInt(r.URL.Query().Get("chain_id"))
	if err != nil || chainID == 0 {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_chain_id", "chain_id is required")
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_force", "force must be true or false")
			return
		}
	}

	contract, err := h.collections.GetCollectionContract(r.Context(), slug, chainID)
	if err != nil {
		h.logger.Error("Failed to resolve collection", zap.String("slug", slug), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "database_error", "Failed to resolve collection")
		return
	}
	if contract == "" {
		writeErrorResponse(w, h.logger, http.StatusNotFound, "collection_not_found", "Collection not found")
		return
	}

	entry, err := h.offers.CollectionOffer(r.Context(), contract, chainID, force)
	if err != nil {
		h.logger.Error("Failed to get best collection offer", zap.String("slug", slug), zap.Error(err))
		writeErrorResponse(w, h.logger, http.StatusInternalServerError, "best_price_error", "Failed to get best collection offer")
		return
	}

	response := BestOfferResponse{Slug: slug, ContractAddress: contract, ChainID: chainID}
	if entry != nil && !entry.Empty {
		response.Found = true
		response.OrderID = entry.OrderID
		response.Hash = entry.Hash
		response.Price = entry.Price
		response.PerPrice = entry.PerPrice
		response.EndTime = entry.EndTime
		response.ExchangeAddress = entry.ExchangeAddress
	}
	writeJSONResponse(w, h.logger, http.StatusOK, response)
}

// GetPollerStatus handles GET /api/poller/status
func (h *CollectionHandler) GetPollerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.logger, http.StatusOK, h.poller.Status(r.Context()))
}
