package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/provadorai/provador/internal/credits"
	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/store"
)

// IdempotencyKeyHeader ties a consume or try-on request to one deduction.
const IdempotencyKeyHeader = "Idempotency-Key"

type AccountHandler struct {
	store  *store.AccountStore
	logger *slog.Logger
}

func NewAccountHandler(s *store.AccountStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{store: s, logger: logger}
}

// Balance returns the store's BalanceView.
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("id")
	a, err := h.store.Get(r.Context(), storeID)
	if err != nil {
		h.logger.Error("get account", "store_id", storeID, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, msgStoreNotFound)
		return
	}
	writeJSON(w, http.StatusOK, credits.View(*a, time.Now()))
}

// Eligibility answers whether the store may generate right now.
func (h *AccountHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("id")
	e, err := h.store.CheckEligibility(r.Context(), storeID)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, e)
	case err != nil:
		h.logger.Error("check eligibility", "store_id", storeID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, model.Eligibility{Allowed: false, Reason: model.ReasonError})
	default:
		writeJSON(w, http.StatusOK, e)
	}
}

// Consume deducts one credit. Retrying with the same Idempotency-Key returns
// the first result without deducting again.
func (h *AccountHandler) Consume(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("id")
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		key = uuid.NewString()
	}
	w.Header().Set(IdempotencyKeyHeader, key)

	res, err := h.store.Consume(r.Context(), storeID, key)
	if err != nil {
		h.logger.Error("consume", "store_id", storeID, "idempotency_key", key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, model.ConsumeResult{Success: false, Error: "LEDGER_UNAVAILABLE"})
		return
	}
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.Error == "STORE_NOT_FOUND":
		writeJSON(w, http.StatusNotFound, res)
	default:
		writeJSON(w, http.StatusPaymentRequired, res)
	}
}

// Consumptions lists recent deductions, newest first.
func (h *AccountHandler) Consumptions(w http.ResponseWriter, r *http.Request) {
	storeID := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 500 {
		limit = 500
	}
	list, err := h.store.ListConsumptions(r.Context(), storeID, limit)
	if err != nil {
		h.logger.Error("list consumptions", "store_id", storeID, "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if list == nil {
		list = []model.Consumption{}
	}
	writeJSON(w, http.StatusOK, list)
}
