package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yashasviy/lockless-transfer-saga/middleware"
	"github.com/yashasviy/lockless-transfer-saga/models"
	"github.com/yashasviy/lockless-transfer-saga/saga"
)

// Transfers is the part of the saga coordinator the HTTP layer drives.
type Transfers interface {
	InitiateTransfer(ctx context.Context, req models.TransferRequest) (models.SagaInstance, error)
	Get(ctx context.Context, sagaID string) (models.SagaInstance, error)
	History(ctx context.Context, sagaID string) ([]models.SagaLogEntry, error)
	Cancel(ctx context.Context, sagaID string) (models.SagaInstance, error)
}

type Accounts interface {
	Read(ctx context.Context, accountID string) (models.Account, error)
}

// Handler serves the transfer API.
type Handler struct {
	transfers Transfers
	accounts  Accounts
	checks    map[string]func(context.Context) error
	logger    *zap.Logger
}

func NewHandler(transfers Transfers, accounts Accounts, checks map[string]func(context.Context) error, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{transfers: transfers, accounts: accounts, checks: checks, logger: logger}
}

// CreateTransfer accepts a transfer and returns 202 with the saga. The saga id comes from
// the body or, failing that, the Idempotency-Key header; a retry with the same id gets the
// existing saga back.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid Body")
		return
	}

	idempotencyKey := r.Header.Get(middleware.IdempotencyHeader)
	switch {
	case req.SagaID == "":
		req.SagaID = idempotencyKey
	case idempotencyKey != "" && idempotencyKey != req.SagaID:
		writeError(w, http.StatusBadRequest, "invalid_body", "saga_id does not match Idempotency-Key header")
		return
	}

	inst, err := h.transfers.InitiateTransfer(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/transfers/"+inst.ID)
	writeJSON(w, http.StatusAccepted, inst)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	inst, err := h.transfers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) GetTransferLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.transfers.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	inst, err := h.transfers.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := map[string]string{}

	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}

	writeJSON(w, status, report)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, code, http.StatusText(status))
		return
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidTransfer):
		return http.StatusBadRequest, "invalid_transfer"
	case errors.Is(err, models.ErrSagaNotFound):
		return http.StatusNotFound, "saga_not_found"
	case errors.Is(err, models.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, models.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, saga.ErrSagaBusy):
		return http.StatusConflict, "saga_busy"
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, saga.ErrRetriesExhausted),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
