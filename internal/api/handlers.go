/**
 * @description
 * HTTP handlers for the operator-facing payment API. Each handler decodes the
 * request, calls the payment service and maps the uniform result onto an HTTP
 * status: SUCCESS is 201, PENDING and UNKNOWN are 202, FAILED is 422.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/shopspring/decimal: refund amounts.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/store"
)

const maxRequestBodyBytes = 64 << 10

// PaymentService is the façade the handlers call into.
type PaymentService interface {
	PushFundsTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
	GetTransferStatus(ctx context.Context, transactionID string) (*domain.TransferResult, error)
	ProcessRefund(ctx context.Context, originalTransactionID string, amount decimal.Decimal, reason string) (*domain.RefundResult, error)
	ValidateMerchant(ctx context.Context, req domain.MerchantValidationRequest) (*domain.MerchantValidationResult, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// PaymentHandlers holds the dependencies for the payment endpoints.
type PaymentHandlers struct {
	service PaymentService
}

// NewPaymentHandlers creates a new PaymentHandlers.
func NewPaymentHandlers(service PaymentService) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// PushFundsHandler handles POST /transfers.
func (h *PaymentHandlers) PushFundsHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Printf("level=warn component=api endpoint=push_funds outcome=reject reason=invalid_json err=%v", err)
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	result, err := h.service.PushFundsTransfer(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, "push_funds", err)
		return
	}
	log.Printf("level=info component=api endpoint=push_funds outcome=%s transaction_id=%s", result.Status, result.TransactionID)
	respondWithJSON(w, statusCodeFor(result.Status), result)
}

// TransferStatusHandler handles GET /transfers/{transactionID}.
func (h *PaymentHandlers) TransferStatusHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")
	result, err := h.service.GetTransferStatus(r.Context(), transactionID)
	if err != nil {
		h.handleServiceError(w, "transfer_status", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// RefundHandler handles POST /transfers/{transactionID}/refunds.
func (h *PaymentHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")
	var req refundRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Printf("level=warn component=api endpoint=refund outcome=reject reason=invalid_json err=%v", err)
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.ProcessRefund(r.Context(), transactionID, req.Amount, req.Reason)
	if err != nil {
		h.handleServiceError(w, "refund", err)
		return
	}
	log.Printf("level=info component=api endpoint=refund outcome=%s refund_id=%s transaction_id=%s", result.Status, result.RefundID, transactionID)
	respondWithJSON(w, statusCodeFor(result.Status), result)
}

// ValidateMerchantHandler handles POST /merchants/validate.
func (h *PaymentHandlers) ValidateMerchantHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.MerchantValidationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	result, err := h.service.ValidateMerchant(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, "validate_merchant", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *PaymentHandlers) handleServiceError(w http.ResponseWriter, endpoint string, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=validation field=%s err=%q", endpoint, vErr.Field, vErr.Message)
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: string(domain.KindValidation), Message: vErr.Message, Field: vErr.Field})
		return
	}
	if errors.Is(err, store.ErrTransferNotFound) {
		log.Printf("level=info component=api endpoint=%s outcome=reject reason=unknown_entity", endpoint)
		writeError(w, http.StatusNotFound, string(domain.KindUnknownEntity), "transfer not found")
		return
	}
	log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
	writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
}

// HealthHandler reports liveness along with ledger reachability.
func HealthHandler(store HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				log.Printf("level=warn component=api endpoint=health msg=\"store unreachable\" err=%v", err)
				respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unreachable"})
				return
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func statusCodeFor(status domain.TransferStatus) int {
	switch status {
	case domain.StatusSuccess:
		return http.StatusCreated
	case domain.StatusFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusAccepted
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	respondWithJSON(w, code, errorResponse{Error: kind, Message: message})
}

// respondWithJSON is a helper to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to marshal response\" err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
