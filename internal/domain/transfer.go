/**
 * @description
 * Domain models for Visa Direct money movement: the caller-facing transfer and
 * refund requests, the uniform results handed back by the payment façade, and
 * the ledger rows persisted for every attempt.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the final or interim outcome of a network operation.
type TransferStatus string

const (
	StatusRequested TransferStatus = "REQUESTED"
	StatusSent      TransferStatus = "SENT"
	StatusSuccess   TransferStatus = "SUCCESS"
	StatusFailed    TransferStatus = "FAILED"
	StatusPending   TransferStatus = "PENDING"
	// StatusUnknown means the request left the client but no answer came back.
	// Callers must query status instead of resubmitting.
	StatusUnknown TransferStatus = "UNKNOWN"
)

// IsResolved reports whether the status is terminal.
func (s TransferStatus) IsResolved() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TransferRequest is a push funds instruction from a caller.
type TransferRequest struct {
	SenderAccountRef    string          `json:"sender_account_ref"`
	RecipientAccountRef string          `json:"recipient_account_ref"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	SenderName          string          `json:"sender_name"`
	RecipientName       string          `json:"recipient_name"`
	Purpose             string          `json:"purpose"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
}

// TransferResult is the uniform result of a push funds or status call.
type TransferResult struct {
	TransactionID            string         `json:"transaction_id"`
	NetworkTransactionID     string         `json:"network_transaction_id,omitempty"`
	Status                   TransferStatus `json:"status"`
	NetworkActionCode        string         `json:"network_action_code,omitempty"`
	ApprovalCode             *string        `json:"approval_code,omitempty"`
	ErrorKind                ErrorKind      `json:"error_kind,omitempty"`
	ErrorCode                string         `json:"error_code,omitempty"`
	Message                  string         `json:"message,omitempty"`
	RetrievalReferenceNumber string         `json:"retrieval_reference_number,omitempty"`
	SystemsTraceAuditNumber  string         `json:"systems_trace_audit_number,omitempty"`
	Timestamp                time.Time      `json:"timestamp"`
}

// RefundResult is the uniform result of a refund call.
type RefundResult struct {
	RefundID              string          `json:"refund_id"`
	OriginalTransactionID string          `json:"original_transaction_id"`
	NetworkTransactionID  string          `json:"network_transaction_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                TransferStatus  `json:"status"`
	NetworkActionCode     string          `json:"network_action_code,omitempty"`
	ApprovalCode          *string         `json:"approval_code,omitempty"`
	ErrorKind             ErrorKind       `json:"error_kind,omitempty"`
	ErrorCode             string          `json:"error_code,omitempty"`
	Message               string          `json:"message,omitempty"`
	Timestamp             time.Time       `json:"timestamp"`
}

// Transfer is the ledger row kept for every push funds attempt.
type Transfer struct {
	ID                       uuid.UUID
	IdempotencyKey           *string
	NetworkTransactionID     *string
	SenderAccountRef         string
	RecipientAccountRef      string
	SenderName               string
	RecipientName            string
	Purpose                  string
	Amount                   decimal.Decimal
	Currency                 string
	Status                   TransferStatus
	ActionCode               *string
	ApprovalCode             *string
	ErrorKind                ErrorKind
	ErrorCode                *string
	FailureReason            *string
	RetrievalReferenceNumber string
	SystemsTraceAuditNumber  string
	TransmissionDateTime     string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Result projects the ledger row onto the caller-facing result.
func (t *Transfer) Result() *TransferResult {
	res := &TransferResult{
		TransactionID:            t.ID.String(),
		Status:                   t.Status,
		ApprovalCode:             t.ApprovalCode,
		ErrorKind:                t.ErrorKind,
		RetrievalReferenceNumber: t.RetrievalReferenceNumber,
		SystemsTraceAuditNumber:  t.SystemsTraceAuditNumber,
		Timestamp:                t.UpdatedAt,
	}
	if t.NetworkTransactionID != nil {
		res.NetworkTransactionID = *t.NetworkTransactionID
	}
	if t.ActionCode != nil {
		res.NetworkActionCode = *t.ActionCode
	}
	if t.ErrorCode != nil {
		res.ErrorCode = *t.ErrorCode
	}
	if t.FailureReason != nil {
		res.Message = *t.FailureReason
	}
	return res
}

// Refund is the ledger row kept for every refund attempt.
type Refund struct {
	ID                       uuid.UUID
	TransferID               uuid.UUID
	NetworkTransactionID     *string
	Amount                   decimal.Decimal
	Currency                 string
	Reason                   string
	Status                   TransferStatus
	ActionCode               *string
	ApprovalCode             *string
	ErrorKind                ErrorKind
	ErrorCode                *string
	FailureReason            *string
	RetrievalReferenceNumber string
	SystemsTraceAuditNumber  string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Result projects the refund row onto the caller-facing result.
func (r *Refund) Result() *RefundResult {
	res := &RefundResult{
		RefundID:              r.ID.String(),
		OriginalTransactionID: r.TransferID.String(),
		Amount:                r.Amount,
		Currency:              r.Currency,
		Status:                r.Status,
		ApprovalCode:          r.ApprovalCode,
		ErrorKind:             r.ErrorKind,
		Timestamp:             r.UpdatedAt,
	}
	if r.NetworkTransactionID != nil {
		res.NetworkTransactionID = *r.NetworkTransactionID
	}
	if r.ActionCode != nil {
		res.NetworkActionCode = *r.ActionCode
	}
	if r.ErrorCode != nil {
		res.ErrorCode = *r.ErrorCode
	}
	if r.FailureReason != nil {
		res.Message = *r.FailureReason
	}
	return res
}

// Outcome is the set of fields written back after a network call.
type Outcome struct {
	Status               TransferStatus
	NetworkTransactionID *string
	ActionCode           *string
	ApprovalCode         *string
	ErrorKind            ErrorKind
	ErrorCode            *string
	FailureReason        *string
}

// MerchantValidationRequest asks the network whether a merchant may receive funds.
type MerchantValidationRequest struct {
	MerchantID           string `json:"merchant_id"`
	MerchantName         string `json:"merchant_name"`
	MerchantCategoryCode string `json:"merchant_category_code"`
	CountryCode          string `json:"country_code"`
}

// MerchantValidationResult is the façade answer for merchant validation.
type MerchantValidationResult struct {
	MerchantID string    `json:"merchant_id"`
	Valid      bool      `json:"valid"`
	Status     string    `json:"status,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// TransferStatusEvent is published to RabbitMQ whenever a ledger row changes status.
type TransferStatusEvent struct {
	EventType            string         `json:"event_type"`
	TransactionID        string         `json:"transaction_id"`
	RefundID             string         `json:"refund_id,omitempty"`
	NetworkTransactionID string         `json:"network_transaction_id,omitempty"`
	Status               TransferStatus `json:"status"`
	ActionCode           string         `json:"action_code,omitempty"`
	ErrorKind            ErrorKind      `json:"error_kind,omitempty"`
	Amount               string         `json:"amount"`
	Currency             string         `json:"currency"`
	OccurredAt           time.Time      `json:"occurred_at"`
}
