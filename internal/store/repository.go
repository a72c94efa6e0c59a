/**
 * @description
 * This file defines the `Repository` interface for the Visa Direct ledger. Every
 * push funds attempt and every refund is recorded before it is transmitted, so
 * an UNKNOWN outcome can always be reconciled later from the stored trace data.
 *
 * @dependencies
 * - github.com/google/uuid: ledger identifiers.
 * - github.com/shopspring/decimal: money amounts.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
)

var (
	ErrTransferNotFound        = errors.New("transfer not found")
	ErrRefundNotFound          = errors.New("refund not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrRefundExceedsAvailable  = errors.New("refund amount exceeds refundable balance")
)

// Repository defines the ledger operations used by the payment service.
type Repository interface {
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	MarkTransferSent(ctx context.Context, transferID uuid.UUID) error
	// UpdateTransferOutcome never overwrites a SUCCESS or FAILED row; it
	// returns the row as stored after the call.
	UpdateTransferOutcome(ctx context.Context, transferID uuid.UUID, outcome domain.Outcome) (*domain.Transfer, error)
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferByNetworkID(ctx context.Context, networkTransactionID string) (*domain.Transfer, error)
	// FindTransferByRetrievalReference matches transfers whose network id is
	// not known yet, e.g. after a timed-out push.
	FindTransferByRetrievalReference(ctx context.Context, rrn string) (*domain.Transfer, error)
	FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error)
	ListUnresolvedTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error)

	// CreateRefund inserts the refund only if its amount fits in what is left
	// of the original transfer after every refund that has not FAILED.
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	MarkRefundSent(ctx context.Context, refundID uuid.UUID) error
	UpdateRefundOutcome(ctx context.Context, refundID uuid.UUID, outcome domain.Outcome) (*domain.Refund, error)
	FindRefundByNetworkID(ctx context.Context, networkTransactionID string) (*domain.Refund, error)
	FindRefundByRetrievalReference(ctx context.Context, rrn string) (*domain.Refund, error)
	SumActiveRefunds(ctx context.Context, transferID uuid.UUID) (decimal.Decimal, error)

	Ping(ctx context.Context) error
	Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// transferRecord collects the columns that need conversion after a scan.
type transferRecord struct {
	t         domain.Transfer
	amount    string
	status    string
	errorKind string
}

func (r *transferRecord) dest(createdAt, updatedAt any) []any {
	return []any{
		&r.t.ID, &r.t.IdempotencyKey, &r.t.NetworkTransactionID,
		&r.t.SenderAccountRef, &r.t.RecipientAccountRef, &r.t.SenderName, &r.t.RecipientName, &r.t.Purpose,
		&r.amount, &r.t.Currency, &r.status,
		&r.t.ActionCode, &r.t.ApprovalCode, &r.errorKind, &r.t.ErrorCode, &r.t.FailureReason,
		&r.t.RetrievalReferenceNumber, &r.t.SystemsTraceAuditNumber, &r.t.TransmissionDateTime,
		createdAt, updatedAt,
	}
}

func (r *transferRecord) finish() (*domain.Transfer, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return nil, err
	}
	r.t.Amount = amount
	r.t.Status = domain.TransferStatus(r.status)
	r.t.ErrorKind = domain.ErrorKind(r.errorKind)
	return &r.t, nil
}

type refundRecord struct {
	r         domain.Refund
	amount    string
	status    string
	errorKind string
}

func (r *refundRecord) dest(createdAt, updatedAt any) []any {
	return []any{
		&r.r.ID, &r.r.TransferID, &r.r.NetworkTransactionID,
		&r.amount, &r.r.Currency, &r.r.Reason, &r.status,
		&r.r.ActionCode, &r.r.ApprovalCode, &r.errorKind, &r.r.ErrorCode, &r.r.FailureReason,
		&r.r.RetrievalReferenceNumber, &r.r.SystemsTraceAuditNumber,
		createdAt, updatedAt,
	}
}

func (r *refundRecord) finish() (*domain.Refund, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return nil, err
	}
	r.r.Amount = amount
	r.r.Status = domain.TransferStatus(r.status)
	r.r.ErrorKind = domain.ErrorKind(r.errorKind)
	return &r.r, nil
}

func resolvedStatuses() []string {
	return []string{string(domain.StatusSuccess), string(domain.StatusFailed)}
}
