package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/store"
	"github.com/transfa/visadirect-service/pkg/visaclient"
)

const maxRefundReasonLength = 140

// ProcessRefund reverses part or all of a successful push funds transfer. The
// reversal is sent once; a missing response leaves the refund UNKNOWN.
func (s *Service) ProcessRefund(ctx context.Context, originalTransactionID string, amount decimal.Decimal, reason string) (*domain.RefundResult, error) {
	reason = strings.TrimSpace(reason)
	if err := validateAmount("amount", amount); err != nil {
		return nil, err
	}
	if len(reason) > maxRefundReasonLength {
		return nil, domain.NewValidationError("reason", "must be at most %d characters", maxRefundReasonLength)
	}

	original, err := s.lookupTransfer(ctx, originalTransactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, domain.NewValidationError("transaction_id", "original transfer not found")
		}
		return nil, err
	}
	if original.Status != domain.StatusSuccess {
		return nil, domain.NewValidationError("transaction_id", "only SUCCESS transfers can be refunded, transfer is %s", original.Status)
	}

	refunded, err := s.repo.SumActiveRefunds(ctx, original.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum refunds: %w", err)
	}
	available := original.Amount.Sub(refunded)
	if amount.GreaterThan(available) {
		return nil, domain.NewValidationError("amount", "exceeds refundable balance %s %s", available.StringFixed(2), original.Currency)
	}

	now := s.now().UTC()
	trace, err := newTraceNumbers(now)
	if err != nil {
		return nil, err
	}
	refund := &domain.Refund{
		ID:                       uuid.New(),
		TransferID:               original.ID,
		Amount:                   amount,
		Currency:                 original.Currency,
		Reason:                   reason,
		Status:                   domain.StatusRequested,
		RetrievalReferenceNumber: trace.RRN,
		SystemsTraceAuditNumber:  trace.STAN,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, store.ErrRefundExceedsAvailable) {
			// Another refund reserved the balance after the check above.
			return nil, domain.NewValidationError("amount", "exceeds refundable balance")
		}
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}
	if err := s.repo.MarkRefundSent(ctx, refund.ID); err != nil {
		return nil, fmt.Errorf("failed to mark refund sent: %w", err)
	}

	payload := visaclient.ReverseFundsRequest{
		SystemsTraceAuditNumber:  trace.STAN,
		RetrievalReferenceNumber: trace.RRN,
		LocalTransactionDateTime: trace.LocalDateTime,
		AcquiringBIN:             s.settings.AcquiringBIN,
		AcquirerCountryCode:      s.settings.AcquirerCountryCode,
		SenderPrimaryAccount:     original.SenderAccountRef,
		Amount:                   amount.StringFixed(2),
		TransactionCurrencyCode:  original.Currency,
		TransactionIdentifier:    deref(original.NetworkTransactionID),
		ReversalReason:           reason,
		OriginalDataElements: visaclient.OriginalDataElements{
			AcquiringBIN:             s.settings.AcquiringBIN,
			ApprovalCode:             deref(original.ApprovalCode),
			SystemsTraceAuditNumber:  original.SystemsTraceAuditNumber,
			TransmissionDateTime:     original.TransmissionDateTime,
			RetrievalReferenceNumber: original.RetrievalReferenceNumber,
		},
		CardAcceptor: s.settings.CardAcceptor,
	}

	log.Printf("level=info component=visa_service op=reverse_funds msg=\"sending\" refund_id=%s transfer_id=%s sender=%s amount=%s currency=%s stan=%s",
		refund.ID, original.ID, visaclient.MaskTail(original.SenderAccountRef), payload.Amount, original.Currency, trace.STAN)

	ctx = visaclient.WithCorrelationID(ctx, refund.ID.String())
	resp, sendErr := s.transport.Do(ctx, visaclient.Request{
		Operation: "reverse_funds",
		Method:    http.MethodPost,
		Path:      visaclient.ReverseFundsPath,
		Body:      payload,
	})

	outcome := s.transactionOutcome(resp, sendErr)
	refund.Status = domain.StatusSent
	updated, err := s.applyRefundOutcome(ctx, refund, outcome)
	if err != nil {
		// The network answer still has to reach the caller.
		log.Printf("level=error component=visa_service msg=\"refund ledger update failed\" refund_id=%s status=%s err=%v", refund.ID, outcome.Status, err)
		updated = projectRefund(refund, outcome, s.now().UTC())
	}
	return updated.Result(), nil
}

// applyRefundOutcome writes outcome to the refund row and publishes the change.
// Like transfers, the write is detached from the caller's cancellation.
func (s *Service) applyRefundOutcome(ctx context.Context, refund *domain.Refund, outcome domain.Outcome) (*domain.Refund, error) {
	ctx = context.WithoutCancel(ctx)
	previous := refund.Status
	updated, err := s.repo.UpdateRefundOutcome(ctx, refund.ID, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to record refund outcome: %w", err)
	}
	log.Printf("level=info component=visa_service msg=\"refund outcome\" refund_id=%s status=%s action_code=%s error_kind=%s",
		updated.ID, updated.Status, deref(updated.ActionCode), updated.ErrorKind)
	if updated.Status != previous {
		s.publish(ctx, domain.TransferStatusEvent{
			EventType:            "refund.status_changed",
			TransactionID:        updated.TransferID.String(),
			RefundID:             updated.ID.String(),
			NetworkTransactionID: deref(updated.NetworkTransactionID),
			Status:               updated.Status,
			ActionCode:           deref(updated.ActionCode),
			ErrorKind:            updated.ErrorKind,
			Amount:               updated.Amount.StringFixed(2),
			Currency:             updated.Currency,
			OccurredAt:           s.now().UTC(),
		})
	}
	return updated, nil
}

func projectRefund(r *domain.Refund, o domain.Outcome, now time.Time) *domain.Refund {
	out := *r
	out.Status = o.Status
	if o.NetworkTransactionID != nil {
		out.NetworkTransactionID = o.NetworkTransactionID
	}
	if o.ActionCode != nil {
		out.ActionCode = o.ActionCode
	}
	if o.ApprovalCode != nil {
		out.ApprovalCode = o.ApprovalCode
	}
	out.ErrorKind = o.ErrorKind
	out.ErrorCode = o.ErrorCode
	out.FailureReason = o.FailureReason
	out.UpdatedAt = now
	return &out
}
