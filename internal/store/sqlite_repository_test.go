package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRepository returned error: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func strPtr(v string) *string { return &v }

func newTransfer(amount string) *domain.Transfer {
	return &domain.Transfer{
		SenderAccountRef:         "4111111111111111",
		RecipientAccountRef:      "4242424242424242",
		SenderName:               "Ada Sender",
		RecipientName:            "Bob Recipient",
		Amount:                   decimal.RequireFromString(amount),
		Currency:                 "GBP",
		Status:                   domain.StatusRequested,
		RetrievalReferenceNumber: "612345678901",
		SystemsTraceAuditNumber:  "123456",
		TransmissionDateTime:     "2026-01-02T03:04:05",
	}
}

func TestSQLiteRepository_TransferLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	transfer := newTransfer("100.00")
	transfer.IdempotencyKey = strPtr("idem-1")
	if err := repo.CreateTransfer(ctx, transfer); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}
	if err := repo.MarkTransferSent(ctx, transfer.ID); err != nil {
		t.Fatalf("MarkTransferSent returned error: %v", err)
	}

	updated, err := repo.UpdateTransferOutcome(ctx, transfer.ID, domain.Outcome{
		Status:               domain.StatusSuccess,
		NetworkTransactionID: strPtr("381228649430011"),
		ActionCode:           strPtr("00"),
		ApprovalCode:         strPtr("ABC123"),
	})
	if err != nil {
		t.Fatalf("UpdateTransferOutcome returned error: %v", err)
	}
	if updated.Status != domain.StatusSuccess || *updated.ActionCode != "00" || !updated.Amount.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("unexpected transfer %+v", updated)
	}

	// Resolved rows are never overwritten.
	again, err := repo.UpdateTransferOutcome(ctx, transfer.ID, domain.Outcome{Status: domain.StatusUnknown, ErrorKind: domain.KindUnknown})
	if err != nil {
		t.Fatalf("UpdateTransferOutcome returned error: %v", err)
	}
	if again.Status != domain.StatusSuccess {
		t.Fatalf("expected SUCCESS to stick, got %s", again.Status)
	}

	byNetwork, err := repo.FindTransferByNetworkID(ctx, "381228649430011")
	if err != nil || byNetwork.ID != transfer.ID {
		t.Fatalf("FindTransferByNetworkID = %+v, %v", byNetwork, err)
	}
	byKey, err := repo.FindTransferByIdempotencyKey(ctx, "idem-1")
	if err != nil || byKey.ID != transfer.ID {
		t.Fatalf("FindTransferByIdempotencyKey = %+v, %v", byKey, err)
	}

	dup := newTransfer("5.00")
	dup.IdempotencyKey = strPtr("idem-1")
	if err := repo.CreateTransfer(ctx, dup); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	if _, err := repo.FindTransferByID(ctx, uuid.New()); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestSQLiteRepository_ListUnresolvedTransfers(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo.now = func() time.Time { return base }
	stale := newTransfer("10.00")
	if err := repo.CreateTransfer(ctx, stale); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}
	done := newTransfer("11.00")
	if err := repo.CreateTransfer(ctx, done); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}
	if _, err := repo.UpdateTransferOutcome(ctx, done.ID, domain.Outcome{Status: domain.StatusFailed, ActionCode: strPtr("05")}); err != nil {
		t.Fatalf("UpdateTransferOutcome returned error: %v", err)
	}

	repo.now = func() time.Time { return base.Add(time.Hour) }
	fresh := newTransfer("12.00")
	if err := repo.CreateTransfer(ctx, fresh); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}

	got, err := repo.ListUnresolvedTransfers(ctx, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListUnresolvedTransfers returned error: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("expected only the stale unresolved transfer, got %+v", got)
	}
}

func TestSQLiteRepository_RefundsCannotExceedOriginal(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	transfer := newTransfer("100.00")
	if err := repo.CreateTransfer(ctx, transfer); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}

	newRefund := func(amount string) *domain.Refund {
		return &domain.Refund{
			TransferID:               transfer.ID,
			Amount:                   decimal.RequireFromString(amount),
			Currency:                 "GBP",
			Status:                   domain.StatusRequested,
			RetrievalReferenceNumber: "612345678902",
			SystemsTraceAuditNumber:  "654321",
		}
	}

	first := newRefund("60.00")
	if err := repo.CreateRefund(ctx, first); err != nil {
		t.Fatalf("CreateRefund returned error: %v", err)
	}
	if err := repo.CreateRefund(ctx, newRefund("40.01")); !errors.Is(err, ErrRefundExceedsAvailable) {
		t.Fatalf("expected ErrRefundExceedsAvailable, got %v", err)
	}

	// A failed refund releases its reservation.
	if _, err := repo.UpdateRefundOutcome(ctx, first.ID, domain.Outcome{Status: domain.StatusFailed, ActionCode: strPtr("05")}); err != nil {
		t.Fatalf("UpdateRefundOutcome returned error: %v", err)
	}
	total, err := repo.SumActiveRefunds(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("SumActiveRefunds returned error: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("expected zero active refunds, got %s", total)
	}
	full := newRefund("100.00")
	if err := repo.CreateRefund(ctx, full); err != nil {
		t.Fatalf("expected full refund to fit, got %v", err)
	}
	if err := repo.MarkRefundSent(ctx, full.ID); err != nil {
		t.Fatalf("MarkRefundSent returned error: %v", err)
	}
	updated, err := repo.UpdateRefundOutcome(ctx, full.ID, domain.Outcome{Status: domain.StatusSuccess, NetworkTransactionID: strPtr("999")})
	if err != nil {
		t.Fatalf("UpdateRefundOutcome returned error: %v", err)
	}
	byNetwork, err := repo.FindRefundByNetworkID(ctx, "999")
	if err != nil || byNetwork.ID != updated.ID || byNetwork.Status != domain.StatusSuccess {
		t.Fatalf("FindRefundByNetworkID = %+v, %v", byNetwork, err)
	}
}

func TestOpenRepositoryRejectsUnknownScheme(t *testing.T) {
	if _, err := OpenRepository(context.Background(), "mysql://localhost/db"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSQLiteRepository_OtherUniqueViolationIsNotIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first := newTransfer("10.00")
	if err := repo.CreateTransfer(ctx, first); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}
	clash := newTransfer("10.00")
	clash.ID = first.ID
	clash.IdempotencyKey = strPtr("fresh-key")
	err := repo.CreateTransfer(ctx, clash)
	if err == nil {
		t.Fatal("expected primary key violation")
	}
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("primary key violation reported as idempotency replay: %v", err)
	}
}

func TestSQLiteRepository_FindByRetrievalReference(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	transfer := newTransfer("40.00")
	transfer.RetrievalReferenceNumber = "628923255211"
	if err := repo.CreateTransfer(ctx, transfer); err != nil {
		t.Fatalf("CreateTransfer returned error: %v", err)
	}
	got, err := repo.FindTransferByRetrievalReference(ctx, "628923255211")
	if err != nil || got.ID != transfer.ID {
		t.Fatalf("FindTransferByRetrievalReference = %+v, %v", got, err)
	}
	if _, err := repo.FindTransferByRetrievalReference(ctx, "000000000000"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}

	refund := &domain.Refund{
		TransferID:               transfer.ID,
		Amount:                   decimal.RequireFromString("5.00"),
		Currency:                 "GBP",
		Status:                   domain.StatusRequested,
		RetrievalReferenceNumber: "628923000042",
		SystemsTraceAuditNumber:  "000042",
	}
	if err := repo.CreateRefund(ctx, refund); err != nil {
		t.Fatalf("CreateRefund returned error: %v", err)
	}
	gotRefund, err := repo.FindRefundByRetrievalReference(ctx, "628923000042")
	if err != nil || gotRefund.ID != refund.ID {
		t.Fatalf("FindRefundByRetrievalReference = %+v, %v", gotRefund, err)
	}
	if _, err := repo.FindRefundByRetrievalReference(ctx, "nope"); !errors.Is(err, ErrRefundNotFound) {
		t.Fatalf("expected ErrRefundNotFound, got %v", err)
	}
}
