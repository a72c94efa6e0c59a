package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so stored timestamps sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteTransferColumns = `id, idempotency_key, network_transaction_id, sender_account_ref, recipient_account_ref,
	sender_name, recipient_name, purpose, amount, currency, status, action_code, approval_code,
	error_kind, error_code, failure_reason, retrieval_reference_number, systems_trace_audit_number,
	transmission_date_time, created_at, updated_at`

const sqliteRefundColumns = `id, transfer_id, network_transaction_id, amount, currency, reason, status,
	action_code, approval_code, error_kind, error_code, failure_reason, retrieval_reference_number,
	systems_trace_audit_number, created_at, updated_at`

// SQLiteRepository is the embedded ledger used for local runs and tests.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository opens dsn (a file path or ":memory:") and applies the schema.
func NewSQLiteRepository(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *SQLiteRepository) Close() { r.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func (r *SQLiteRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	now := r.now()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO visa_transfers (id, idempotency_key, network_transaction_id, sender_account_ref, recipient_account_ref,
			sender_name, recipient_name, purpose, amount, currency, status, action_code, approval_code, error_kind,
			error_code, failure_reason, retrieval_reference_number, systems_trace_audit_number, transmission_date_time,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.IdempotencyKey, t.NetworkTransactionID, t.SenderAccountRef, t.RecipientAccountRef,
		t.SenderName, t.RecipientName, t.Purpose, t.Amount.StringFixed(2), t.Currency, string(t.Status),
		t.ActionCode, t.ApprovalCode, string(t.ErrorKind), t.ErrorCode, t.FailureReason,
		t.RetrievalReferenceNumber, t.SystemsTraceAuditNumber, t.TransmissionDateTime, formatTime(now), formatTime(now),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: visa_transfers.idempotency_key") {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *SQLiteRepository) MarkTransferSent(ctx context.Context, transferID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE visa_transfers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusSent), formatTime(r.now()), transferID.String(), string(domain.StatusRequested))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateTransferOutcome(ctx context.Context, transferID uuid.UUID, o domain.Outcome) (*domain.Transfer, error) {
	resolved := resolvedStatuses()
	_, err := r.db.ExecContext(ctx, `
		UPDATE visa_transfers
		SET status = ?,
			network_transaction_id = COALESCE(?, network_transaction_id),
			action_code = COALESCE(?, action_code),
			approval_code = COALESCE(?, approval_code),
			error_kind = ?,
			error_code = ?,
			failure_reason = ?,
			updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(o.Status), o.NetworkTransactionID, o.ActionCode, o.ApprovalCode,
		string(o.ErrorKind), o.ErrorCode, o.FailureReason, formatTime(r.now()),
		transferID.String(), resolved[0], resolved[1],
	)
	if err != nil {
		return nil, err
	}
	return r.FindTransferByID(ctx, transferID)
}

func (r *SQLiteRepository) scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var rec transferRecord
	var createdAt, updatedAt string
	if err := row.Scan(rec.dest(&createdAt, &updatedAt)...); err != nil {
		return nil, err
	}
	var err error
	if rec.t.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, err
	}
	if rec.t.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, err
	}
	return rec.finish()
}

func (r *SQLiteRepository) findTransfer(ctx context.Context, where string, arg any) (*domain.Transfer, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sqliteTransferColumns+" FROM visa_transfers WHERE "+where+" ORDER BY created_at DESC LIMIT 1", arg)
	t, err := r.scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	return t, err
}

func (r *SQLiteRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "id = ?", transferID.String())
}

func (r *SQLiteRepository) FindTransferByNetworkID(ctx context.Context, networkTransactionID string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "network_transaction_id = ?", networkTransactionID)
}

func (r *SQLiteRepository) FindTransferByRetrievalReference(ctx context.Context, rrn string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "retrieval_reference_number = ?", rrn)
}

func (r *SQLiteRepository) FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "idempotency_key = ?", key)
}

func (r *SQLiteRepository) ListUnresolvedTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error) {
	resolved := resolvedStatuses()
	rows, err := r.db.QueryContext(ctx, "SELECT "+sqliteTransferColumns+` FROM visa_transfers
		WHERE status NOT IN (?, ?) AND updated_at <= ?
		ORDER BY updated_at ASC LIMIT ?`, resolved[0], resolved[1], formatTime(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		t, err := r.scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var originalText string
	err = tx.QueryRowContext(ctx, `SELECT amount FROM visa_transfers WHERE id = ?`, refund.TransferID.String()).Scan(&originalText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransferNotFound
		}
		return err
	}
	refunded, err := sumRefunds(ctx, tx, refund.TransferID)
	if err != nil {
		return err
	}
	if err := checkRefundFits(originalText, refunded.String(), refund.Amount); err != nil {
		return err
	}

	now := r.now()
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	refund.CreatedAt, refund.UpdatedAt = now, now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO visa_refunds (id, transfer_id, network_transaction_id, amount, currency, reason, status, action_code,
			approval_code, error_kind, error_code, failure_reason, retrieval_reference_number, systems_trace_audit_number,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID.String(), refund.TransferID.String(), refund.NetworkTransactionID, refund.Amount.StringFixed(2),
		refund.Currency, refund.Reason, string(refund.Status), refund.ActionCode, refund.ApprovalCode,
		string(refund.ErrorKind), refund.ErrorCode, refund.FailureReason, refund.RetrievalReferenceNumber,
		refund.SystemsTraceAuditNumber, formatTime(now), formatTime(now),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) MarkRefundSent(ctx context.Context, refundID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE visa_refunds SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusSent), formatTime(r.now()), refundID.String(), string(domain.StatusRequested))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateRefundOutcome(ctx context.Context, refundID uuid.UUID, o domain.Outcome) (*domain.Refund, error) {
	resolved := resolvedStatuses()
	_, err := r.db.ExecContext(ctx, `
		UPDATE visa_refunds
		SET status = ?,
			network_transaction_id = COALESCE(?, network_transaction_id),
			action_code = COALESCE(?, action_code),
			approval_code = COALESCE(?, approval_code),
			error_kind = ?,
			error_code = ?,
			failure_reason = ?,
			updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(o.Status), o.NetworkTransactionID, o.ActionCode, o.ApprovalCode,
		string(o.ErrorKind), o.ErrorCode, o.FailureReason, formatTime(r.now()),
		refundID.String(), resolved[0], resolved[1],
	)
	if err != nil {
		return nil, err
	}
	return r.findRefund(ctx, "id = ?", refundID.String())
}

func (r *SQLiteRepository) FindRefundByNetworkID(ctx context.Context, networkTransactionID string) (*domain.Refund, error) {
	return r.findRefund(ctx, "network_transaction_id = ?", networkTransactionID)
}

func (r *SQLiteRepository) FindRefundByRetrievalReference(ctx context.Context, rrn string) (*domain.Refund, error) {
	return r.findRefund(ctx, "retrieval_reference_number = ?", rrn)
}

func (r *SQLiteRepository) findRefund(ctx context.Context, where string, arg any) (*domain.Refund, error) {
	var rec refundRecord
	var createdAt, updatedAt string
	row := r.db.QueryRowContext(ctx, "SELECT "+sqliteRefundColumns+" FROM visa_refunds WHERE "+where+" ORDER BY created_at DESC LIMIT 1", arg)
	if err := row.Scan(rec.dest(&createdAt, &updatedAt)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	var err error
	if rec.r.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, err
	}
	if rec.r.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, err
	}
	return rec.finish()
}

func (r *SQLiteRepository) SumActiveRefunds(ctx context.Context, transferID uuid.UUID) (decimal.Decimal, error) {
	return sumRefunds(ctx, r.db, transferID)
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// sumRefunds adds amounts in Go so TEXT amounts never pass through floats.
func sumRefunds(ctx context.Context, q sqlQueryer, transferID uuid.UUID) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT amount FROM visa_refunds WHERE transfer_id = ? AND status <> ?`,
		transferID.String(), string(domain.StatusFailed))
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amountText string
		if err := rows.Scan(&amountText); err != nil {
			return decimal.Zero, err
		}
		amount, err := decimal.NewFromString(amountText)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}
