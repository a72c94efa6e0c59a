/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
)

const pgTransferColumns = `id, idempotency_key, network_transaction_id, sender_account_ref, recipient_account_ref,
	sender_name, recipient_name, purpose, amount::text, currency, status, action_code, approval_code,
	error_kind, error_code, failure_reason, retrieval_reference_number, systems_trace_audit_number,
	transmission_date_time, created_at, updated_at`

const pgRefundColumns = `id, transfer_id, network_transaction_id, amount::text, currency, reason, status,
	action_code, approval_code, error_kind, error_code, failure_reason, retrieval_reference_number,
	systems_trace_audit_number, created_at, updated_at`

// PostgresRepository is the production ledger.
type PostgresRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the ledger tables when they do not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, postgresSchema)
	return err
}

func (r *PostgresRepository) Ping(ctx context.Context) error { return r.db.Ping(ctx) }

func (r *PostgresRepository) Close() { r.db.Close() }

func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	now := r.now()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.db.Exec(ctx, `
		INSERT INTO visa_transfers (id, idempotency_key, network_transaction_id, sender_account_ref, recipient_account_ref,
			sender_name, recipient_name, purpose, amount, currency, status, action_code, approval_code, error_kind,
			error_code, failure_reason, retrieval_reference_number, systems_trace_audit_number, transmission_date_time,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.IdempotencyKey, t.NetworkTransactionID, t.SenderAccountRef, t.RecipientAccountRef,
		t.SenderName, t.RecipientName, t.Purpose, t.Amount.String(), t.Currency, string(t.Status),
		t.ActionCode, t.ApprovalCode, string(t.ErrorKind), t.ErrorCode, t.FailureReason,
		t.RetrievalReferenceNumber, t.SystemsTraceAuditNumber, t.TransmissionDateTime, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err, idempotencyKeyConstraint) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *PostgresRepository) MarkTransferSent(ctx context.Context, transferID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE visa_transfers SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		transferID, string(domain.StatusSent), r.now(), string(domain.StatusRequested))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateTransferOutcome(ctx context.Context, transferID uuid.UUID, o domain.Outcome) (*domain.Transfer, error) {
	resolved := resolvedStatuses()
	_, err := r.db.Exec(ctx, `
		UPDATE visa_transfers
		SET status = $2,
			network_transaction_id = COALESCE($3, network_transaction_id),
			action_code = COALESCE($4, action_code),
			approval_code = COALESCE($5, approval_code),
			error_kind = $6,
			error_code = $7,
			failure_reason = $8,
			updated_at = $9
		WHERE id = $1 AND status NOT IN ($10, $11)`,
		transferID, string(o.Status), o.NetworkTransactionID, o.ActionCode, o.ApprovalCode,
		string(o.ErrorKind), o.ErrorCode, o.FailureReason, r.now(), resolved[0], resolved[1],
	)
	if err != nil {
		return nil, err
	}
	return r.FindTransferByID(ctx, transferID)
}

func (r *PostgresRepository) findTransfer(ctx context.Context, where string, arg any) (*domain.Transfer, error) {
	var rec transferRecord
	row := r.db.QueryRow(ctx, "SELECT "+pgTransferColumns+" FROM visa_transfers WHERE "+where+" ORDER BY created_at DESC LIMIT 1", arg)
	if err := row.Scan(rec.dest(&rec.t.CreatedAt, &rec.t.UpdatedAt)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return rec.finish()
}

func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "id = $1", transferID)
}

func (r *PostgresRepository) FindTransferByNetworkID(ctx context.Context, networkTransactionID string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "network_transaction_id = $1", networkTransactionID)
}

func (r *PostgresRepository) FindTransferByRetrievalReference(ctx context.Context, rrn string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "retrieval_reference_number = $1", rrn)
}

func (r *PostgresRepository) FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	return r.findTransfer(ctx, "idempotency_key = $1", key)
}

func (r *PostgresRepository) ListUnresolvedTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error) {
	resolved := resolvedStatuses()
	rows, err := r.db.Query(ctx, "SELECT "+pgTransferColumns+` FROM visa_transfers
		WHERE status NOT IN ($1, $2) AND updated_at <= $3
		ORDER BY updated_at ASC LIMIT $4`, resolved[0], resolved[1], olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		var rec transferRecord
		if err := rows.Scan(rec.dest(&rec.t.CreatedAt, &rec.t.UpdatedAt)...); err != nil {
			return nil, err
		}
		t, err := rec.finish()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var originalText string
	err = tx.QueryRow(ctx, `SELECT amount::text FROM visa_transfers WHERE id = $1 FOR UPDATE`, refund.TransferID).Scan(&originalText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransferNotFound
		}
		return err
	}
	var refundedText string
	err = tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM visa_refunds WHERE transfer_id = $1 AND status <> $2`,
		refund.TransferID, string(domain.StatusFailed)).Scan(&refundedText)
	if err != nil {
		return err
	}
	if err := checkRefundFits(originalText, refundedText, refund.Amount); err != nil {
		return err
	}

	now := r.now()
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	refund.CreatedAt, refund.UpdatedAt = now, now
	_, err = tx.Exec(ctx, `
		INSERT INTO visa_refunds (id, transfer_id, network_transaction_id, amount, currency, reason, status, action_code,
			approval_code, error_kind, error_code, failure_reason, retrieval_reference_number, systems_trace_audit_number,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		refund.ID, refund.TransferID, refund.NetworkTransactionID, refund.Amount.String(), refund.Currency, refund.Reason,
		string(refund.Status), refund.ActionCode, refund.ApprovalCode, string(refund.ErrorKind), refund.ErrorCode,
		refund.FailureReason, refund.RetrievalReferenceNumber, refund.SystemsTraceAuditNumber, refund.CreatedAt, refund.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) MarkRefundSent(ctx context.Context, refundID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE visa_refunds SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		refundID, string(domain.StatusSent), r.now(), string(domain.StatusRequested))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateRefundOutcome(ctx context.Context, refundID uuid.UUID, o domain.Outcome) (*domain.Refund, error) {
	resolved := resolvedStatuses()
	_, err := r.db.Exec(ctx, `
		UPDATE visa_refunds
		SET status = $2,
			network_transaction_id = COALESCE($3, network_transaction_id),
			action_code = COALESCE($4, action_code),
			approval_code = COALESCE($5, approval_code),
			error_kind = $6,
			error_code = $7,
			failure_reason = $8,
			updated_at = $9
		WHERE id = $1 AND status NOT IN ($10, $11)`,
		refundID, string(o.Status), o.NetworkTransactionID, o.ActionCode, o.ApprovalCode,
		string(o.ErrorKind), o.ErrorCode, o.FailureReason, r.now(), resolved[0], resolved[1],
	)
	if err != nil {
		return nil, err
	}
	return r.findRefund(ctx, "id = $1", refundID)
}

func (r *PostgresRepository) FindRefundByNetworkID(ctx context.Context, networkTransactionID string) (*domain.Refund, error) {
	return r.findRefund(ctx, "network_transaction_id = $1", networkTransactionID)
}

func (r *PostgresRepository) FindRefundByRetrievalReference(ctx context.Context, rrn string) (*domain.Refund, error) {
	return r.findRefund(ctx, "retrieval_reference_number = $1", rrn)
}

func (r *PostgresRepository) findRefund(ctx context.Context, where string, arg any) (*domain.Refund, error) {
	var rec refundRecord
	row := r.db.QueryRow(ctx, "SELECT "+pgRefundColumns+" FROM visa_refunds WHERE "+where+" ORDER BY created_at DESC LIMIT 1", arg)
	if err := row.Scan(rec.dest(&rec.r.CreatedAt, &rec.r.UpdatedAt)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return rec.finish()
}

func (r *PostgresRepository) SumActiveRefunds(ctx context.Context, transferID uuid.UUID) (decimal.Decimal, error) {
	var total string
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM visa_refunds WHERE transfer_id = $1 AND status <> $2`,
		transferID, string(domain.StatusFailed)).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

// idempotencyKeyConstraint is the name Postgres gives the inline UNIQUE on idempotency_key.
const idempotencyKeyConstraint = "visa_transfers_idempotency_key_key"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func checkRefundFits(originalText, refundedText string, amount decimal.Decimal) error {
	original, err := decimal.NewFromString(originalText)
	if err != nil {
		return fmt.Errorf("parse original amount: %w", err)
	}
	refunded, err := decimal.NewFromString(refundedText)
	if err != nil {
		return fmt.Errorf("parse refunded amount: %w", err)
	}
	if amount.GreaterThan(original.Sub(refunded)) {
		return ErrRefundExceedsAvailable
	}
	return nil
}
