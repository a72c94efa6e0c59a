/**
 * @description
 * The status reconciler resolves transfers whose outcome is still open. A push
 * funds call that timed out is UNKNOWN until somebody asks the network; this
 * job does the asking on a schedule so callers do not have to.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/visadirect-service/internal/domain"
)

// UnresolvedLister is the ledger query the reconciler needs.
type UnresolvedLister interface {
	ListUnresolvedTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error)
}

// StatusRefresher refreshes one transfer from the network.
type StatusRefresher interface {
	GetTransferStatus(ctx context.Context, transactionID string) (*domain.TransferResult, error)
}

// ReconcilerConfig tunes a reconciliation pass.
type ReconcilerConfig struct {
	MinAge    time.Duration
	BatchSize int
	// Timeout bounds one whole pass.
	Timeout time.Duration
}

// Reconciler queries the network for every transfer left open too long.
type Reconciler struct {
	repo    UnresolvedLister
	service StatusRefresher
	logger  *slog.Logger
	config  ReconcilerConfig
	now     func() time.Time
}

// NewReconciler creates a new Reconciler.
func NewReconciler(repo UnresolvedLister, service StatusRefresher, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Reconciler{repo: repo, service: service, logger: logger, config: cfg, now: time.Now}
}

// Run performs one reconciliation pass. It is the cron entry point.
func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()
	r.RunOnce(ctx)
}

// RunOnce reconciles at most one batch and reports how many transfers resolved.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	r.logger.Info("starting transfer status reconciliation job")

	cutoff := r.now().Add(-r.config.MinAge)
	transfers, err := r.repo.ListUnresolvedTransfers(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to list unresolved transfers", "error", err)
		return 0
	}
	if len(transfers) == 0 {
		r.logger.Info("no unresolved transfers to reconcile")
		return 0
	}

	r.logger.Info("found unresolved transfers", "count", len(transfers))

	resolved := 0
	for _, transfer := range transfers {
		if ctx.Err() != nil {
			r.logger.Warn("reconciliation pass interrupted", "error", ctx.Err())
			break
		}
		result, err := r.service.GetTransferStatus(ctx, transfer.ID.String())
		if err != nil {
			r.logger.Error("failed to refresh transfer status", "transfer_id", transfer.ID, "error", err)
			continue
		}
		if result.Status.IsResolved() {
			resolved++
		}
		r.logger.Info("refreshed transfer status", "transfer_id", transfer.ID, "previous_status", transfer.Status, "status", result.Status)
	}

	r.logger.Info("transfer status reconciliation job finished", "checked", len(transfers), "resolved", resolved)
	return resolved
}
