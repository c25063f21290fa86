/**
 * @description
 * Scheduled job implementations: capital reconciliation, consent expiry and the
 * stale payment sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/federation/bank-service/pkg/rabbitmq"
)

const jobBatchSize = 200

// Reconciler applies pending interbank transfers to capital.
type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (ReconcileReport, error)
}

// JobsConfig configures the job runner.
type JobsConfig struct {
	EventsExchange string
	StaleAfter     time.Duration
	Now            func() time.Time
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       store.Repository
	reconciler Reconciler
	producer   rabbitmq.Publisher
	logger     *slog.Logger
	config     JobsConfig
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, reconciler Reconciler, producer rabbitmq.Publisher, logger *slog.Logger, cfg JobsConfig) *Jobs {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Jobs{
		repo:       repo,
		reconciler: reconciler,
		producer:   producer,
		logger:     logger,
		config:     cfg,
	}
}

// ReconcileCapital applies unapplied interbank transfers to the capital ledger.
func (j *Jobs) ReconcileCapital() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report, err := j.reconciler.Reconcile(ctx, jobBatchSize)
	if err != nil {
		j.logger.Error("failed to reconcile capital", "error", err)
		return
	}
	if report.Applied == 0 && report.Failed == 0 {
		return
	}
	j.logger.Info("capital reconciliation finished", "applied", report.Applied, "skipped", report.Skipped, "failed", report.Failed, "net", report.Net.StringFixed(2))
}

// ExpireConsents flips active consents past their expiry to expired.
func (j *Jobs) ExpireConsents() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.repo.ExpireConsents(ctx, j.config.Now().UTC())
	if err != nil {
		j.logger.Error("failed to expire consents", "error", err)
		return
	}
	if count > 0 {
		j.logger.Info("expired consents", "count", count)
	}
}

// SweepStalePayments reports payments stuck in-process longer than the stale threshold.
func (j *Jobs) SweepStalePayments() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.config.Now().UTC().Add(-j.config.StaleAfter)
	payments, err := j.repo.ListStalePayments(ctx, cutoff, jobBatchSize)
	if err != nil {
		j.logger.Error("failed to list stale payments", "error", err)
		return
	}
	if len(payments) == 0 {
		return
	}

	j.logger.Warn("found stale in-process payments", "count", len(payments))
	for _, p := range payments {
		j.logger.Warn("stale payment", "payment_id", p.ID, "from_account", p.FromAccountNumber, "updated_at", p.UpdatedAt)
		publish(ctx, j.producer, j.config.EventsExchange, domain.EventPaymentStale, domain.PaymentEvent{
			PaymentID:       p.ID,
			Status:          string(p.Status),
			FromAccount:     p.FromAccountNumber,
			ToAccount:       p.ToAccountNumber,
			Amount:          p.Amount.StringFixed(2),
			Currency:        p.Currency,
			DestinationBank: p.DestinationBank,
			OccurredAt:      j.config.Now().UTC(),
		})
	}
}
