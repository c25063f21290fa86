package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/federation/bank-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
)

// CapitalReconciler moves capital for interbank transfers that have not been applied yet:
// outbound transfers lower capital, inbound transfers raise it. Each transfer is applied
// in its own transaction and stamped, so reruns never double count.
type CapitalReconciler struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	cfg      SettlementConfig
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Applied int                 `json:"applied"`
	Skipped int                 `json:"skipped"`
	Failed  int                 `json:"failed"`
	Net     decimal.Decimal     `json:"net_delta"`
	Capital *domain.BankCapital `json:"capital,omitempty"`
}

// NewCapitalReconciler creates a reconciler sharing the settlement configuration.
func NewCapitalReconciler(repo store.Repository, producer rabbitmq.Publisher, cfg SettlementConfig) *CapitalReconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CapitalReconciler{repo: repo, producer: producer, cfg: cfg}
}

// Reconcile applies up to limit pending transfers, oldest first.
func (r *CapitalReconciler) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	report := ReconcileReport{Net: decimal.Zero}

	transfers, err := r.repo.ListUnappliedTransfers(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to list unapplied transfers: %w", err)
	}

	for _, t := range transfers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		capital, err := r.repo.ApplyTransferToCapital(ctx, t.ID, store.CapitalUpdate{
			BankCode:       r.cfg.BankCode,
			InitialCapital: r.cfg.InitialCapital,
			Reason:         fmt.Sprintf("interbank %s %s", t.Direction, t.ID),
			At:             r.cfg.Now().UTC(),
		})
		switch {
		case err == nil:
			report.Applied++
			report.Net = report.Net.Add(t.CapitalDelta())
			report.Capital = capital
		case errors.Is(err, store.ErrTransferAlreadyApplied):
			report.Skipped++
		default:
			report.Failed++
			log.Printf("level=error component=capital_reconciler msg=\"failed to apply transfer\" transfer_id=%s err=%v", t.ID, err)
		}
	}

	if report.Applied > 0 && report.Capital != nil {
		publish(ctx, r.producer, r.cfg.EventsExchange, domain.EventCapitalUpdated, domain.CapitalEvent{
			BankCode:   report.Capital.BankCode,
			Delta:      report.Net.StringFixed(2),
			Capital:    report.Capital.Capital.StringFixed(2),
			Reason:     "interbank reconciliation",
			OccurredAt: report.Capital.UpdatedAt,
		})
		log.Printf("level=info component=capital_reconciler msg=\"capital reconciled\" applied=%d net=%s capital=%s", report.Applied, report.Net.StringFixed(2), report.Capital.Capital.StringFixed(2))
	}
	return report, nil
}
