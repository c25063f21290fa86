package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/shopspring/decimal"
)

type jobsRepoStub struct {
	store.Repository
	stale       []domain.Payment
	staleErr    error
	staleCutoff time.Time
	expired     int64
	expireAt    time.Time
}

func (s *jobsRepoStub) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	s.staleCutoff = olderThan
	if s.staleErr != nil {
		return nil, s.staleErr
	}
	return s.stale, nil
}

func (s *jobsRepoStub) ExpireConsents(ctx context.Context, now time.Time) (int64, error) {
	s.expireAt = now
	return s.expired, nil
}

type reconcilerStub struct {
	calls int
	limit int
}

func (s *reconcilerStub) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	s.calls++
	s.limit = limit
	return ReconcileReport{Applied: 1, Net: decimal.NewFromInt(5)}, nil
}

func newTestJobs(repo store.Repository, reconciler Reconciler, publisher *recordingPublisher, clock *testClock) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(repo, reconciler, publisher, logger, JobsConfig{EventsExchange: "bank_events", StaleAfter: 10 * time.Minute, Now: clock.Now})
}

func TestSweepStalePayments_PublishesEachStalePayment(t *testing.T) {
	clock := newTestClock()
	repo := &jobsRepoStub{stale: []domain.Payment{
		{ID: "pay-1", Status: domain.PaymentInProcess, Amount: decimal.NewFromInt(1)},
		{ID: "pay-2", Status: domain.PaymentInProcess, Amount: decimal.NewFromInt(2)},
	}}
	publisher := &recordingPublisher{}
	jobs := newTestJobs(repo, &reconcilerStub{}, publisher, clock)

	jobs.SweepStalePayments()

	if want := clock.Now().Add(-10 * time.Minute); !repo.staleCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, repo.staleCutoff)
	}
	keys := publisher.published()
	if len(keys) != 2 || keys[0] != domain.EventPaymentStale {
		t.Fatalf("expected two payment.stale events, got %v", keys)
	}
}

func TestSweepStalePayments_ListFailurePublishesNothing(t *testing.T) {
	repo := &jobsRepoStub{staleErr: errors.New("db down")}
	publisher := &recordingPublisher{}
	jobs := newTestJobs(repo, &reconcilerStub{}, publisher, newTestClock())

	jobs.SweepStalePayments()

	if keys := publisher.published(); len(keys) != 0 {
		t.Fatalf("expected no events, got %v", keys)
	}
}

func TestExpireConsentsAndReconcileCapital(t *testing.T) {
	clock := newTestClock()
	repo := &jobsRepoStub{expired: 3}
	reconciler := &reconcilerStub{}
	jobs := newTestJobs(repo, reconciler, &recordingPublisher{}, clock)

	jobs.ExpireConsents()
	if !repo.expireAt.Equal(clock.Now()) {
		t.Fatalf("expected expiry at %s, got %s", clock.Now(), repo.expireAt)
	}

	jobs.ReconcileCapital()
	if reconciler.calls != 1 || reconciler.limit != jobBatchSize {
		t.Fatalf("expected one reconcile call with limit %d, got calls=%d limit=%d", jobBatchSize, reconciler.calls, reconciler.limit)
	}
}

func TestScheduler_SkipsEmptyAndInvalidSchedules(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := newTestJobs(&jobsRepoStub{}, &reconcilerStub{}, &recordingPublisher{}, newTestClock())
	scheduler := NewScheduler(jobs, logger, ScheduleConfig{CapitalReconcile: "@every 1m", ConsentExpiry: "not a schedule"})

	if got := scheduler.Start(); got != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", got)
	}
	<-scheduler.Stop().Done()
}
