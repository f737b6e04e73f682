package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/config"
	"github.com/honeynil/PointsLedgerService/internal/models"
	service "github.com/honeynil/PointsLedgerService/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubVouchers struct {
	service.VoucherService
	mock.Mock
}

func (s *stubVouchers) ExpireStale(ctx context.Context, now time.Time) ([]models.Voucher, error) {
	args := s.Called(ctx, now)
	v, _ := args.Get(0).([]models.Voucher)
	return v, args.Error(1)
}

type stubLedger struct {
	service.LedgerService
	mock.Mock
}

func (s *stubLedger) Reconcile(ctx context.Context) ([]models.Discrepancy, error) {
	args := s.Called(ctx)
	d, _ := args.Get(0).([]models.Discrepancy)
	return d, args.Error(1)
}

func TestExpireVouchers_PassesClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	vouchers := &stubVouchers{}
	vouchers.On("ExpireStale", mock.Anything, now).Return([]models.Voucher{{Code: "ABC234"}}, nil)

	jr := NewJobRunner(vouchers, &stubLedger{})
	jr.now = func() time.Time { return now }
	jr.ExpireVouchers()

	vouchers.AssertExpectations(t)
}

func TestReconcileBalance_ErrorDoesNotPanic(t *testing.T) {
	ledger := &stubLedger{}
	ledger.On("Reconcile", mock.Anything).Return(nil, errors.New("db down"))

	jr := NewJobRunner(&stubVouchers{}, ledger)
	assert.NotPanics(t, jr.ReconcileBalance)
	ledger.AssertExpectations(t)
}

func TestRunWithRecovery(t *testing.T) {
	jr := NewJobRunner(nil, nil)
	assert.NotPanics(t, func() {
		jr.runWithRecovery("boom", func(context.Context) error { panic("boom") })
	})

	var deadline bool
	jr.runWithRecovery("deadline", func(ctx context.Context) error {
		_, deadline = ctx.Deadline()
		return nil
	})
	assert.True(t, deadline)
}

func TestNewScheduler(t *testing.T) {
	jr := NewJobRunner(&stubVouchers{}, &stubLedger{})

	s, err := NewScheduler(jr, config.Schedule{ExpireVouchers: "0 */15 * * * *", ReconcileBalance: "0 0 3 * * *"})
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)

	_, err = NewScheduler(jr, config.Schedule{ExpireVouchers: "every tuesday", ReconcileBalance: "0 0 3 * * *"})
	assert.Error(t, err)
}
