package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailyshop/backend/internal/domain"
	"dailyshop/backend/internal/reconcile"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("DAILYSHOP_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DAILYSHOP_TEST_DATABASE_URL to run postgres integration test")
	}

	require.NoError(t, Migrate(databaseURL))
	s, err := New(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func cleanupOperator(t *testing.T, s *Store, operatorID string) {
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM consignment_lines WHERE operator_id = $1`, operatorID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_sessions WHERE operator_id = $1`, operatorID)
	})
}

func TestCloseSessionReconcilesAndLocksLines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	operatorID := fmt.Sprintf("it-cashier-%d", time.Now().UnixNano())
	cleanupOperator(t, s, operatorID)

	session, err := s.CreateSession(ctx, domain.DailySession{
		OperatorID:   operatorID,
		BusinessDate: "2026-10-14",
		StartCash:    decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, domain.DailySession{OperatorID: operatorID, BusinessDate: "2026-10-14"})
	require.ErrorIs(t, err, domain.ErrConflict)

	line, err := s.CreateLine(ctx, domain.ConsignmentLine{
		SessionID:    session.ID,
		OperatorID:   operatorID,
		ProductName:  "Risoles",
		InitialStock: 50,
		SellingPrice: decimal.RequireFromString("5.00"),
		BasePrice:    decimal.RequireFromString("3.00"),
	})
	require.NoError(t, err)

	ten := 10
	closedAt := time.Date(2026, 10, 14, 21, 0, 0, 0, time.UTC)
	result, err := s.CloseSession(ctx, operatorID, session.ID, func(locked domain.DailySession, lines []domain.ConsignmentLine) (domain.ClosureResult, error) {
		return reconcile.Compute(locked, lines, []domain.ClosingItem{{LineID: line.ID, RemainingStock: &ten}}, decimal.RequireFromString("305.00"), closedAt)
	})
	require.NoError(t, err)
	assert.Equal(t, "200", result.TotalRevenue.String())
	assert.Equal(t, "5", result.CashVariance.String())

	stored, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Closure)
	assert.Equal(t, "80", stored.Closure.TotalProfit.String())
	assert.True(t, stored.Closure.ClosedAt.Equal(closedAt))

	open, err := s.ListOpenLines(ctx, "2026-10-14", operatorID)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := s.ListSessionLines(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 10, all[0].RemainingStock)
	assert.Equal(t, domain.LineStatusClosed, all[0].Status)

	_, err = s.CloseSession(ctx, operatorID, session.ID, func(domain.DailySession, []domain.ConsignmentLine) (domain.ClosureResult, error) {
		t.Fatalf("compute must not run for a closed session")
		return domain.ClosureResult{}, nil
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = s.CreateSession(ctx, domain.DailySession{OperatorID: operatorID, BusinessDate: "2026-10-15"})
	require.NoError(t, err)
}

func TestCloseSessionRejectsForeignOperator(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	operatorID := fmt.Sprintf("it-owner-%d", time.Now().UnixNano())
	cleanupOperator(t, s, operatorID)

	session, err := s.CreateSession(ctx, domain.DailySession{
		OperatorID:   operatorID,
		BusinessDate: "2026-10-14",
		StartCash:    decimal.Zero,
	})
	require.NoError(t, err)

	_, err = s.CloseSession(ctx, operatorID+"-other", session.ID, func(domain.DailySession, []domain.ConsignmentLine) (domain.ClosureResult, error) {
		return domain.ClosureResult{}, nil
	})
	require.ErrorIs(t, err, domain.ErrNotShopSession)
}

func TestMigrateURLUsesPgx5Scheme(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db", migrateURL("postgres://u:p@localhost:5432/db"))
	assert.Equal(t, "pgx5://localhost/db", migrateURL("postgresql://localhost/db"))
	assert.Equal(t, "pgx5://localhost/db", migrateURL("pgx5://localhost/db"))
}

func TestConcurrentCloseClosesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	operatorID := fmt.Sprintf("it-race-%d", time.Now().UnixNano())
	cleanupOperator(t, s, operatorID)

	session, err := s.CreateSession(ctx, domain.DailySession{
		OperatorID:   operatorID,
		BusinessDate: "2026-10-14",
		StartCash:    decimal.RequireFromString("10.00"),
	})
	require.NoError(t, err)
	line, err := s.CreateLine(ctx, domain.ConsignmentLine{
		SessionID:    session.ID,
		OperatorID:   operatorID,
		ProductName:  "Onde-onde",
		InitialStock: 20,
		SellingPrice: decimal.RequireFromString("2.00"),
		BasePrice:    decimal.RequireFromString("1.00"),
	})
	require.NoError(t, err)

	five := 5
	compute := func(locked domain.DailySession, lines []domain.ConsignmentLine) (domain.ClosureResult, error) {
		time.Sleep(150 * time.Millisecond)
		return reconcile.Compute(locked, lines, []domain.ClosingItem{{LineID: line.ID, RemainingStock: &five}}, decimal.RequireFromString("40.00"), time.Now().UTC())
	}

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CloseSession(ctx, operatorID, session.ID, compute)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)

	stored, err := s.ListSessionLines(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 5, stored[0].RemainingStock)
}

func TestMapWriteErrorClassifiesPgCodes(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{pgNumericOutOfRange, domain.ErrValidation},
		{pgCheckViolation, domain.ErrValidation},
		{pgSerializationFailure, domain.ErrConflict},
	}
	for _, tc := range cases {
		err := mapWriteError(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tc.code}))
		assert.ErrorIs(t, err, tc.want, "code %s", tc.code)
	}

	raw := errors.New("connection reset")
	assert.Equal(t, raw, mapWriteError(raw))
}
