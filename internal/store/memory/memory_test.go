package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dailyshop/backend/internal/domain"
)

func openSession(t *testing.T, s *Store, operatorID string) *domain.DailySession {
	t.Helper()
	session, err := s.CreateSession(context.Background(), domain.DailySession{
		OperatorID:   operatorID,
		BusinessDate: "2026-10-14",
		StartCash:    decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	return session
}

func TestCreateSessionRejectsSecondOpenSession(t *testing.T) {
	s := New()
	openSession(t, s, "cashier")

	_, err := s.CreateSession(context.Background(), domain.DailySession{OperatorID: "cashier", BusinessDate: "2026-10-14"})
	require.ErrorIs(t, err, domain.ErrConflict)

	other, err := s.CreateSession(context.Background(), domain.DailySession{OperatorID: "cashier-2", BusinessDate: "2026-10-14"})
	require.NoError(t, err)
	assert.True(t, other.IsOpen())
}

func TestCloseSessionLeavesStateUntouchedOnComputeError(t *testing.T) {
	ctx := context.Background()
	s := New()
	session := openSession(t, s, "cashier")
	line, err := s.CreateLine(ctx, domain.ConsignmentLine{
		SessionID:    session.ID,
		OperatorID:   "cashier",
		ProductName:  "Klepon",
		InitialStock: 10,
		SellingPrice: decimal.RequireFromString("2.00"),
		BasePrice:    decimal.RequireFromString("1.00"),
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.CloseSession(ctx, "cashier", session.ID, func(domain.DailySession, []domain.ConsignmentLine) (domain.ClosureResult, error) {
		return domain.ClosureResult{}, boom
	})
	require.ErrorIs(t, err, boom)

	stillOpen, err := s.GetOpenSession(ctx, "cashier")
	require.NoError(t, err)
	assert.Equal(t, session.ID, stillOpen.ID)

	lines, err := s.ListOpenLines(ctx, "2026-10-14", "cashier")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, line.ID, lines[0].ID)
	assert.Equal(t, 10, lines[0].RemainingStock)
}

func TestCloseSessionRequiresOwner(t *testing.T) {
	s := New()
	session := openSession(t, s, "cashier")

	_, err := s.CloseSession(context.Background(), "someone-else", session.ID, func(domain.DailySession, []domain.ConsignmentLine) (domain.ClosureResult, error) {
		t.Fatalf("compute must not run for a foreign session")
		return domain.ClosureResult{}, nil
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateLineRejectsUnknownPartner(t *testing.T) {
	s := New()
	session := openSession(t, s, "cashier")

	_, err := s.CreateLine(context.Background(), domain.ConsignmentLine{
		SessionID:   session.ID,
		OperatorID:  "cashier",
		PartnerID:   "partner-missing",
		ProductName: "Lemper",
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestListPartnersIsAlphabetical(t *testing.T) {
	s := NewSeeded(nil)
	partners, err := s.ListPartners(context.Background())
	require.NoError(t, err)
	require.Len(t, partners, 3)
	assert.Equal(t, "Aneka Snack", partners[0].Name)
	assert.Equal(t, "Dapur Bu Sri", partners[1].Name)
	assert.Equal(t, "Kedai Rasa", partners[2].Name)
}

func TestAddPartnerRegistersAndRenames(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetPartner(ctx, "partner-bu-sri")
	require.ErrorIs(t, err, domain.ErrNotFound)

	s.AddPartner(domain.Partner{ID: "partner-bu-sri", Name: "Dapur Bu Sri"})
	s.AddPartner(domain.Partner{ID: "partner-bu-sri", Name: "Dapur Bu Sri Pusat"})

	partner, err := s.GetPartner(ctx, "partner-bu-sri")
	require.NoError(t, err)
	assert.Equal(t, "Dapur Bu Sri Pusat", partner.Name)

	partners, err := s.ListPartners(ctx)
	require.NoError(t, err)
	assert.Len(t, partners, 1)
}
