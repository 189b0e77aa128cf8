package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"dailyshop/backend/internal/domain"
)

// MoneyPlaces is the number of decimal places every monetary input and output carries.
const MoneyPlaces = 2

// MaxMoney is the largest amount a NUMERIC(14,2) column holds.
var MaxMoney = decimal.RequireFromString("999999999999.99")

// Compute reconciles the open lines of a session against counted stock and cash.
// It has no side effects; persisting the result is the caller's job.
func Compute(
	session domain.DailySession,
	openLines []domain.ConsignmentLine,
	items []domain.ClosingItem,
	actualCash decimal.Decimal,
	closedAt time.Time,
) (domain.ClosureResult, error) {
	if err := ValidateMoney("actual_cash", actualCash); err != nil {
		return domain.ClosureResult{}, err
	}

	counted, err := indexClosingItems(items)
	if err != nil {
		return domain.ClosureResult{}, err
	}

	known := make(map[string]struct{}, len(openLines))
	lines := make([]domain.ClosureLine, 0, len(openLines))
	payouts := make(map[string]*domain.PartnerPayout)
	totalRevenue := decimal.Zero
	totalCost := decimal.Zero

	for _, line := range openLines {
		known[line.ID] = struct{}{}

		remaining, ok := counted[line.ID]
		if !ok {
			return domain.ClosureResult{}, fmt.Errorf("%w: remaining stock missing for %q (%s)", domain.ErrValidation, line.ProductName, line.ID)
		}
		sold := line.InitialStock - remaining
		if sold < 0 {
			return domain.ClosureResult{}, fmt.Errorf("%w: remaining stock %d exceeds initial stock %d for %q", domain.ErrValidation, remaining, line.InitialStock, line.ProductName)
		}

		qty := decimal.NewFromInt(int64(sold))
		revenue := qty.Mul(line.SellingPrice).Round(MoneyPlaces)
		cost := qty.Mul(line.BasePrice).Round(MoneyPlaces)

		lines = append(lines, domain.ClosureLine{
			LineID:         line.ID,
			PartnerID:      line.PartnerID,
			ProductName:    line.ProductName,
			InitialStock:   line.InitialStock,
			RemainingStock: remaining,
			Sold:           sold,
			Revenue:        revenue,
			Cost:           cost,
			Profit:         revenue.Sub(cost),
		})
		totalRevenue = totalRevenue.Add(revenue)
		totalCost = totalCost.Add(cost)

		if line.PartnerID != "" {
			payout, exists := payouts[line.PartnerID]
			if !exists {
				payout = &domain.PartnerPayout{PartnerID: line.PartnerID, Amount: decimal.Zero}
				payouts[line.PartnerID] = payout
			}
			payout.Sold += sold
			payout.Amount = payout.Amount.Add(cost)
		}
	}

	for lineID := range counted {
		if _, ok := known[lineID]; !ok {
			return domain.ClosureResult{}, fmt.Errorf("%w: line %s is not an open line of this session", domain.ErrValidation, lineID)
		}
	}

	totalProfit := totalRevenue.Sub(totalCost)
	expectedCash := session.StartCash.Add(totalRevenue)
	if expectedCash.GreaterThan(MaxMoney) {
		return domain.ClosureResult{}, fmt.Errorf("%w: expected cash %s exceeds %s", domain.ErrValidation, expectedCash.StringFixed(MoneyPlaces), MaxMoney.StringFixed(MoneyPlaces))
	}
	variance := actualCash.Sub(expectedCash)

	return domain.ClosureResult{
		Success:      true,
		Message:      Summary(totalProfit, variance),
		SessionID:    session.ID,
		OperatorID:   session.OperatorID,
		BusinessDate: session.BusinessDate,
		Lines:        lines,
		Payouts:      sortedPayouts(payouts),
		StartCash:    session.StartCash,
		TotalRevenue: totalRevenue,
		TotalCost:    totalCost,
		TotalProfit:  totalProfit,
		ExpectedCash: expectedCash,
		ActualCash:   actualCash,
		CashVariance: variance,
		ClosedAt:     closedAt,
	}, nil
}

// Summary renders the human readable closing message.
func Summary(profit decimal.Decimal, variance decimal.Decimal) string {
	signed := variance.StringFixed(MoneyPlaces)
	if variance.IsPositive() {
		signed = "+" + signed
	}
	return fmt.Sprintf("Shop closed successfully. Profit: %s, Cash variance: %s", profit.StringFixed(MoneyPlaces), signed)
}

// ValidateMoney rejects negative amounts, amounts above MaxMoney and amounts finer than a cent.
func ValidateMoney(field string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s must be >= 0", domain.ErrValidation, field)
	}
	if amount.GreaterThan(MaxMoney) {
		return fmt.Errorf("%w: %s must be <= %s", domain.ErrValidation, field, MaxMoney.StringFixed(MoneyPlaces))
	}
	if !amount.Equal(amount.Round(MoneyPlaces)) {
		return fmt.Errorf("%w: %s must have at most %d decimal places", domain.ErrValidation, field, MoneyPlaces)
	}
	return nil
}

func indexClosingItems(items []domain.ClosingItem) (map[string]int, error) {
	counted := make(map[string]int, len(items))
	for _, item := range items {
		if item.LineID == "" {
			return nil, fmt.Errorf("%w: line_id is required", domain.ErrValidation)
		}
		if item.RemainingStock == nil {
			return nil, fmt.Errorf("%w: remaining_stock is required for line %s", domain.ErrValidation, item.LineID)
		}
		if *item.RemainingStock < 0 {
			return nil, fmt.Errorf("%w: remaining_stock must be >= 0 for line %s", domain.ErrValidation, item.LineID)
		}
		if _, dup := counted[item.LineID]; dup {
			return nil, fmt.Errorf("%w: line %s counted more than once", domain.ErrValidation, item.LineID)
		}
		counted[item.LineID] = *item.RemainingStock
	}
	return counted, nil
}

func sortedPayouts(payouts map[string]*domain.PartnerPayout) []domain.PartnerPayout {
	if len(payouts) == 0 {
		return nil
	}
	out := make([]domain.PartnerPayout, 0, len(payouts))
	for _, payout := range payouts {
		out = append(out, *payout)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PartnerID < out[j].PartnerID
	})
	return out
}
