package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const BusinessDateLayout = "2006-01-02"

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	LineStatusOpen   = "open"
	LineStatusClosed = "closed"
)

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// DailySession is one operator's open-to-close cash period for a business date.
// A nil Closure means the session is still open.
type DailySession struct {
	ID           string
	OperatorID   string
	BusinessDate string
	StartCash    decimal.Decimal
	OpenedAt     time.Time
	Closure      *SessionClosure
}

// SessionClosure holds the figures persisted when a session is reconciled.
type SessionClosure struct {
	ClosedAt     time.Time       `json:"closed_at"`
	ActualCash   decimal.Decimal `json:"actual_cash"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	CashVariance decimal.Decimal `json:"cash_variance"`
}

func (s DailySession) IsOpen() bool {
	return s.Closure == nil
}

func (s DailySession) Status() string {
	if s.Closure == nil {
		return SessionStatusOpen
	}
	return SessionStatusClosed
}

type sessionJSON struct {
	ID           string          `json:"id"`
	OperatorID   string          `json:"operator_id"`
	BusinessDate string          `json:"date"`
	StartCash    decimal.Decimal `json:"start_cash"`
	Status       string          `json:"status"`
	OpenedAt     time.Time       `json:"opened_at"`
	Closure      *SessionClosure `json:"closure,omitempty"`
}

func (s DailySession) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		ID:           s.ID,
		OperatorID:   s.OperatorID,
		BusinessDate: s.BusinessDate,
		StartCash:    s.StartCash,
		Status:       s.Status(),
		OpenedAt:     s.OpenedAt,
		Closure:      s.Closure,
	})
}

func (s *DailySession) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = DailySession{
		ID:           raw.ID,
		OperatorID:   raw.OperatorID,
		BusinessDate: raw.BusinessDate,
		StartCash:    raw.StartCash,
		OpenedAt:     raw.OpenedAt,
		Closure:      raw.Closure,
	}
	return nil
}

type ConsignmentLine struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	OperatorID     string          `json:"operator_id"`
	BusinessDate   string          `json:"date"`
	PartnerID      string          `json:"partner_id,omitempty"`
	ProductName    string          `json:"product_name"`
	InitialStock   int             `json:"initial_stock"`
	RemainingStock int             `json:"remaining_stock"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	BasePrice      decimal.Decimal `json:"base_price"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// OpenLineView is the projection served to the close-shop form.
type OpenLineView struct {
	ID             string          `json:"id"`
	PartnerID      string          `json:"partner_id,omitempty"`
	ProductName    string          `json:"product_name"`
	InitialStock   int             `json:"initial_stock"`
	RemainingStock int             `json:"remaining_stock"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	BasePrice      decimal.Decimal `json:"base_price"`
}

func (l ConsignmentLine) View() OpenLineView {
	return OpenLineView{
		ID:             l.ID,
		PartnerID:      l.PartnerID,
		ProductName:    l.ProductName,
		InitialStock:   l.InitialStock,
		RemainingStock: l.RemainingStock,
		SellingPrice:   l.SellingPrice,
		BasePrice:      l.BasePrice,
	}
}

type Partner struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type SessionOpenRequest struct {
	StartCash *decimal.Decimal `json:"start_cash" validate:"required"`
}

type LineCreateRequest struct {
	PartnerID    string           `json:"partner_id,omitempty" validate:"omitempty,max=64"`
	ProductName  string           `json:"product_name" validate:"required,max=200"`
	InitialStock int              `json:"initial_stock" validate:"gte=0"`
	SellingPrice *decimal.Decimal `json:"selling_price" validate:"required"`
	BasePrice    *decimal.Decimal `json:"base_price" validate:"required"`
}

// ClosingItem is the counted remaining stock for one line at close time.
type ClosingItem struct {
	LineID         string `json:"line_id" validate:"required"`
	RemainingStock *int   `json:"remaining_stock" validate:"required"`
}

type SessionCloseRequest struct {
	Items      []ClosingItem    `json:"items" validate:"dive"`
	ActualCash *decimal.Decimal `json:"actual_cash" validate:"required"`
}

type ClosureLine struct {
	LineID         string          `json:"line_id"`
	PartnerID      string          `json:"partner_id,omitempty"`
	ProductName    string          `json:"product_name"`
	InitialStock   int             `json:"initial_stock"`
	RemainingStock int             `json:"remaining_stock"`
	Sold           int             `json:"sold"`
	Revenue        decimal.Decimal `json:"revenue"`
	Cost           decimal.Decimal `json:"cost"`
	Profit         decimal.Decimal `json:"profit"`
}

// PartnerPayout is what the shop owes a consignor for units sold.
type PartnerPayout struct {
	PartnerID string          `json:"partner_id"`
	Sold      int             `json:"sold"`
	Amount    decimal.Decimal `json:"amount"`
}

type ClosureResult struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	SessionID    string          `json:"session_id"`
	OperatorID   string          `json:"operator_id"`
	BusinessDate string          `json:"date"`
	Lines        []ClosureLine   `json:"items"`
	Payouts      []PartnerPayout `json:"partner_payouts,omitempty"`
	StartCash    decimal.Decimal `json:"start_cash"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
	ActualCash   decimal.Decimal `json:"actual_cash"`
	CashVariance decimal.Decimal `json:"cash_variance"`
	ClosedAt     time.Time       `json:"closed_at"`
}

func (r ClosureResult) Closure() SessionClosure {
	return SessionClosure{
		ClosedAt:     r.ClosedAt,
		ActualCash:   r.ActualCash,
		TotalRevenue: r.TotalRevenue,
		TotalCost:    r.TotalCost,
		TotalProfit:  r.TotalProfit,
		ExpectedCash: r.ExpectedCash,
		CashVariance: r.CashVariance,
	}
}

type SessionDetail struct {
	Session DailySession      `json:"session"`
	Lines   []ConsignmentLine `json:"lines"`
}

type ClosureSummary struct {
	SessionID    string          `json:"session_id"`
	BusinessDate string          `json:"date"`
	ClosedAt     time.Time       `json:"closed_at"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	CashVariance decimal.Decimal `json:"cash_variance"`
}

type DashboardSummary struct {
	OperatorID     string           `json:"operator_id"`
	Date           string           `json:"date"`
	OpenSession    *DailySession    `json:"open_session,omitempty"`
	OpenLineCount  int              `json:"open_line_count"`
	OpenStockValue decimal.Decimal  `json:"open_stock_value"`
	RecentClosures []ClosureSummary `json:"recent_closures"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller. Username doubles as the operator id.
type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
