package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"dailyshop/backend/internal/domain"
	"dailyshop/backend/internal/store"
	"dailyshop/backend/internal/xid"
)

const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgNumericOutOfRange    = "22003"
	pgSerializationFailure = "40001"
)

const sessionColumns = `id, operator_id, business_date, start_cash, status, opened_at,
	closed_at, actual_cash, total_revenue, total_cost, total_profit, expected_cash, cash_variance`

const lineColumns = `id, session_id, operator_id, business_date, partner_id, product_name,
	initial_stock, remaining_stock, selling_price, base_price, status, created_at, closed_at`

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, session domain.DailySession) (*domain.DailySession, error) {
	if strings.TrimSpace(session.OperatorID) == "" {
		return nil, fmt.Errorf("%w: operator is required", domain.ErrValidation)
	}
	day, err := parseBusinessDate(session.BusinessDate)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Closure = nil

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_sessions (id, operator_id, business_date, start_cash, status, opened_at)
		VALUES ($1,$2,$3,$4,'open',$5)
	`, session.ID, session.OperatorID, day, session.StartCash, session.OpenedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, fmt.Errorf("%w: shop session already open", domain.ErrConflict)
		}
		return nil, mapWriteError(err)
	}
	saved := session
	return &saved, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.DailySession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM daily_sessions
		WHERE id = $1
	`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotShopSession
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetOpenSession(ctx context.Context, operatorID string) (*domain.DailySession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM daily_sessions
		WHERE operator_id = $1 AND status = 'open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, operatorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no open shop session", domain.ErrNotFound)
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, operatorID string, sessionID string, compute store.CloseFunc) (*domain.ClosureResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	session, err := scanSession(tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM daily_sessions
		WHERE id = $1 AND operator_id = $2
		FOR UPDATE
	`, sessionID, operatorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotShopSession
		}
		return nil, s.closeFailure(ctx, operatorID, sessionID, err)
	}
	if !session.IsOpen() {
		return nil, fmt.Errorf("%w: shop session already closed", domain.ErrInvalidState)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+lineColumns+`
		FROM consignment_lines
		WHERE session_id = $1 AND status <> 'closed'
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, sessionID)
	if err != nil {
		return nil, s.closeFailure(ctx, operatorID, sessionID, err)
	}
	openLines, err := scanLines(rows)
	if err != nil {
		return nil, s.closeFailure(ctx, operatorID, sessionID, err)
	}

	result, err := compute(*session, openLines)
	if err != nil {
		return nil, err
	}
	if result.ClosedAt.IsZero() {
		result.ClosedAt = time.Now().UTC()
	}

	for _, line := range result.Lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE consignment_lines
			SET remaining_stock = $2, status = 'closed', closed_at = $3
			WHERE id = $1 AND session_id = $4 AND status <> 'closed'
		`, line.LineID, line.RemainingStock, result.ClosedAt, sessionID)
		if err != nil {
			return nil, s.closeFailure(ctx, operatorID, sessionID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			return nil, fmt.Errorf("%w: line %s changed during close", domain.ErrConflict, line.LineID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE daily_sessions
		SET status = 'closed', closed_at = $2, actual_cash = $3, total_revenue = $4,
			total_cost = $5, total_profit = $6, expected_cash = $7, cash_variance = $8
		WHERE id = $1 AND status = 'open'
	`, sessionID, result.ClosedAt, result.ActualCash, result.TotalRevenue,
		result.TotalCost, result.TotalProfit, result.ExpectedCash, result.CashVariance)
	if err != nil {
		return nil, s.closeFailure(ctx, operatorID, sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.closeFailure(ctx, operatorID, sessionID, err)
	}
	return &result, nil
}

// closeFailure maps an error raised inside the close transaction. A
// serialization failure against a session that is now closed is reported as ErrInvalidState.
func (s *Store) closeFailure(ctx context.Context, operatorID string, sessionID string, err error) error {
	if pgCode(err) != pgSerializationFailure {
		return mapWriteError(err)
	}
	current, lookupErr := s.GetSession(ctx, sessionID)
	if lookupErr == nil && current.OperatorID == operatorID && !current.IsOpen() {
		return fmt.Errorf("%w: shop session already closed", domain.ErrInvalidState)
	}
	return mapWriteError(err)
}

func (s *Store) ListRecentClosedSessions(ctx context.Context, operatorID string, limit int) ([]domain.DailySession, error) {
	if limit < 1 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM daily_sessions
		WHERE operator_id = $1 AND status = 'closed'
		ORDER BY closed_at DESC
		LIMIT $2
	`, operatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.DailySession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) CreateLine(ctx context.Context, line domain.ConsignmentLine) (*domain.ConsignmentLine, error) {
	if strings.TrimSpace(line.ProductName) == "" || line.InitialStock < 0 {
		return nil, fmt.Errorf("%w: product name and non-negative stock are required", domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var day time.Time
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT business_date, status
		FROM daily_sessions
		WHERE id = $1 AND operator_id = $2
		FOR SHARE
	`, line.SessionID, line.OperatorID).Scan(&day, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotShopSession
		}
		return nil, err
	}
	if status != domain.SessionStatusOpen {
		return nil, fmt.Errorf("%w: shop session already closed", domain.ErrInvalidState)
	}

	if line.ID == "" {
		line.ID = xid.New("line")
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	line.BusinessDate = day.Format(domain.BusinessDateLayout)
	line.RemainingStock = line.InitialStock
	line.Status = domain.LineStatusOpen
	line.ClosedAt = nil

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consignment_lines (
			id, session_id, operator_id, business_date, partner_id, product_name,
			initial_stock, remaining_stock, selling_price, base_price, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'open',$11)
	`, line.ID, line.SessionID, line.OperatorID, day, nullIfEmpty(line.PartnerID), line.ProductName,
		line.InitialStock, line.RemainingStock, line.SellingPrice, line.BasePrice, line.CreatedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return nil, fmt.Errorf("%w: unknown partner %s", domain.ErrValidation, line.PartnerID)
		}
		return nil, mapWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(err)
	}
	saved := line
	return &saved, nil
}

func (s *Store) ListOpenLines(ctx context.Context, businessDate string, operatorID string) ([]domain.ConsignmentLine, error) {
	day, err := parseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lineColumns+`
		FROM consignment_lines
		WHERE business_date = $1 AND operator_id = $2 AND status <> 'closed'
		ORDER BY created_at ASC, id ASC
	`, day, operatorID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

func (s *Store) ListSessionLines(ctx context.Context, sessionID string) ([]domain.ConsignmentLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lineColumns+`
		FROM consignment_lines
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

func (s *Store) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM partners
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partners := make([]domain.Partner, 0, 32)
	for rows.Next() {
		var p domain.Partner
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		partners = append(partners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return partners, nil
}

func (s *Store) GetPartner(ctx context.Context, partnerID string) (*domain.Partner, error) {
	var p domain.Partner
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name
		FROM partners
		WHERE id = $1
	`, partnerID).Scan(&p.ID, &p.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: partner %s", domain.ErrNotFound, partnerID)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, operator_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.OperatorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.OperatorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("%w: username already exists", domain.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, username)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.DailySession, error) {
	var session domain.DailySession
	var day time.Time
	var status string
	var closedAt sql.NullTime
	var actualCash, revenue, cost, profit, expected, variance decimal.NullDecimal

	if err := row.Scan(
		&session.ID,
		&session.OperatorID,
		&day,
		&session.StartCash,
		&status,
		&session.OpenedAt,
		&closedAt,
		&actualCash,
		&revenue,
		&cost,
		&profit,
		&expected,
		&variance,
	); err != nil {
		return nil, err
	}
	session.BusinessDate = day.Format(domain.BusinessDateLayout)
	session.OpenedAt = session.OpenedAt.UTC()

	if status == domain.SessionStatusClosed && closedAt.Valid {
		session.Closure = &domain.SessionClosure{
			ClosedAt:     closedAt.Time.UTC(),
			ActualCash:   actualCash.Decimal,
			TotalRevenue: revenue.Decimal,
			TotalCost:    cost.Decimal,
			TotalProfit:  profit.Decimal,
			ExpectedCash: expected.Decimal,
			CashVariance: variance.Decimal,
		}
	}
	return &session, nil
}

func scanLines(rows *sql.Rows) ([]domain.ConsignmentLine, error) {
	defer rows.Close()

	lines := make([]domain.ConsignmentLine, 0, 16)
	for rows.Next() {
		var line domain.ConsignmentLine
		var day time.Time
		var partnerID sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(
			&line.ID,
			&line.SessionID,
			&line.OperatorID,
			&day,
			&partnerID,
			&line.ProductName,
			&line.InitialStock,
			&line.RemainingStock,
			&line.SellingPrice,
			&line.BasePrice,
			&line.Status,
			&line.CreatedAt,
			&closedAt,
		); err != nil {
			return nil, err
		}
		line.BusinessDate = day.Format(domain.BusinessDateLayout)
		line.PartnerID = partnerID.String
		line.CreatedAt = line.CreatedAt.UTC()
		if closedAt.Valid {
			at := closedAt.Time.UTC()
			line.ClosedAt = &at
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func parseBusinessDate(value string) (time.Time, error) {
	day, err := time.Parse(domain.BusinessDateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrValidation)
	}
	return day, nil
}

func mapWriteError(err error) error {
	switch pgCode(err) {
	case pgSerializationFailure:
		return fmt.Errorf("%w: concurrent update, retry the request", domain.ErrConflict)
	case pgCheckViolation:
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	case pgNumericOutOfRange:
		return fmt.Errorf("%w: value out of range", domain.ErrValidation)
	default:
		return err
	}
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
