package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"dailyshop/backend/internal/domain"
	"dailyshop/backend/internal/store"
	"dailyshop/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	sessionsByID    map[string]domain.DailySession
	openByOperator  map[string]string
	linesByID       map[string]domain.ConsignmentLine
	lineOrder       []string
	partnersByID    map[string]domain.Partner
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store with no users or partners.
func New() *Store {
	return &Store{
		sessionsByID:    make(map[string]domain.DailySession),
		openByOperator:  make(map[string]string),
		linesByID:       make(map[string]domain.ConsignmentLine),
		lineOrder:       make([]string, 0, 64),
		partnersByID:    make(map[string]domain.Partner),
		auditLogs:       make([]domain.AuditLog, 0, 64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a dev/demo store with consignment partners and two accounts.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back
// to dev defaults with a warning.
func NewSeeded(logger *logrus.Logger) *Store {
	s := New()
	for _, p := range []domain.Partner{
		{ID: "partner-bu-sri", Name: "Dapur Bu Sri"},
		{ID: "partner-kedai-rasa", Name: "Kedai Rasa"},
		{ID: "partner-aneka-snack", Name: "Aneka Snack"},
	} {
		s.AddPartner(p)
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if logger != nil && (os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "") {
		logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s
}

// AddPartner registers or renames a consignor.
func (s *Store) AddPartner(partner domain.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partnersByID[partner.ID] = partner
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateSession(_ context.Context, session domain.DailySession) (*domain.DailySession, error) {
	if strings.TrimSpace(session.OperatorID) == "" || session.BusinessDate == "" {
		return nil, fmt.Errorf("%w: operator and business date are required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.openByOperator[session.OperatorID]; exists {
		return nil, fmt.Errorf("%w: shop session already open", domain.ErrConflict)
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Closure = nil

	s.sessionsByID[session.ID] = session
	s.openByOperator[session.OperatorID] = session.ID
	saved := session
	return &saved, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.DailySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, domain.ErrNotShopSession
	}
	return cloneSession(session), nil
}

func (s *Store) GetOpenSession(_ context.Context, operatorID string) (*domain.DailySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.openByOperator[operatorID]
	if !ok {
		return nil, fmt.Errorf("%w: no open shop session", domain.ErrNotFound)
	}
	return cloneSession(s.sessionsByID[sessionID]), nil
}

func (s *Store) CloseSession(_ context.Context, operatorID string, sessionID string, compute store.CloseFunc) (*domain.ClosureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok || session.OperatorID != operatorID {
		return nil, domain.ErrNotShopSession
	}
	if !session.IsOpen() {
		return nil, fmt.Errorf("%w: shop session already closed", domain.ErrInvalidState)
	}

	openLines := make([]domain.ConsignmentLine, 0, 16)
	for _, lineID := range s.lineOrder {
		line := s.linesByID[lineID]
		if line.SessionID == sessionID && line.Status != domain.LineStatusClosed {
			openLines = append(openLines, line)
		}
	}

	result, err := compute(*cloneSession(session), openLines)
	if err != nil {
		return nil, err
	}
	if result.ClosedAt.IsZero() {
		result.ClosedAt = time.Now().UTC()
	}

	closedAt := result.ClosedAt
	for _, closed := range result.Lines {
		line, ok := s.linesByID[closed.LineID]
		if !ok {
			continue
		}
		line.RemainingStock = closed.RemainingStock
		line.Status = domain.LineStatusClosed
		line.ClosedAt = &closedAt
		s.linesByID[closed.LineID] = line
	}
	closure := result.Closure()
	session.Closure = &closure
	s.sessionsByID[sessionID] = session
	delete(s.openByOperator, operatorID)

	return &result, nil
}

func (s *Store) ListRecentClosedSessions(_ context.Context, operatorID string, limit int) ([]domain.DailySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.DailySession, 0, 8)
	for _, session := range s.sessionsByID {
		if session.OperatorID != operatorID || session.IsOpen() {
			continue
		}
		sessions = append(sessions, *cloneSession(session))
	}
	slices.SortFunc(sessions, func(a, b domain.DailySession) int {
		return b.Closure.ClosedAt.Compare(a.Closure.ClosedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (s *Store) CreateLine(_ context.Context, line domain.ConsignmentLine) (*domain.ConsignmentLine, error) {
	if strings.TrimSpace(line.ProductName) == "" || line.InitialStock < 0 {
		return nil, fmt.Errorf("%w: product name and non-negative stock are required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[line.SessionID]
	if !ok || session.OperatorID != line.OperatorID {
		return nil, domain.ErrNotShopSession
	}
	if !session.IsOpen() {
		return nil, fmt.Errorf("%w: shop session already closed", domain.ErrInvalidState)
	}
	if line.PartnerID != "" {
		if _, ok := s.partnersByID[line.PartnerID]; !ok {
			return nil, fmt.Errorf("%w: unknown partner %s", domain.ErrValidation, line.PartnerID)
		}
	}
	if line.ID == "" {
		line.ID = xid.New("line")
	}
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now().UTC()
	}
	line.BusinessDate = session.BusinessDate
	line.RemainingStock = line.InitialStock
	line.Status = domain.LineStatusOpen
	line.ClosedAt = nil

	s.linesByID[line.ID] = line
	s.lineOrder = append(s.lineOrder, line.ID)
	saved := line
	return &saved, nil
}

func (s *Store) ListOpenLines(_ context.Context, businessDate string, operatorID string) ([]domain.ConsignmentLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := make([]domain.ConsignmentLine, 0, 16)
	for _, lineID := range s.lineOrder {
		line := s.linesByID[lineID]
		if line.BusinessDate != businessDate || line.OperatorID != operatorID || line.Status == domain.LineStatusClosed {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *Store) ListSessionLines(_ context.Context, sessionID string) ([]domain.ConsignmentLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := make([]domain.ConsignmentLine, 0, 16)
	for _, lineID := range s.lineOrder {
		line := s.linesByID[lineID]
		if line.SessionID == sessionID {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (s *Store) ListPartners(_ context.Context) ([]domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partners := make([]domain.Partner, 0, len(s.partnersByID))
	for _, p := range s.partnersByID {
		partners = append(partners, p)
	}
	slices.SortFunc(partners, func(a, b domain.Partner) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return partners, nil
}

func (s *Store) GetPartner(_ context.Context, partnerID string) (*domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partner, ok := s.partnersByID[partnerID]
	if !ok {
		return nil, fmt.Errorf("%w: partner %s", domain.ErrNotFound, partnerID)
	}
	return &partner, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username already exists", domain.ErrConflict)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSession(src domain.DailySession) *domain.DailySession {
	dst := src
	if src.Closure != nil {
		closure := *src.Closure
		dst.Closure = &closure
	}
	return &dst
}
