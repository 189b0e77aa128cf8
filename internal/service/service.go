package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"dailyshop/backend/internal/cache"
	"dailyshop/backend/internal/domain"
	"dailyshop/backend/internal/lock"
	"dailyshop/backend/internal/reconcile"
	"dailyshop/backend/internal/store"
	"dailyshop/backend/internal/xid"
)

const recentClosureLimit = 5

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	locker     lock.Locker
	dashboards cache.DashboardCache
	cacheTTL   time.Duration
	location   *time.Location
	logger     *logrus.Logger
	now        func() time.Time
	group      singleflight.Group

	// generations counts invalidations per dashboard key. A build only writes
	// back to the cache when no invalidation happened while it ran.
	genMu       sync.Mutex
	generations map[string]uint64
}

func New(repo store.Repository, locker lock.Locker, dashboards cache.DashboardCache, logger *logrus.Logger) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if dashboards == nil {
		dashboards = cache.NoopDashboardCache{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Service{
		repo:       repo,
		locker:     locker,
		dashboards: dashboards,
		cacheTTL:   15 * time.Second,
		location:   time.UTC,
		logger:     logger,
		now:        time.Now,

		generations: make(map[string]uint64),
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocation sets the shop timezone business dates are derived in.
func (s *Service) WithLocation(loc *time.Location) {
	if loc != nil {
		s.location = loc
	}
}

func (s *Service) WithDashboardTTL(ttl time.Duration) {
	if ttl >= 0 {
		s.cacheTTL = ttl
	}
}

// BusinessDate is today's date in the shop timezone.
func (s *Service) BusinessDate() string {
	return s.now().In(s.location).Format(domain.BusinessDateLayout)
}

func (s *Service) OpenSession(ctx context.Context, operatorID string, req domain.SessionOpenRequest) (domain.DailySession, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return domain.DailySession{}, fmt.Errorf("%w: operator is required", domain.ErrValidation)
	}
	if req.StartCash == nil {
		return domain.DailySession{}, fmt.Errorf("%w: start_cash is required", domain.ErrValidation)
	}
	if err := reconcile.ValidateMoney("start_cash", *req.StartCash); err != nil {
		return domain.DailySession{}, err
	}

	unlock, err := s.lockOperator(ctx, operatorID)
	if err != nil {
		return domain.DailySession{}, err
	}
	defer unlock()

	if existing, err := s.repo.GetOpenSession(ctx, operatorID); err == nil {
		return domain.DailySession{}, fmt.Errorf("%w: shop session already open (%s)", domain.ErrConflict, existing.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.DailySession{}, err
	}

	now := s.now()
	session := domain.DailySession{
		ID:           xid.New("sess"),
		OperatorID:   operatorID,
		BusinessDate: now.In(s.location).Format(domain.BusinessDateLayout),
		StartCash:    req.StartCash.Round(reconcile.MoneyPlaces),
		OpenedAt:     now.UTC(),
	}
	saved, err := s.repo.CreateSession(ctx, session)
	if err != nil {
		return domain.DailySession{}, err
	}

	s.invalidateDashboard(ctx, operatorID, saved.BusinessDate)
	s.logAudit(ctx, operatorID, "session_open", "daily_session", saved.ID, fmt.Sprintf("date=%s,start_cash=%s", saved.BusinessDate, saved.StartCash.StringFixed(reconcile.MoneyPlaces)))
	s.logger.WithFields(logrus.Fields{
		"operator_id": operatorID,
		"session_id":  saved.ID,
		"action":      "session_open",
	}).Info("shop session opened")

	return *saved, nil
}

func (s *Service) CloseSession(ctx context.Context, operatorID string, sessionID string, req domain.SessionCloseRequest) (domain.ClosureResult, error) {
	operatorID = strings.TrimSpace(operatorID)
	sessionID = strings.TrimSpace(sessionID)
	if operatorID == "" || sessionID == "" {
		return domain.ClosureResult{}, domain.ErrNotShopSession
	}
	if req.ActualCash == nil {
		return domain.ClosureResult{}, fmt.Errorf("%w: actual_cash is required", domain.ErrValidation)
	}
	actualCash := *req.ActualCash
	if err := reconcile.ValidateMoney("actual_cash", actualCash); err != nil {
		return domain.ClosureResult{}, err
	}

	unlock, err := s.lockOperator(ctx, operatorID)
	if err != nil {
		return domain.ClosureResult{}, err
	}
	defer unlock()

	closedAt := s.now().UTC()
	result, err := s.repo.CloseSession(ctx, operatorID, sessionID, func(session domain.DailySession, openLines []domain.ConsignmentLine) (domain.ClosureResult, error) {
		return reconcile.Compute(session, openLines, req.Items, actualCash, closedAt)
	})
	if err != nil {
		return domain.ClosureResult{}, err
	}

	s.invalidateDashboard(ctx, operatorID, result.BusinessDate, s.BusinessDate())
	s.logAudit(ctx, operatorID, "session_close", "daily_session", result.SessionID, fmt.Sprintf(
		"lines=%d,revenue=%s,profit=%s,variance=%s",
		len(result.Lines),
		result.TotalRevenue.StringFixed(reconcile.MoneyPlaces),
		result.TotalProfit.StringFixed(reconcile.MoneyPlaces),
		result.CashVariance.StringFixed(reconcile.MoneyPlaces),
	))
	entry := s.logger.WithFields(logrus.Fields{
		"operator_id":   operatorID,
		"session_id":    result.SessionID,
		"action":        "session_close",
		"cash_variance": result.CashVariance.StringFixed(reconcile.MoneyPlaces),
	})
	if result.CashVariance.IsZero() {
		entry.Info("shop session closed")
	} else {
		entry.Warn("shop session closed with cash variance")
	}

	return *result, nil
}

func (s *Service) AddLine(ctx context.Context, operatorID string, req domain.LineCreateRequest) (domain.ConsignmentLine, error) {
	operatorID = strings.TrimSpace(operatorID)
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.PartnerID = strings.TrimSpace(req.PartnerID)

	if operatorID == "" {
		return domain.ConsignmentLine{}, fmt.Errorf("%w: operator is required", domain.ErrValidation)
	}
	if req.ProductName == "" {
		return domain.ConsignmentLine{}, fmt.Errorf("%w: product_name is required", domain.ErrValidation)
	}
	if req.InitialStock < 0 {
		return domain.ConsignmentLine{}, fmt.Errorf("%w: initial_stock must be >= 0", domain.ErrValidation)
	}
	if req.InitialStock > math.MaxInt32 {
		return domain.ConsignmentLine{}, fmt.Errorf("%w: initial_stock must be <= %d", domain.ErrValidation, math.MaxInt32)
	}
	if req.SellingPrice == nil || req.BasePrice == nil {
		return domain.ConsignmentLine{}, fmt.Errorf("%w: selling_price and base_price are required", domain.ErrValidation)
	}
	if err := reconcile.ValidateMoney("selling_price", *req.SellingPrice); err != nil {
		return domain.ConsignmentLine{}, err
	}
	if err := reconcile.ValidateMoney("base_price", *req.BasePrice); err != nil {
		return domain.ConsignmentLine{}, err
	}

	if req.PartnerID != "" {
		if _, err := s.repo.GetPartner(ctx, req.PartnerID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ConsignmentLine{}, fmt.Errorf("%w: unknown partner %s", domain.ErrValidation, req.PartnerID)
			}
			return domain.ConsignmentLine{}, err
		}
	}

	unlock, err := s.lockOperator(ctx, operatorID)
	if err != nil {
		return domain.ConsignmentLine{}, err
	}
	defer unlock()

	session, err := s.repo.GetOpenSession(ctx, operatorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ConsignmentLine{}, fmt.Errorf("%w: open a shop session first", domain.ErrNotFound)
		}
		return domain.ConsignmentLine{}, err
	}

	line, err := s.repo.CreateLine(ctx, domain.ConsignmentLine{
		ID:           xid.New("line"),
		SessionID:    session.ID,
		OperatorID:   operatorID,
		PartnerID:    req.PartnerID,
		ProductName:  req.ProductName,
		InitialStock: req.InitialStock,
		SellingPrice: req.SellingPrice.Round(reconcile.MoneyPlaces),
		BasePrice:    req.BasePrice.Round(reconcile.MoneyPlaces),
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return domain.ConsignmentLine{}, err
	}

	s.invalidateDashboard(ctx, operatorID, line.BusinessDate)
	s.logAudit(ctx, operatorID, "line_add", "consignment_line", line.ID, fmt.Sprintf("session=%s,product=%s,stock=%d", session.ID, line.ProductName, line.InitialStock))

	return *line, nil
}

func (s *Service) GetOpenSession(ctx context.Context, operatorID string) (domain.DailySession, error) {
	session, err := s.repo.GetOpenSession(ctx, strings.TrimSpace(operatorID))
	if err != nil {
		return domain.DailySession{}, err
	}
	return *session, nil
}

// GetSession returns a session with all of its lines. Sessions of other operators are reported as not found.
func (s *Service) GetSession(ctx context.Context, operatorID string, sessionID string) (domain.SessionDetail, error) {
	session, err := s.repo.GetSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return domain.SessionDetail{}, err
	}
	if session.OperatorID != operatorID {
		return domain.SessionDetail{}, domain.ErrNotShopSession
	}

	lines, err := s.repo.ListSessionLines(ctx, session.ID)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	return domain.SessionDetail{Session: *session, Lines: lines}, nil
}

// ListOpenLines returns the close-form projection of unclosed lines. An empty date means today.
func (s *Service) ListOpenLines(ctx context.Context, date string, operatorID string) ([]domain.OpenLineView, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, fmt.Errorf("%w: operator is required", domain.ErrValidation)
	}
	day, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}

	lines, err := s.repo.ListOpenLines(ctx, day, operatorID)
	if err != nil {
		return nil, err
	}
	views := make([]domain.OpenLineView, 0, len(lines))
	for _, line := range lines {
		views = append(views, line.View())
	}
	return views, nil
}

func (s *Service) ListPartners(ctx context.Context) ([]domain.Partner, error) {
	return s.repo.ListPartners(ctx)
}

func (s *Service) GetDashboardSummary(ctx context.Context, operatorID string) (domain.DashboardSummary, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return domain.DashboardSummary{}, fmt.Errorf("%w: operator is required", domain.ErrValidation)
	}

	day := s.BusinessDate()
	key := cache.DashboardKey(operatorID, day)
	if cached, ok, err := s.dashboards.Get(ctx, key); err != nil {
		s.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("dashboard cache read failed")
	} else if ok {
		return *cached, nil
	}

	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		buildCtx := context.WithoutCancel(ctx)
		generation := s.dashboardGeneration(key)
		summary, err := s.buildDashboard(buildCtx, operatorID, day)
		if err != nil {
			return nil, err
		}
		s.storeDashboard(buildCtx, key, generation, &summary)
		return summary, nil
	})

	select {
	case <-ctx.Done():
		return domain.DashboardSummary{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return domain.DashboardSummary{}, res.Err
		}
		return res.Val.(domain.DashboardSummary), nil
	}
}

func (s *Service) dashboardGeneration(key string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[key]
}

// storeDashboard caches a summary unless the key was invalidated after the
// build started.
func (s *Service) storeDashboard(ctx context.Context, key string, generation uint64, summary *domain.DashboardSummary) {
	if s.cacheTTL <= 0 {
		return
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[key] != generation {
		s.logger.WithField("key", key).Debug("dashboard invalidated during build, not caching")
		return
	}
	if err := s.dashboards.Set(ctx, key, summary, s.cacheTTL); err != nil {
		s.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("dashboard cache write failed")
	}
}

func (s *Service) buildDashboard(ctx context.Context, operatorID string, day string) (domain.DashboardSummary, error) {
	summary := domain.DashboardSummary{
		OperatorID:     operatorID,
		Date:           day,
		OpenStockValue: decimal.Zero,
		RecentClosures: []domain.ClosureSummary{},
		GeneratedAt:    s.now().UTC(),
	}

	open, err := s.repo.GetOpenSession(ctx, operatorID)
	switch {
	case err == nil:
		summary.OpenSession = open
		lines, err := s.repo.ListSessionLines(ctx, open.ID)
		if err != nil {
			return domain.DashboardSummary{}, err
		}
		for _, line := range lines {
			if line.Status == domain.LineStatusClosed {
				continue
			}
			summary.OpenLineCount++
			summary.OpenStockValue = summary.OpenStockValue.Add(line.SellingPrice.Mul(decimal.NewFromInt(int64(line.RemainingStock))))
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.DashboardSummary{}, err
	}
	summary.OpenStockValue = summary.OpenStockValue.Round(reconcile.MoneyPlaces)

	closed, err := s.repo.ListRecentClosedSessions(ctx, operatorID, recentClosureLimit)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	for _, session := range closed {
		if session.Closure == nil {
			continue
		}
		summary.RecentClosures = append(summary.RecentClosures, domain.ClosureSummary{
			SessionID:    session.ID,
			BusinessDate: session.BusinessDate,
			ClosedAt:     session.Closure.ClosedAt,
			TotalProfit:  session.Closure.TotalProfit,
			CashVariance: session.Closure.CashVariance,
		})
	}
	return summary, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.ParseInLocation(domain.BusinessDateLayout, date, s.location)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrValidation)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) resolveDate(date string) (string, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return s.BusinessDate(), nil
	}
	parsed, err := time.Parse(domain.BusinessDateLayout, date)
	if err != nil {
		return "", fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrValidation)
	}
	return parsed.Format(domain.BusinessDateLayout), nil
}

func (s *Service) lockOperator(ctx context.Context, operatorID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "operator:"+operatorID)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: another request for this operator is in progress", domain.ErrConflict)
		}
		return nil, err
	}
	return unlock, nil
}

func (s *Service) invalidateDashboard(ctx context.Context, operatorID string, dates ...string) {
	keys := make([]string, 0, len(dates))
	s.genMu.Lock()
	for _, day := range dates {
		if day == "" {
			continue
		}
		key := cache.DashboardKey(operatorID, day)
		s.generations[key]++
		s.group.Forget(key)
		keys = append(keys, key)
	}
	s.genMu.Unlock()
	if err := s.dashboards.Delete(ctx, keys...); err != nil {
		s.logger.WithFields(logrus.Fields{
			"operator_id": operatorID,
			"error":       err.Error(),
		}).Warn("dashboard cache invalidation failed")
	}
}

func (s *Service) logAudit(ctx context.Context, operatorID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: operatorID, Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		OperatorID: operatorID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action":      action,
			"entity_type": entityType,
			"entity_id":   entityID,
			"error":       err.Error(),
		}).Warn("failed to write audit log")
	}
}
