package cache

import (
	"context"
	"time"

	"dailyshop/backend/internal/domain"
)

// DashboardCache stores per-operator dashboard snapshots. Misses are not errors.
type DashboardCache interface {
	Get(ctx context.Context, key string) (*domain.DashboardSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.DashboardSummary, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopDashboardCache struct{}

func (NoopDashboardCache) Get(_ context.Context, _ string) (*domain.DashboardSummary, bool, error) {
	return nil, false, nil
}

func (NoopDashboardCache) Set(_ context.Context, _ string, _ *domain.DashboardSummary, _ time.Duration) error {
	return nil
}

func (NoopDashboardCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

func DashboardKey(operatorID string, businessDate string) string {
	return "dailyshop:dashboard:" + operatorID + ":" + businessDate
}
