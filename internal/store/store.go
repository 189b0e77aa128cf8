package store

import (
	"context"
	"time"

	"dailyshop/backend/internal/domain"
)

// CloseFunc computes the closure of a locked session from its locked open lines.
// Returning an error aborts the close and leaves the store unchanged.
type CloseFunc func(session domain.DailySession, openLines []domain.ConsignmentLine) (domain.ClosureResult, error)

type Repository interface {
	CreateSession(ctx context.Context, session domain.DailySession) (*domain.DailySession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.DailySession, error)
	GetOpenSession(ctx context.Context, operatorID string) (*domain.DailySession, error)
	CloseSession(ctx context.Context, operatorID string, sessionID string, compute CloseFunc) (*domain.ClosureResult, error)
	ListRecentClosedSessions(ctx context.Context, operatorID string, limit int) ([]domain.DailySession, error)

	CreateLine(ctx context.Context, line domain.ConsignmentLine) (*domain.ConsignmentLine, error)
	ListOpenLines(ctx context.Context, businessDate string, operatorID string) ([]domain.ConsignmentLine, error)
	ListSessionLines(ctx context.Context, sessionID string) ([]domain.ConsignmentLine, error)

	ListPartners(ctx context.Context) ([]domain.Partner, error)
	GetPartner(ctx context.Context, partnerID string) (*domain.Partner, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
