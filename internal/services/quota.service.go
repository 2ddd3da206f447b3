package services

import (
	"context"
	"fmt"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
)

type TenantRepository interface {
	ResetIfNewMonth(ctx context.Context, tenantID int64, now time.Time) (*model.Tenant, error)
	IncrementSent(ctx context.Context, tenantID int64, n int64) error
}

// QuotaService gates sends on the tenant's monthly plan allowance.
type QuotaService struct {
	tenants TenantRepository
	now     func() time.Time
}

func NewQuotaService(tenants TenantRepository) *QuotaService {
	return &QuotaService{
		tenants: tenants,
		now:     time.Now,
	}
}

// CanSend resets the counter when a new calendar month started, then checks
// that n more sends fit under the plan limit.
func (s *QuotaService) CanSend(ctx context.Context, tenantID int64, n int64) (bool, error) {
	tenant, err := s.tenants.ResetIfNewMonth(ctx, tenantID, s.now())
	if err != nil {
		return false, fmt.Errorf("load quota: %w", err)
	}
	return n <= tenant.Remaining(), nil
}

// Check is CanSend returning ErrQuotaExceeded instead of false.
func (s *QuotaService) Check(ctx context.Context, tenantID int64, n int64) error {
	ok, err := s.CanSend(ctx, tenantID, n)
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuotaExceeded
	}
	return nil
}

// RecordSend counts n accepted sends. Concurrent requests may overshoot
// the limit slightly; that is accepted.
func (s *QuotaService) RecordSend(ctx context.Context, tenantID int64, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := s.tenants.IncrementSent(ctx, tenantID, n); err != nil {
		return fmt.Errorf("record sends: %w", err)
	}
	return nil
}
