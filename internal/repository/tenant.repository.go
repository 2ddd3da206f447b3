package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrDuplicateAPIKey    = errors.New("api key already exists")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

type TenantRepository struct {
	*pg.DB
}

func NewTenantRepository(db *pg.DB) *TenantRepository {
	return &TenantRepository{
		db,
	}
}

func (r *TenantRepository) Create(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error) {
	if tenant.Plan == "" {
		tenant.Plan = model.PlanFree
	}
	if tenant.QuotaResetAt.IsZero() {
		tenant.QuotaResetAt = time.Now().UTC()
	}
	entity := toTenantEntity(tenant)

	var existing int64
	if err := r.Read(ctx).Model(&TenantEntity{}).Where("api_key = ?", entity.APIKey).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrDuplicateAPIKey
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toTenantModel(entity), nil
}

func (r *TenantRepository) Get(ctx context.Context, id int64) (*model.Tenant, error) {
	var entity TenantEntity
	if err := r.Read(ctx).Where("id = ?", id).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return toTenantModel(&entity), nil
}

func (r *TenantRepository) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	var entity TenantEntity
	if err := r.Read(ctx).Where("api_key = ?", apiKey).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return toTenantModel(&entity), nil
}

// ResetIfNewMonth zeroes the monthly counter when now falls in a later
// calendar month than the stored anchor, and returns the tenant as it stands
// afterwards. Transient failures are retried with exponential backoff.
func (r *TenantRepository) ResetIfNewMonth(ctx context.Context, tenantID int64, now time.Time) (*model.Tenant, error) {
	const maxRetries = 3
	const baseDelay = 2 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		tenant, err := r.resetAttempt(ctx, tenantID, now)
		if err == nil {
			return tenant, nil
		}

		if errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
	}

	return nil, fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, maxRetries+1)
}

func (r *TenantRepository) resetAttempt(ctx context.Context, tenantID int64, now time.Time) (*model.Tenant, error) {
	var tenant *model.Tenant
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity TenantEntity
		err := r.Write(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", tenantID).
			First(&entity).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTenantNotFound
			}
			return err
		}

		tenant = toTenantModel(&entity)
		if !tenant.NeedsReset(now) {
			return nil
		}

		result := r.Write(ctx).Model(&TenantEntity{}).
			Where("id = ?", tenantID).
			Updates(map[string]interface{}{
				"emails_this_month": 0,
				"quota_reset_at":    now.UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		tenant.EmailsThisMonth = 0
		tenant.QuotaResetAt = now.UTC()
		return nil
	})
	return tenant, err
}

// IncrementSent adds n to the monthly counter without reading it first.
func (r *TenantRepository) IncrementSent(ctx context.Context, tenantID int64, n int64) error {
	result := r.Write(ctx).Model(&TenantEntity{}).
		Where("id = ?", tenantID).
		UpdateColumn("emails_this_month", gorm.Expr("emails_this_month + ?", n))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTenantNotFound
	}
	return nil
}
