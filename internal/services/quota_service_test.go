package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQuotaService_FreePlanLimit(t *testing.T) {
	db, raw := setupDB(t)
	tenant := createTenant(t, db, model.PlanFree)
	repo := repository.NewTenantRepository(db)

	quota := NewQuotaService(repo)
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	quota.now = func() time.Time { return now }
	ctx := context.Background()

	seedUsage(t, raw, tenant.ID, 49, now)

	ok, err := quota.CanSend(ctx, tenant.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, quota.RecordSend(ctx, tenant.ID, 1))

	err = quota.Check(ctx, tenant.ID, 1)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestQuotaService_ResetsInNewMonth(t *testing.T) {
	db, raw := setupDB(t)
	tenant := createTenant(t, db, model.PlanFree)
	repo := repository.NewTenantRepository(db)
	ctx := context.Background()

	march := time.Date(2026, 3, 31, 23, 0, 0, 0, time.UTC)
	seedUsage(t, raw, tenant.ID, 50, march)

	quota := NewQuotaService(repo)
	quota.now = func() time.Time { return march }
	assert.ErrorIs(t, quota.Check(ctx, tenant.ID, 1), ErrQuotaExceeded)

	april := time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC)
	quota.now = func() time.Time { return april }
	require.NoError(t, quota.Check(ctx, tenant.ID, 1))

	stored, err := repo.Get(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.EmailsThisMonth)
	assert.True(t, stored.QuotaResetAt.Equal(april))
}

func TestQuotaService_BatchMustFitWhole(t *testing.T) {
	tenants := new(MockTenantRepository)
	tenants.On("ResetIfNewMonth", mock.Anything, int64(7), mock.Anything).
		Return(&model.Tenant{ID: 7, Plan: model.PlanPro, EmailsThisMonth: 490}, nil)

	quota := NewQuotaService(tenants)
	ctx := context.Background()

	ok, err := quota.CanSend(ctx, 7, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = quota.CanSend(ctx, 7, 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuotaService_LoadError(t *testing.T) {
	tenants := new(MockTenantRepository)
	tenants.On("ResetIfNewMonth", mock.Anything, int64(1), mock.Anything).
		Return(nil, errors.New("db down"))

	err := NewQuotaService(tenants).Check(context.Background(), 1, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestQuotaService_RecordSendSkipsZero(t *testing.T) {
	tenants := new(MockTenantRepository)

	require.NoError(t, NewQuotaService(tenants).RecordSend(context.Background(), 1, 0))
	tenants.AssertNotCalled(t, "IncrementSent", mock.Anything, mock.Anything, mock.Anything)
}
