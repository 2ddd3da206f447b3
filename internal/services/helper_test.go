package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/processor"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"github.com/nimasrn/email-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) (*pg.DB, *gorm.DB) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.AutoMigrate(db))
	return pg.Wrap(db, nil), db
}

func setupRedis(t *testing.T) redis.RedisAdapter {
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "test:", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return adapter
}

func createTenant(t *testing.T, db *pg.DB, plan model.Plan) *model.Tenant {
	t.Helper()
	tenant, err := repository.NewTenantRepository(db).Create(context.Background(), &model.Tenant{
		Name:   "acme",
		APIKey: "key-" + strings.ReplaceAll(t.Name(), "/", "-"),
		Plan:   plan,
	})
	require.NoError(t, err)
	return tenant
}

func seedUsage(t *testing.T, raw *gorm.DB, tenantID, count int64, resetAt time.Time) {
	t.Helper()
	require.NoError(t, raw.Model(&repository.TenantEntity{}).
		Where("id = ?", tenantID).
		Updates(map[string]interface{}{"emails_this_month": count, "quota_reset_at": resetAt.UTC()}).Error)
}

func createTemplate(t *testing.T, raw *gorm.DB, tenantID int64, subject, body string) int64 {
	t.Helper()
	tpl := &repository.TemplateEntity{TenantID: tenantID, Title: "welcome", Subject: subject, Body: body}
	require.NoError(t, raw.Create(tpl).Error)
	return tpl.ID
}

// stack is the real store, processor and services over sqlite and miniredis.
type stack struct {
	db      *pg.DB
	raw     *gorm.DB
	emails  *repository.EmailRepository
	tenants *repository.TenantRepository
	sender  *fakeSender
	proc    *processor.EmailProcessor
	quota   *QuotaService
	email   *EmailService
	bulk    *BulkService
	sched   *scheduler.Scheduler
}

func newStack(t *testing.T, sender *fakeSender) *stack {
	db, raw := setupDB(t)
	adapter := setupRedis(t)

	emails := repository.NewEmailRepository(db)
	tenants := repository.NewTenantRepository(db)
	templates := repository.NewTemplateRepository(db)
	proc := processor.NewEmailProcessor(emails, sender,
		processor.NewIdempotencyService(adapter, processor.IdempotencyConfig{}),
		processor.EmailProcessorConfig{From: "news@example.com", Timeout: time.Second})
	sched := scheduler.New(adapter, scheduler.Config{Name: "emails", ConsumerName: "test"})
	quota := NewQuotaService(tenants)

	return &stack{
		db:      db,
		raw:     raw,
		emails:  emails,
		tenants: tenants,
		sender:  sender,
		proc:    proc,
		quota:   quota,
		email:   NewEmailService(emails, templates, quota, proc, sched),
		bulk:    NewBulkService(emails, templates, quota, proc, BulkConfig{BatchSize: 2, BatchPause: 5 * time.Millisecond}),
		sched:   sched,
	}
}

type fakeSender struct {
	mu      sync.Mutex
	failFor map[string]error
	calls   int
	bodies  map[string]string
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, req *gateway.SendRequest) (*gateway.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.bodies == nil {
		f.bodies = make(map[string]string)
	}
	for _, to := range req.To {
		f.bodies[to] = req.HTML
		if err, ok := f.failFor[to]; ok {
			return nil, err
		}
	}
	return &gateway.SendResult{MessageID: "prov-" + req.MessageID, Accepted: req.Recipients()}, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) BodyFor(addr string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[addr]
}

type MockEmailRepository struct {
	mock.Mock
}

func (m *MockEmailRepository) Create(ctx context.Context, email *model.Email) (*model.Email, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Email), args.Error(1)
}

func (m *MockEmailRepository) GetForTenant(ctx context.Context, tenantID int64, id string) (*model.Email, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Email), args.Error(1)
}

func (m *MockEmailRepository) List(ctx context.Context, f model.EmailFilter) ([]*model.Email, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Email), args.Get(1).(int64), args.Error(2)
}

func (m *MockEmailRepository) Cancel(ctx context.Context, tenantID int64, id string) error {
	return m.Called(ctx, tenantID, id).Error(0)
}

func (m *MockEmailRepository) Events(ctx context.Context, id string) ([]*model.TrackingEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TrackingEvent), args.Error(1)
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Enqueue(ctx context.Context, messageID string, notBefore time.Time) (scheduler.JobHandle, error) {
	args := m.Called(ctx, messageID, notBefore)
	return args.Get(0).(scheduler.JobHandle), args.Error(1)
}

func (m *MockScheduler) Cancel(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

type MockTrackingStore struct {
	mock.Mock
}

func (m *MockTrackingStore) RecordOpen(ctx context.Context, id string, meta model.RequestMeta) error {
	return m.Called(ctx, id, meta).Error(0)
}

func (m *MockTrackingStore) RecordClick(ctx context.Context, id, url string, meta model.RequestMeta) error {
	return m.Called(ctx, id, url, meta).Error(0)
}

type MockTenantRepository struct {
	mock.Mock
}

func (m *MockTenantRepository) ResetIfNewMonth(ctx context.Context, tenantID int64, now time.Time) (*model.Tenant, error) {
	args := m.Called(ctx, tenantID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *MockTenantRepository) IncrementSent(ctx context.Context, tenantID int64, n int64) error {
	return m.Called(ctx, tenantID, n).Error(0)
}

type MockTemplateRepository struct {
	mock.Mock
}

func (m *MockTemplateRepository) Get(ctx context.Context, tenantID, id int64) (*model.Template, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Template), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) DispatchNow(ctx context.Context, id string) (*processor.DispatchResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processor.DispatchResult), args.Error(1)
}
