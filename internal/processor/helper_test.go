package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupStore(t *testing.T) *repository.EmailRepository {
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
	return repository.NewEmailRepository(pg.Wrap(db, nil))
}

func createEmail(t *testing.T, repo *repository.EmailRepository, status model.EmailStatus, recipients ...string) *model.Email {
	t.Helper()
	if len(recipients) == 0 {
		recipients = []string{"a@example.com"}
	}
	email := &model.Email{
		TenantID: 1,
		Subject:  "Hello",
		Body:     `<html><body><a href="https://example.com/offer">offer</a></body></html>`,
		Status:   status,
	}
	for _, r := range recipients {
		email.Recipients = append(email.Recipients, model.Recipient{Email: r})
	}
	if status == model.EmailStatusScheduled {
		at := time.Now().Add(time.Hour)
		email.ScheduledAt = &at
	}
	created, err := repo.Create(context.Background(), email)
	require.NoError(t, err)
	return created
}

// fakeSender fails the first len(errs) calls with the given errors.
type fakeSender struct {
	mu       sync.Mutex
	errs     []error
	failFor  map[string]error
	calls    int
	requests []*gateway.SendRequest
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, req *gateway.SendRequest) (*gateway.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.requests = append(f.requests, req)

	for _, to := range req.To {
		if err, ok := f.failFor[to]; ok {
			return nil, err
		}
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &gateway.SendResult{MessageID: "prov-" + req.MessageID, Accepted: req.Recipients()}, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) LastRequest() *gateway.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}
