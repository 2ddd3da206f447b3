package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/services"
	xhttp "github.com/nimasrn/email-gateway/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockEmailService struct {
	mock.Mock
}

func (m *MockEmailService) Send(ctx context.Context, tenantID int64, req services.SendRequest) (*services.SendResult, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SendResult), args.Error(1)
}

func (m *MockEmailService) Schedule(ctx context.Context, tenantID int64, req services.SendRequest) (*services.ScheduleResult, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ScheduleResult), args.Error(1)
}

func (m *MockEmailService) Cancel(ctx context.Context, tenantID int64, id string) error {
	return m.Called(ctx, tenantID, id).Error(0)
}

func (m *MockEmailService) Resend(ctx context.Context, tenantID int64, id string) (*services.SendResult, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.SendResult), args.Error(1)
}

func (m *MockEmailService) Get(ctx context.Context, tenantID int64, id string) (*model.Email, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Email), args.Error(1)
}

func (m *MockEmailService) List(ctx context.Context, tenantID int64, f model.EmailFilter) ([]*model.Email, int64, error) {
	args := m.Called(ctx, tenantID, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Email), args.Get(1).(int64), args.Error(2)
}

func (m *MockEmailService) Events(ctx context.Context, tenantID int64, id string) ([]*model.TrackingEvent, error) {
	args := m.Called(ctx, tenantID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TrackingEvent), args.Error(1)
}

type MockBulkService struct {
	mock.Mock
}

func (m *MockBulkService) SendBulk(ctx context.Context, tenantID int64, req services.BulkRequest) (*services.BulkResult, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.BulkResult), args.Error(1)
}

type MockTenantLookup struct {
	mock.Mock
}

func (m *MockTenantLookup) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	args := m.Called(ctx, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

var testTenant = &model.Tenant{ID: 7, Name: "acme", Plan: model.PlanPro}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

// authed returns a request context that already passed tenant resolution.
func authed(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := setupTestContext(method, path, body)
	ctx.SetUserValue(tenantKey, testTenant)
	return ctx
}

func decode(t *testing.T, ctx *xhttp.RequestCtx, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), dst))
}

func TestEmailHandler_Send(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := new(MockEmailService)
		h := NewEmailHandler(svc, nil)

		svc.On("Send", mock.Anything, int64(7), mock.MatchedBy(func(r services.SendRequest) bool {
			return len(r.Recipients) == 2 &&
				r.Recipients[0].Email == "a@example.com" &&
				r.Recipients[1].Email == "b@example.com" && r.Recipients[1].Name == "Bee" &&
				r.Subject == "Hi" && r.Cc[0] == "c@example.com"
		})).Return(&services.SendResult{EmailID: "e1", MessageID: "m1"}, nil)

		body := []byte(`{"recipients":["a@example.com",{"email":"b@example.com","name":"Bee"}],
			"cc":["c@example.com"],"subject":"Hi","body":"<p>x</p>"}`)
		ctx := authed("POST", "/api/v1/emails/send", body)
		h.Send(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		var res services.SendResult
		decode(t, ctx, &res)
		assert.Equal(t, "e1", res.EmailID)
		assert.Equal(t, "m1", res.MessageID)
		svc.AssertExpectations(t)
	})

	t.Run("provider failure keeps email id", func(t *testing.T) {
		svc := new(MockEmailService)
		h := NewEmailHandler(svc, nil)
		svc.On("Send", mock.Anything, int64(7), mock.Anything).
			Return(&services.SendResult{EmailID: "e2"}, errors.New("smtp: permanent failure"))

		ctx := authed("POST", "/api/v1/emails/send", []byte(`{"recipients":["a@example.com"],"subject":"s","body":"b"}`))
		h.Send(ctx)

		assert.Equal(t, xhttp.StatusInternalServerError, ctx.Response.StatusCode())
		var res errorResponse
		decode(t, ctx, &res)
		assert.Equal(t, "e2", res.EmailID)
		assert.Contains(t, res.Error, "permanent")
	})

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &services.ValidationError{Field: "subject", Reason: "too long"}, xhttp.StatusBadRequest},
		{"quota", services.ErrQuotaExceeded, xhttp.StatusTooManyRequests},
		{"template", services.ErrTemplateNotFound, xhttp.StatusNotFound},
		{"unexpected", errors.New("db down"), xhttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockEmailService)
			h := NewEmailHandler(svc, nil)
			svc.On("Send", mock.Anything, int64(7), mock.Anything).Return(nil, tt.err)

			ctx := authed("POST", "/api/v1/emails/send", []byte(`{"recipients":["a@example.com"],"subject":"s","body":"b"}`))
			h.Send(ctx)
			assert.Equal(t, tt.status, ctx.Response.StatusCode())
		})
	}

	t.Run("invalid JSON", func(t *testing.T) {
		svc := new(MockEmailService)
		h := NewEmailHandler(svc, nil)

		ctx := authed("POST", "/api/v1/emails/send", []byte(`{"recipients":`))
		h.Send(ctx)
		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("no tenant", func(t *testing.T) {
		h := NewEmailHandler(new(MockEmailService), nil)
		ctx := setupTestContext("POST", "/api/v1/emails/send", []byte(`{}`))
		h.Send(ctx)
		assert.Equal(t, xhttp.StatusUnauthorized, ctx.Response.StatusCode())
	})
}

func TestEmailHandler_Schedule(t *testing.T) {
	svc := new(MockEmailService)
	h := NewEmailHandler(svc, nil)

	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.On("Schedule", mock.Anything, int64(7), mock.MatchedBy(func(r services.SendRequest) bool {
		return r.ScheduledAt != nil && r.ScheduledAt.Equal(at)
	})).Return(&services.ScheduleResult{EmailID: "e3", ScheduledAt: at}, nil)

	ctx := authed("POST", "/api/v1/emails/schedule",
		[]byte(`{"recipients":["a@example.com"],"subject":"s","body":"b","scheduledAt":"2030-01-02T03:04:05Z"}`))
	h.Schedule(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	var res services.ScheduleResult
	decode(t, ctx, &res)
	assert.Equal(t, "e3", res.EmailID)
	assert.True(t, res.ScheduledAt.Equal(at))
}

func TestEmailHandler_SchedulePast(t *testing.T) {
	svc := new(MockEmailService)
	h := NewEmailHandler(svc, nil)
	svc.On("Schedule", mock.Anything, int64(7), mock.Anything).
		Return(nil, &services.ValidationError{Field: "scheduledAt", Reason: "must be in the future"})

	ctx := authed("POST", "/api/v1/emails/schedule",
		[]byte(`{"recipients":["a@example.com"],"subject":"s","body":"b","scheduledAt":"2001-01-01T00:00:00Z"}`))
	h.Schedule(ctx)
	assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestEmailHandler_SendBulk(t *testing.T) {
	bulk := new(MockBulkService)
	h := NewEmailHandler(nil, bulk)

	bulk.On("SendBulk", mock.Anything, int64(7), mock.MatchedBy(func(r services.BulkRequest) bool {
		return r.TemplateID == 4 && len(r.Recipients) == 2 && r.Customizations["a@example.com"]["[code]"] == "X"
	})).Return(&services.BulkResult{Total: 2, Successful: 1, Failed: 1}, nil)

	ctx := authed("POST", "/api/v1/emails/bulk", []byte(`{"templateId":4,
		"recipients":[{"email":"a@example.com","name":"A"},{"email":"b@example.com"}],
		"customizations":{"a@example.com":{"[code]":"X"}}}`))
	h.SendBulk(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"results":{"total":2,"successful":1,"failed":1}}`, string(ctx.Response.Body()))
}

func TestEmailHandler_Cancel(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"scheduled", nil, xhttp.StatusOK},
		{"missing", services.ErrNotFound, xhttp.StatusNotFound},
		{"not scheduled", services.ErrNotCancellable, xhttp.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockEmailService)
			h := NewEmailHandler(svc, nil)
			svc.On("Cancel", mock.Anything, int64(7), "e9").Return(tt.err)

			ctx := authed("POST", "/api/v1/emails/e9/cancel", nil)
			ctx.SetUserValue("id", "e9")
			h.Cancel(ctx)
			assert.Equal(t, tt.status, ctx.Response.StatusCode())
		})
	}
}

func TestEmailHandler_Resend(t *testing.T) {
	svc := new(MockEmailService)
	h := NewEmailHandler(svc, nil)
	svc.On("Resend", mock.Anything, int64(7), "old").Return(&services.SendResult{EmailID: "new", MessageID: "m"}, nil)

	ctx := authed("POST", "/api/v1/emails/old/resend", nil)
	ctx.SetUserValue("id", "old")
	h.Resend(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"emailId":"new","messageId":"m"}`, string(ctx.Response.Body()))
}

func TestEmailHandler_List(t *testing.T) {
	svc := new(MockEmailService)
	h := NewEmailHandler(svc, nil)

	svc.On("List", mock.Anything, int64(7), mock.MatchedBy(func(f model.EmailFilter) bool {
		return len(f.Statuses) == 2 && f.Statuses[1] == model.EmailStatusFailed &&
			f.Recipient != nil && *f.Recipient == "a@example.com" &&
			f.Limit == 10 && f.Offset == 20 && f.Desc && f.From != nil
	})).Return([]*model.Email{{ID: "e1"}}, int64(21), nil)

	ctx := authed("GET", "/api/v1/emails?status=sent,failed&recipient=a@example.com&limit=10&offset=20&from=2026-01-01", nil)
	h.List(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	var res listResponse
	decode(t, ctx, &res)
	assert.Equal(t, int64(21), res.Total)
	require.Len(t, res.Items, 1)
	svc.AssertExpectations(t)
}

func TestEmailHandler_ListUnknownStatus(t *testing.T) {
	svc := new(MockEmailService)
	h := NewEmailHandler(svc, nil)

	ctx := authed("GET", "/api/v1/emails?status=bounced", nil)
	h.List(ctx)
	assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
	svc.AssertNotCalled(t, "List", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmailHandler_GetNotFound(t *testing.T) {
	svc := new(MockEmailService)
	h := NewEmailHandler(svc, nil)
	svc.On("Get", mock.Anything, int64(7), "nope").Return(nil, services.ErrNotFound)

	ctx := authed("GET", "/api/v1/emails/nope", nil)
	ctx.SetUserValue("id", "nope")
	h.Get(ctx)
	assert.Equal(t, xhttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestTenantMiddleware(t *testing.T) {
	tenants := new(MockTenantLookup)
	tenants.On("GetByAPIKey", mock.Anything, "good").Return(testTenant, nil)
	tenants.On("GetByAPIKey", mock.Anything, "bad").Return(nil, repository.ErrTenantNotFound)
	tenants.On("GetByAPIKey", mock.Anything, "boom").Return(nil, errors.New("db down"))

	var seen *model.Tenant
	h := TenantMiddleware(tenants)(func(ctx *xhttp.RequestCtx) {
		seen, _ = tenantFrom(ctx)
		ctx.SetStatusCode(xhttp.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"api key header", "X-API-Key", "good", xhttp.StatusOK},
		{"bearer token", "Authorization", "Bearer good", xhttp.StatusOK},
		{"unknown key", "X-API-Key", "bad", xhttp.StatusUnauthorized},
		{"missing", "", "", xhttp.StatusUnauthorized},
		{"lookup error", "X-API-Key", "boom", xhttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			ctx := setupTestContext("GET", "/api/v1/emails", nil)
			if tt.header != "" {
				ctx.Request.Header.Set(tt.header, tt.value)
			}
			h(ctx)
			assert.Equal(t, tt.status, ctx.Response.StatusCode())
			if tt.status == xhttp.StatusOK {
				assert.Equal(t, testTenant, seen)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestRoutes_StaticAndParamSegmentsCoexist(t *testing.T) {
	svc := new(MockEmailService)
	tracker := new(MockTrackingService)
	tenants := new(MockTenantLookup)
	tenants.On("GetByAPIKey", mock.Anything, "good").Return(testTenant, nil)
	svc.On("Get", mock.Anything, int64(7), "e1").Return(&model.Email{ID: "e1"}, nil)
	tracker.On("TrackOpen", mock.Anything, "e1", mock.Anything).Return(nil)

	e := xhttp.CreateServer()
	g := e.Router.Group("/api/v1")
	RegisterEmailRoutes(g, NewEmailHandler(svc, nil), TenantMiddleware(tenants))
	RegisterTrackingRoutes(g, NewTrackingHandler(tracker))
	handler := e.Handler()

	ctx := setupTestContext("GET", "/api/v1/emails/e1", nil)
	ctx.Request.Header.Set("X-API-Key", "good")
	handler(ctx)
	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())

	ctx = setupTestContext("GET", "/api/v1/emails/track/open/e1", nil)
	handler(ctx)
	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "image/png", string(ctx.Response.Header.ContentType()))

	svc.AssertExpectations(t)
	tracker.AssertExpectations(t)
}
