package services

import (
	"context"
	"errors"
	"testing"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSafeRedirect(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/offer?a=1", "https://example.com/offer?a=1"},
		{"http://example.com", "http://example.com"},
		{"  https://example.com/x  ", "https://example.com/x"},
		{"", DefaultRedirect},
		{"javascript:alert(1)", DefaultRedirect},
		{"/relative/path", DefaultRedirect},
		{"//evil.example.com", DefaultRedirect},
		{"ftp://example.com/file", DefaultRedirect},
		{"https://exa mple.com/%zz", DefaultRedirect},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeRedirect(tt.in), tt.in)
	}
}

func TestTrackingService_UnknownEmailIgnored(t *testing.T) {
	store := new(MockTrackingStore)
	store.On("RecordOpen", mock.Anything, "nope", mock.Anything).Return(repository.ErrNotFound)
	store.On("RecordClick", mock.Anything, "nope", "https://example.com", mock.Anything).Return(repository.ErrNotFound)
	svc := NewTrackingService(store)

	require.NoError(t, svc.TrackOpen(context.Background(), "nope", model.RequestMeta{}))

	redirect, err := svc.TrackClick(context.Background(), "nope", "https://example.com", model.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", redirect)
}

func TestTrackingService_StoreErrorStillRedirects(t *testing.T) {
	store := new(MockTrackingStore)
	store.On("RecordClick", mock.Anything, "e1", "https://example.com/a", mock.Anything).Return(errors.New("db down"))

	redirect, err := NewTrackingService(store).TrackClick(context.Background(), "e1", "https://example.com/a", model.RequestMeta{})
	require.Error(t, err)
	assert.Equal(t, "https://example.com/a", redirect)
}

func TestTrackingService_RecordsEngagement(t *testing.T) {
	s := newStack(t, &fakeSender{})
	tenant := createTenant(t, s.db, model.PlanFree)
	ctx := context.Background()

	req := validRequest()
	req.Recipients = append(req.Recipients, model.Recipient{Email: "bob@example.com"})
	sent, err := s.email.Send(ctx, tenant.ID, req)
	require.NoError(t, err)

	svc := NewTrackingService(s.emails)
	meta := model.RequestMeta{IP: "10.0.0.1", UserAgent: "test-agent", RecipientEmail: "bob@example.com"}

	require.NoError(t, svc.TrackOpen(ctx, sent.EmailID, meta))
	redirect, err := svc.TrackClick(ctx, sent.EmailID, "https://example.com/offer", meta)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/offer", redirect)

	email, err := s.emails.Get(ctx, sent.EmailID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), email.Analytics.Opens)
	assert.Equal(t, int64(1), email.Analytics.Clicks)
	assert.Equal(t, model.RecipientStatusSent, email.Recipients[0].Status)
	assert.Equal(t, model.RecipientStatusClicked, email.Recipients[1].Status)

	events, err := s.email.Events(ctx, tenant.ID, sent.EmailID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.TrackingEventOpen, events[0].Type)
	assert.Equal(t, model.TrackingEventClick, events[1].Type)
	assert.Equal(t, "https://example.com/offer", events[1].URL)
	assert.Equal(t, "10.0.0.1", events[1].IP)
}
