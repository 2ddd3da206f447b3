package services

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/prom"
)

// DefaultRedirect is where clicks without a usable target land.
const DefaultRedirect = "/"

type TrackingStore interface {
	RecordOpen(ctx context.Context, id string, meta model.RequestMeta) error
	RecordClick(ctx context.Context, id, url string, meta model.RequestMeta) error
}

// TrackingService records opens and clicks. Unknown emails are ignored so
// the endpoints never reveal whether an id exists.
type TrackingService struct {
	store TrackingStore
}

func NewTrackingService(store TrackingStore) *TrackingService {
	return &TrackingService{store: store}
}

func (s *TrackingService) TrackOpen(ctx context.Context, id string, meta model.RequestMeta) error {
	err := s.store.RecordOpen(ctx, id, meta)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Debug("open for unknown email ignored", "email_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	prom.IncTrackingEvent(string(model.TrackingEventOpen))
	return nil
}

// TrackClick records the click and returns where to redirect. The click is
// stored before the caller redirects; a storage error still yields a
// redirect target.
func (s *TrackingService) TrackClick(ctx context.Context, id, target string, meta model.RequestMeta) (string, error) {
	redirect := SafeRedirect(target)

	err := s.store.RecordClick(ctx, id, target, meta)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Debug("click for unknown email ignored", "email_id", id)
		return redirect, nil
	}
	if err != nil {
		return redirect, err
	}
	prom.IncTrackingEvent(string(model.TrackingEventClick))
	return redirect, nil
}

// SafeRedirect accepts absolute http(s) URLs only.
func SafeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return DefaultRedirect
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return DefaultRedirect
	}
	return u.String()
}
