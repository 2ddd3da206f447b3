package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/prom"
	"golang.org/x/sync/errgroup"
)

type BulkConfig struct {
	// BatchSize is how many emails are dispatched concurrently.
	BatchSize int
	// BatchPause is the quiet time between the end of one batch and the
	// start of the next.
	BatchPause    time.Duration
	MaxRecipients int
}

type BulkRequest struct {
	TemplateID int64             `json:"templateId"`
	Recipients []model.Recipient `json:"recipients"`
	Subject    string            `json:"subject"`
	// Customizations maps a recipient address to [token] replacements.
	Customizations map[string]map[string]string `json:"customizations,omitempty"`
}

type BulkResult struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// BulkService fans one template out to many recipients, one email each.
type BulkService struct {
	emails     EmailRepository
	templates  TemplateRepository
	quota      *QuotaService
	dispatcher Dispatcher
	config     BulkConfig
}

func NewBulkService(emails EmailRepository, templates TemplateRepository, quota *QuotaService, dispatcher Dispatcher, config BulkConfig) *BulkService {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.BatchPause < 0 {
		config.BatchPause = 0
	}
	if config.MaxRecipients <= 0 {
		config.MaxRecipients = 1000
	}
	return &BulkService{
		emails:     emails,
		templates:  templates,
		quota:      quota,
		dispatcher: dispatcher,
		config:     config,
	}
}

// SendBulk persists every email first, then dispatches them batch by batch.
// One recipient failing never stops the others.
func (s *BulkService) SendBulk(ctx context.Context, tenantID int64, req BulkRequest) (*BulkResult, error) {
	if len(req.Recipients) == 0 || len(req.Recipients) > s.config.MaxRecipients {
		return nil, invalid("recipients", "must contain between 1 and %d entries", s.config.MaxRecipients)
	}
	recipients, err := normalizeRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}

	tpl, err := s.templates.Get(ctx, tenantID, req.TemplateID)
	if err != nil {
		if errors.Is(err, repository.ErrTemplateNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}

	subject := req.Subject
	if strings.TrimSpace(subject) == "" {
		subject = tpl.Subject
	}

	drafts := make([]*model.Email, 0, len(recipients))
	for _, r := range recipients {
		vars := tokens(r, req.Customizations[r.Email])
		email := &model.Email{
			TenantID:   tenantID,
			TemplateID: &req.TemplateID,
			Subject:    substitute(subject, vars),
			Body:       substitute(tpl.Body, vars),
			Status:     model.EmailStatusSending,
			Recipients: []model.Recipient{{Email: r.Email, Name: r.Name, Status: model.RecipientStatusPending}},
		}
		if err := validateContent(email.Subject, email.Body); err != nil {
			return nil, fmt.Errorf("recipient %s: %w", r.Email, err)
		}
		drafts = append(drafts, email)
	}

	if err := s.quota.Check(ctx, tenantID, int64(len(drafts))); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(drafts))
	for _, email := range drafts {
		created, err := s.emails.Create(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("create email for %s: %w", email.Recipients[0].Email, err)
		}
		ids = append(ids, created.ID)
	}

	prom.AddBulkRecipients(len(ids))
	successful, failed := s.dispatchAll(ctx, ids)

	// the sends happened even if the caller left mid-way
	recordUsage(context.WithoutCancel(ctx), s.quota, tenantID, int64(successful))

	result := &BulkResult{Total: len(ids), Successful: successful, Failed: failed}
	logger.Info("bulk send finished",
		"tenant_id", tenantID, "template_id", req.TemplateID,
		"total", result.Total, "successful", result.Successful, "failed", result.Failed)
	return result, nil
}

func (s *BulkService) dispatchAll(ctx context.Context, ids []string) (int, int) {
	var ok, failed atomic.Int64

	for start := 0; start < len(ids); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		if start > 0 && s.config.BatchPause > 0 {
			if err := pause(ctx, s.config.BatchPause); err != nil {
				// caller gone; recovery picks the rest up once they go stale
				failed.Add(int64(len(ids) - start))
				logger.Warn("bulk send interrupted", "dispatched", start, "remaining", len(ids)-start, "error", err)
				break
			}
		}

		batchStart := time.Now()
		var g errgroup.Group
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				if _, err := s.dispatcher.DispatchNow(ctx, id); err != nil {
					failed.Add(1)
					logger.Warn("bulk email failed", "email_id", id, "error", err)
					return nil
				}
				ok.Add(1)
				return nil
			})
		}
		_ = g.Wait()
		prom.ObserveBulkBatch(time.Since(batchStart).Seconds())
	}

	return int(ok.Load()), int(failed.Load())
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tokens are the [token] replacements for one recipient. Explicit
// customizations win over the built-in name and email.
func tokens(r model.Recipient, custom map[string]string) map[string]string {
	vars := map[string]string{
		"name":  r.Name,
		"email": r.Email,
	}
	for k, v := range custom {
		vars[strings.Trim(k, "[]")] = v
	}
	return vars
}

// substitute replaces every [token] with its value. Unknown tokens stay.
func substitute(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "[") {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "["+k+"]", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
