package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/processor"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/pkg/logger"
)

type EmailRepository interface {
	Create(ctx context.Context, email *model.Email) (*model.Email, error)
	GetForTenant(ctx context.Context, tenantID int64, id string) (*model.Email, error)
	List(ctx context.Context, f model.EmailFilter) ([]*model.Email, int64, error)
	Cancel(ctx context.Context, tenantID int64, id string) error
	Events(ctx context.Context, id string) ([]*model.TrackingEvent, error)
}

type TemplateRepository interface {
	Get(ctx context.Context, tenantID, id int64) (*model.Template, error)
}

// Dispatcher sends a persisted email right away.
type Dispatcher interface {
	DispatchNow(ctx context.Context, id string) (*processor.DispatchResult, error)
}

// JobScheduler defers dispatch of an email.
type JobScheduler interface {
	Enqueue(ctx context.Context, messageID string, notBefore time.Time) (scheduler.JobHandle, error)
	Cancel(ctx context.Context, messageID string) (bool, error)
}

type SendRequest struct {
	Recipients  []model.Recipient  `json:"recipients"`
	Cc          []string           `json:"cc,omitempty"`
	Bcc         []string           `json:"bcc,omitempty"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	TemplateID  *int64             `json:"templateId,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	ScheduledAt *time.Time         `json:"scheduledAt,omitempty"`
}

type SendResult struct {
	EmailID   string `json:"emailId"`
	MessageID string `json:"messageId"`
}

type ScheduleResult struct {
	EmailID     string    `json:"emailId"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type EmailService struct {
	emails     EmailRepository
	templates  TemplateRepository
	quota      *QuotaService
	dispatcher Dispatcher
	scheduler  JobScheduler
	now        func() time.Time
}

func NewEmailService(emails EmailRepository, templates TemplateRepository, quota *QuotaService, dispatcher Dispatcher, scheduler JobScheduler) *EmailService {
	return &EmailService{
		emails:     emails,
		templates:  templates,
		quota:      quota,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		now:        time.Now,
	}
}

// Send persists the email and dispatches it on the caller's path. When the
// provider fails the email is kept as failed and its id is still returned
// alongside the error.
func (s *EmailService) Send(ctx context.Context, tenantID int64, req SendRequest) (*SendResult, error) {
	email, err := s.build(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Check(ctx, tenantID, 1); err != nil {
		return nil, err
	}

	email.Status = model.EmailStatusSending
	created, err := s.emails.Create(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("create email: %w", err)
	}

	res, err := s.dispatcher.DispatchNow(ctx, created.ID)
	if err != nil {
		return &SendResult{EmailID: created.ID}, err
	}

	recordUsage(ctx, s.quota, tenantID, 1)

	logger.Info("email sent", "tenant_id", tenantID, "email_id", created.ID, "provider_id", res.ProviderMessageID)
	return &SendResult{EmailID: created.ID, MessageID: res.ProviderMessageID}, nil
}

// Schedule persists the email as scheduled and enqueues its deferred job.
func (s *EmailService) Schedule(ctx context.Context, tenantID int64, req SendRequest) (*ScheduleResult, error) {
	if req.ScheduledAt == nil {
		return nil, invalid("scheduledAt", "is required")
	}
	at := req.ScheduledAt.UTC()
	if !at.After(s.now()) {
		return nil, invalid("scheduledAt", "must be in the future")
	}

	email, err := s.build(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Check(ctx, tenantID, 1); err != nil {
		return nil, err
	}

	email.Status = model.EmailStatusScheduled
	email.ScheduledAt = &at
	created, err := s.emails.Create(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("create email: %w", err)
	}

	if _, err := s.scheduler.Enqueue(ctx, created.ID, at); err != nil {
		logger.Error("failed to enqueue scheduled email", "email_id", created.ID, "error", err)
		// the caller is told it failed, so recovery must never deliver it
		if werr := s.cancel(context.WithoutCancel(ctx), created); werr != nil {
			logger.Error("failed to withdraw unqueued email", "email_id", created.ID, "error", werr)
		}
		return nil, fmt.Errorf("enqueue email %s: %w", created.ID, err)
	}

	recordUsage(ctx, s.quota, tenantID, 1)

	logger.Info("email scheduled", "tenant_id", tenantID, "email_id", created.ID, "scheduled_at", at)
	return &ScheduleResult{EmailID: created.ID, ScheduledAt: at}, nil
}

// Cancel flips a scheduled email to cancelled and removes its job. A job
// already claimed by a worker is not stopped; the worker sees the new
// status and aborts.
func (s *EmailService) Cancel(ctx context.Context, tenantID int64, id string) error {
	email, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.cancel(ctx, email); err != nil {
		return err
	}

	removed, err := s.scheduler.Cancel(ctx, id)
	if err != nil {
		logger.Warn("email cancelled but job removal failed", "email_id", id, "error", err)
		return nil
	}
	if !removed {
		logger.Info("email cancelled after its job was claimed", "email_id", id)
	}
	return nil
}

// cancel checks the transition against the model, then flips the row only
// if it is still scheduled.
func (s *EmailService) cancel(ctx context.Context, email *model.Email) error {
	if _, err := model.Cancel(*email); err != nil {
		return ErrNotCancellable
	}
	if err := s.emails.Cancel(ctx, email.TenantID, email.ID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return ErrNotFound
		case errors.Is(err, repository.ErrStatusConflict):
			return ErrNotCancellable
		default:
			return err
		}
	}
	return nil
}

// recordUsage counts sends that already happened. A failure here cannot
// undo them, so it is logged and the month's counter runs short.
func recordUsage(ctx context.Context, quota *QuotaService, tenantID int64, n int64) {
	if err := quota.RecordSend(ctx, tenantID, n); err != nil {
		logger.Warn("failed to record quota usage", "tenant_id", tenantID, "count", n, "error", err)
	}
}

// Resend copies the content of an existing email into a new one and sends it.
func (s *EmailService) Resend(ctx context.Context, tenantID int64, id string) (*SendResult, error) {
	orig, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	return s.Send(ctx, tenantID, SendRequest{
		Recipients:  orig.Recipients,
		Cc:          orig.Cc,
		Bcc:         orig.Bcc,
		Subject:     orig.Subject,
		Body:        orig.Body,
		TemplateID:  orig.TemplateID,
		Attachments: orig.Attachments,
	})
}

func (s *EmailService) Get(ctx context.Context, tenantID int64, id string) (*model.Email, error) {
	email, err := s.emails.GetForTenant(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return email, nil
}

func (s *EmailService) List(ctx context.Context, tenantID int64, f model.EmailFilter) ([]*model.Email, int64, error) {
	f.TenantID = &tenantID
	return s.emails.List(ctx, f)
}

func (s *EmailService) Events(ctx context.Context, tenantID int64, id string) ([]*model.TrackingEvent, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.emails.Events(ctx, id)
}

// build validates the request and turns it into an unsaved email. A
// template fills in whatever subject or body the request left empty.
func (s *EmailService) build(ctx context.Context, tenantID int64, req SendRequest) (*model.Email, error) {
	subject, body := req.Subject, req.Body
	if req.TemplateID != nil && (strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "") {
		tpl, err := s.templates.Get(ctx, tenantID, *req.TemplateID)
		if err != nil {
			if errors.Is(err, repository.ErrTemplateNotFound) {
				return nil, ErrTemplateNotFound
			}
			return nil, err
		}
		if strings.TrimSpace(subject) == "" {
			subject = tpl.Subject
		}
		if strings.TrimSpace(body) == "" {
			body = tpl.Body
		}
	}
	if err := validateContent(subject, body); err != nil {
		return nil, err
	}

	recipients, err := normalizeRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}
	cc, err := normalizeAddresses("cc", req.Cc)
	if err != nil {
		return nil, err
	}
	bcc, err := normalizeAddresses("bcc", req.Bcc)
	if err != nil {
		return nil, err
	}

	return &model.Email{
		TenantID:    tenantID,
		TemplateID:  req.TemplateID,
		Subject:     subject,
		Body:        body,
		Recipients:  recipients,
		Cc:          cc,
		Bcc:         bcc,
		Attachments: req.Attachments,
	}, nil
}
