package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	gateway "github.com/nimasrn/email-gateway/internal/gateways"
	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	"github.com/nimasrn/email-gateway/internal/scheduler"
	"github.com/nimasrn/email-gateway/internal/tracking"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/prom"
)

// ErrNotDispatchable is returned on the immediate path when the email is in
// a status that cannot be sent.
var ErrNotDispatchable = errors.New("email cannot be dispatched in its current status")

type EmailStore interface {
	Get(ctx context.Context, id string) (*model.Email, error)
	// Apply persists next only while the stored status is still from.
	Apply(ctx context.Context, from model.EmailStatus, next *model.Email) error
	RecordAttemptError(ctx context.Context, id, reason string) error
}

type EmailProcessorConfig struct {
	From            string
	FromName        string
	BaseURL         string
	TrackingEnabled bool
	// Timeout bounds one provider call.
	Timeout time.Duration
}

type DispatchResult struct {
	EmailID           string
	ProviderMessageID string
	// Skipped is set when the email had already gone out.
	Skipped bool
}

// EmailProcessor drives one email through sending into sent or failed.
type EmailProcessor struct {
	store       EmailStore
	sender      gateway.Sender
	idempotency *IdempotencyService
	config      EmailProcessorConfig
	log         *logger.ZapLogger
}

func NewEmailProcessor(store EmailStore, sender gateway.Sender, idempotency *IdempotencyService, config EmailProcessorConfig) *EmailProcessor {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &EmailProcessor{
		store:       store,
		sender:      sender,
		idempotency: idempotency,
		config:      config,
		log:         logger.Named("dispatch").With("driver", sender.Name()),
	}
}

func (p *EmailProcessor) GetType() string {
	return "email"
}

// Process runs a scheduled job. A nil return acks the job; an error marked
// scheduler.Permanent ends it; any other error asks for a retry. A job that
// finds the email locked by another attempt is deferred, because that
// attempt may still fail and need this job to finish the email.
func (p *EmailProcessor) Process(ctx context.Context, job scheduler.Job) error {
	_, err := p.dispatch(ctx, job.MessageID, job.Final(), false,
		model.EmailStatusScheduled, model.EmailStatusSending)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLockHeld):
		p.log.Info("email locked by another attempt, deferring", "email_id", job.MessageID, "attempt", job.Attempt)
		return scheduler.Defer(err)
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, ErrNotDispatchable):
		// nothing left for this job to do
		p.log.Info("job dropped", "email_id", job.MessageID, "attempt", job.Attempt, "reason", err)
		return nil
	default:
		return err
	}
}

// DispatchNow sends an email on the caller's request path. A failure is
// final: the email ends up failed and the error is returned.
func (p *EmailProcessor) DispatchNow(ctx context.Context, id string) (*DispatchResult, error) {
	return p.dispatch(ctx, id, true, true,
		model.EmailStatusDraft, model.EmailStatusSending)
}

func (p *EmailProcessor) dispatch(ctx context.Context, id string, final, immediate bool, from ...model.EmailStatus) (*DispatchResult, error) {
	email, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := p.precheck(email, immediate, from); res != nil || err != nil {
		return res, err
	}

	pc, err := p.idempotency.AcquireProcessingLock(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			prom.IncDispatch("skipped")
			return &DispatchResult{EmailID: id, Skipped: true}, nil
		}
		return nil, err
	}
	defer func() {
		_ = p.idempotency.ReleaseLock(context.WithoutCancel(ctx), pc)
	}()

	// reload under the lock; the previous holder may have moved it on
	email, err = p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := p.precheck(email, immediate, from); res != nil || err != nil {
		return res, err
	}
	sending, err := model.StartSending(*email)
	if err != nil {
		prom.IncDispatch("aborted")
		return nil, fmt.Errorf("%w: %v", ErrNotDispatchable, err)
	}

	// a cancel that landed after the reload wins here
	if err := p.store.Apply(ctx, email.Status, &sending); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			prom.IncDispatch("aborted")
			return nil, fmt.Errorf("%w: status changed concurrently", ErrNotDispatchable)
		}
		return nil, err
	}

	req := p.buildRequest(&sending)

	sendCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	start := time.Now()
	res, sendErr := p.sender.Send(sendCtx, req)
	cancel()
	prom.ObserveDispatchDuration(time.Since(start).Seconds(), p.sender.Name())

	// persist the outcome even if the caller went away meanwhile
	storeCtx := context.WithoutCancel(ctx)

	if sendErr == nil {
		sent, err := model.MarkSent(sending, res.MessageID, time.Now().UTC())
		if err == nil {
			err = p.store.Apply(storeCtx, model.EmailStatusSending, &sent)
		}
		if err != nil {
			p.log.Error("email sent but status update failed", "email_id", id, "provider_id", res.MessageID, "error", err)
			return nil, err
		}
		if err := p.idempotency.MarkSuccess(storeCtx, pc); err != nil {
			p.log.Warn("failed to mark email dispatched", "email_id", id, "error", err)
		}
		prom.IncDispatch("sent")
		p.log.Info("email sent",
			"email_id", id, "provider_id", res.MessageID,
			"accepted", len(res.Accepted), "rejected", len(res.Rejected), "latency", time.Since(start))
		return &DispatchResult{EmailID: id, ProviderMessageID: res.MessageID}, nil
	}

	permanent := gateway.IsPermanent(sendErr)
	if final || permanent {
		failed, err := model.MarkFailed(sending, sendErr.Error())
		if err == nil {
			err = p.store.Apply(storeCtx, model.EmailStatusSending, &failed)
		}
		if err != nil {
			p.log.Error("failed to record dispatch failure", "email_id", id, "error", err)
		}
		prom.IncDispatch("failed")
		p.log.Warn("email failed", "email_id", id, "permanent", permanent, "error", sendErr)
		return nil, scheduler.Permanent(sendErr)
	}

	if err := p.store.RecordAttemptError(storeCtx, id, sendErr.Error()); err != nil {
		p.log.Error("failed to record attempt error", "email_id", id, "error", err)
	}
	prom.IncDispatch("retry")
	p.log.Warn("email dispatch failed, will retry", "email_id", id, "error", sendErr)
	return nil, sendErr
}

// precheck returns a skip result for an email that already went out and
// ErrNotDispatchable for one this path may not send.
func (p *EmailProcessor) precheck(email *model.Email, immediate bool, from []model.EmailStatus) (*DispatchResult, error) {
	if email.ProviderMessageID != "" {
		p.log.Info("email already dispatched, skipping", "email_id", email.ID, "provider_id", email.ProviderMessageID)
		prom.IncDispatch("skipped")
		return &DispatchResult{EmailID: email.ID, ProviderMessageID: email.ProviderMessageID, Skipped: true}, nil
	}
	if email.Status.IsTerminal() {
		p.log.Info("email already finished, aborting", "email_id", email.ID, "status", email.Status)
		prom.IncDispatch("aborted")
		return nil, fmt.Errorf("%w: %s", ErrNotDispatchable, email.Status)
	}
	if !statusIn(email.Status, from) {
		p.log.Info("email not dispatchable, aborting", "email_id", email.ID, "status", email.Status, "immediate", immediate)
		prom.IncDispatch("aborted")
		return nil, fmt.Errorf("%w: %s", ErrNotDispatchable, email.Status)
	}
	return nil, nil
}

func (p *EmailProcessor) buildRequest(email *model.Email) *gateway.SendRequest {
	html := email.Body
	if p.config.TrackingEnabled && p.config.BaseURL != "" {
		links := tracking.Links{BaseURL: p.config.BaseURL, EmailID: email.ID}
		if len(email.Recipients) == 1 {
			links.Recipient = email.Recipients[0].Email
		}
		html = tracking.Decorate(html, links)
	}

	return &gateway.SendRequest{
		MessageID:   email.ID,
		From:        p.config.From,
		FromName:    p.config.FromName,
		To:          email.Addresses(),
		Cc:          email.Cc,
		Bcc:         email.Bcc,
		Subject:     email.Subject,
		HTML:        html,
		Attachments: email.Attachments,
		Headers:     map[string]string{"X-Email-ID": email.ID},
	}
}

func statusIn(s model.EmailStatus, set []model.EmailStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
