package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when an email does not exist.
	ErrNotFound = errors.New("email not found")
	// ErrStatusConflict is returned when a conditional status update matched no row.
	ErrStatusConflict = errors.New("email status changed concurrently")
)

type EmailRepository struct {
	*pg.DB
}

func NewEmailRepository(db *pg.DB) *EmailRepository {
	return &EmailRepository{
		db,
	}
}

// Create inserts the email and its recipients in one transaction.
func (r *EmailRepository) Create(ctx context.Context, email *model.Email) (*model.Email, error) {
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	if email.Status == "" {
		email.Status = model.EmailStatusDraft
	}
	entity := toEmailEntity(email)

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		return r.Write(ctx).Create(entity).Error
	})
	if err != nil {
		return nil, err
	}

	return toEmailModel(entity), nil
}

func (r *EmailRepository) Get(ctx context.Context, id string) (*model.Email, error) {
	return r.first(ctx, r.Read(ctx).Where("id = ?", id))
}

// GetForTenant scopes the lookup so one tenant never sees another's email.
func (r *EmailRepository) GetForTenant(ctx context.Context, tenantID int64, id string) (*model.Email, error) {
	return r.first(ctx, r.Read(ctx).Where("id = ? AND tenant_id = ?", id, tenantID))
}

func (r *EmailRepository) first(ctx context.Context, q *gorm.DB) (*model.Email, error) {
	var entity EmailEntity
	err := q.Preload("Recipients", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toEmailModel(&entity), nil
}

func (r *EmailRepository) List(ctx context.Context, f model.EmailFilter) ([]*model.Email, int64, error) {
	q := r.Read(ctx).Model(&EmailEntity{})

	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Recipient != nil && *f.Recipient != "" {
		q = q.Where("id IN (?)", r.Read(ctx).Model(&RecipientEntity{}).
			Select("email_id").Where("email = ?", *f.Recipient))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*EmailEntity
	err := q.Preload("Recipients", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).Order(order).Limit(limit).Offset(offset).Find(&entities).Error
	if err != nil {
		return nil, 0, err
	}

	return toEmailModels(entities), total, nil
}

// Apply persists a transition computed by the model package. The row only
// moves while it is still in from, so a cancel that landed first wins.
// Recipients still pending take the status next gives them.
func (r *EmailRepository) Apply(ctx context.Context, from model.EmailStatus, next *model.Email) error {
	if !model.CanTransition(from, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrStatusConflict, from, next.Status)
	}

	now := time.Now().UTC()
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		result := r.Write(ctx).Model(&EmailEntity{}).
			Where("id = ? AND status = ?", next.ID, string(from)).
			Updates(map[string]interface{}{
				"status":              string(next.Status),
				"attempts":            next.Attempts,
				"provider_message_id": next.ProviderMessageID,
				"last_error":          next.LastError,
				"sent_at":             next.SentAt,
				"updated_at":          now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.conflictReason(ctx, r.Read(ctx).Where("id = ?", next.ID))
		}

		for _, rc := range next.Recipients {
			if rc.Status == model.RecipientStatusPending {
				continue
			}
			err := r.Write(ctx).Model(&RecipientEntity{}).
				Where("email_id = ? AND position = ? AND status = ?", next.ID, rc.Position, model.RecipientStatusPending).
				Update("status", string(rc.Status)).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordAttemptError keeps the email in sending and remembers why the last
// attempt failed.
func (r *EmailRepository) RecordAttemptError(ctx context.Context, id, reason string) error {
	result := r.Write(ctx).Model(&EmailEntity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel flips a scheduled email to cancelled. Any other status is a conflict.
func (r *EmailRepository) Cancel(ctx context.Context, tenantID int64, id string) error {
	result := r.Write(ctx).Model(&EmailEntity{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, model.EmailStatusScheduled).
		Updates(map[string]interface{}{
			"status":     string(model.EmailStatusCancelled),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.conflictReason(ctx, r.Read(ctx).Where("id = ? AND tenant_id = ?", id, tenantID))
	}
	return nil
}

// ListScheduled returns scheduled emails due before the given instant, oldest first.
func (r *EmailRepository) ListScheduled(ctx context.Context, before time.Time, limit int) ([]*model.Email, error) {
	var entities []*EmailEntity
	err := r.Read(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at < ?", model.EmailStatusScheduled, before).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toEmailModels(entities), nil
}

// ListStaleSending returns emails stuck in sending without a provider id
// whose last update is older than updatedBefore. A process that died between
// insert and dispatch leaves rows like these behind.
func (r *EmailRepository) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.Email, error) {
	var entities []*EmailEntity
	err := r.Read(ctx).
		Where("status = ? AND provider_message_id = ? AND updated_at < ?", model.EmailStatusSending, "", updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toEmailModels(entities), nil
}

// RecordOpen counts the open, logs it and promotes one sent recipient to opened.
func (r *EmailRepository) RecordOpen(ctx context.Context, id string, meta model.RequestMeta) error {
	return r.recordEvent(ctx, id, model.TrackingEventOpen, "", meta, "opens",
		model.RecipientStatusOpened, model.RecipientStatusSent)
}

// RecordClick counts the click, logs it and promotes one sent or opened
// recipient to clicked.
func (r *EmailRepository) RecordClick(ctx context.Context, id, url string, meta model.RequestMeta) error {
	return r.recordEvent(ctx, id, model.TrackingEventClick, url, meta, "clicks",
		model.RecipientStatusClicked, model.RecipientStatusSent, model.RecipientStatusOpened)
}

func (r *EmailRepository) recordEvent(
	ctx context.Context,
	id string,
	eventType model.TrackingEventType,
	url string,
	meta model.RequestMeta,
	counter string,
	promoteTo model.RecipientStatus,
	promoteFrom ...model.RecipientStatus,
) error {
	at := meta.At
	if at.IsZero() {
		at = time.Now()
	}

	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		result := r.Write(ctx).Model(&EmailEntity{}).
			Where("id = ?", id).
			UpdateColumn(counter, gorm.Expr(counter+" + ?", 1))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		event := &EmailEventEntity{
			EmailID:        id,
			Type:           string(eventType),
			URL:            url,
			IP:             meta.IP,
			UserAgent:      meta.UserAgent,
			RecipientEmail: meta.RecipientEmail,
			CreatedAt:      at.UTC(),
		}
		if err := r.Write(ctx).Create(event).Error; err != nil {
			return err
		}

		from := make([]string, len(promoteFrom))
		for i, s := range promoteFrom {
			from[i] = string(s)
		}
		target := r.Write(ctx).Model(&RecipientEntity{}).
			Select("id").
			Where("email_id = ? AND status IN ?", id, from)
		if meta.RecipientEmail != "" {
			target = target.Where("email = ?", meta.RecipientEmail)
		}
		target = target.Order("position ASC").Limit(1)

		return r.Write(ctx).Model(&RecipientEntity{}).
			Where("id = (?)", target).
			Update("status", string(promoteTo)).Error
	})
}

// Events returns the tracking log of one email, oldest first.
func (r *EmailRepository) Events(ctx context.Context, id string) ([]*model.TrackingEvent, error) {
	var entities []*EmailEventEntity
	err := r.Read(ctx).
		Where("email_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}

	events := make([]*model.TrackingEvent, len(entities))
	for i, e := range entities {
		events[i] = toEventModel(e)
	}
	return events, nil
}

// conflictReason tells a missing row apart from one whose status moved on.
func (r *EmailRepository) conflictReason(ctx context.Context, q *gorm.DB) error {
	var count int64
	if err := q.Model(&EmailEntity{}).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}
