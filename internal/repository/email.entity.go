package repository

import (
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
)

type EmailEntity struct {
	ID                string             `db:"id"                  gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID          int64              `db:"tenant_id"           gorm:"column:tenant_id;not null;index:idx_emails_tenant_created,priority:1"`
	TemplateID        *int64             `db:"template_id"         gorm:"column:template_id"`
	Subject           string             `db:"subject"             gorm:"column:subject;type:varchar(200);not null"`
	Body              string             `db:"body"                gorm:"column:body;type:text;not null"`
	Cc                []string           `db:"cc"                  gorm:"column:cc;serializer:json"`
	Bcc               []string           `db:"bcc"                 gorm:"column:bcc;serializer:json"`
	Attachments       []model.Attachment `db:"attachments"         gorm:"column:attachments;serializer:json"`
	Status            string             `db:"status"              gorm:"column:status;type:varchar(16);not null;index"`
	ScheduledAt       *time.Time         `db:"scheduled_at"        gorm:"column:scheduled_at;index"`
	SentAt            *time.Time         `db:"sent_at"             gorm:"column:sent_at"`
	Opens             int64              `db:"opens"               gorm:"column:opens;not null;default:0"`
	Clicks            int64              `db:"clicks"              gorm:"column:clicks;not null;default:0"`
	Bounces           int64              `db:"bounces"             gorm:"column:bounces;not null;default:0"`
	ProviderMessageID string             `db:"provider_message_id" gorm:"column:provider_message_id"`
	LastError         string             `db:"last_error"          gorm:"column:last_error"`
	Attempts          int                `db:"attempts"            gorm:"column:attempts;not null;default:0"`
	CreatedAt         time.Time          `db:"created_at"          gorm:"column:created_at;index:idx_emails_tenant_created,priority:2,sort:desc"`
	UpdatedAt         time.Time          `db:"updated_at"          gorm:"column:updated_at"`
	Recipients        []*RecipientEntity `gorm:"foreignKey:EmailID;constraint:OnDelete:CASCADE"`
}

func (EmailEntity) TableName() string {
	return "emails"
}

type RecipientEntity struct {
	ID       int64  `db:"id"       gorm:"primaryKey;autoIncrement;column:id"`
	EmailID  string `db:"email_id" gorm:"column:email_id;type:varchar(36);not null;index"`
	Email    string `db:"email"    gorm:"column:email;not null;index"`
	Name     string `db:"name"     gorm:"column:name"`
	Status   string `db:"status"   gorm:"column:status;type:varchar(16);not null"`
	Position int    `db:"position" gorm:"column:position;not null"`
}

func (RecipientEntity) TableName() string {
	return "email_recipients"
}

type EmailEventEntity struct {
	ID             int64     `db:"id"              gorm:"primaryKey;autoIncrement;column:id"`
	EmailID        string    `db:"email_id"        gorm:"column:email_id;type:varchar(36);not null;index"`
	Type           string    `db:"type"            gorm:"column:type;type:varchar(16);not null"`
	URL            string    `db:"url"             gorm:"column:url"`
	IP             string    `db:"ip"              gorm:"column:ip"`
	UserAgent      string    `db:"user_agent"      gorm:"column:user_agent"`
	RecipientEmail string    `db:"recipient_email" gorm:"column:recipient_email"`
	CreatedAt      time.Time `db:"created_at"      gorm:"column:created_at"`
}

func (EmailEventEntity) TableName() string {
	return "email_events"
}

func toEmailEntity(m *model.Email) *EmailEntity {
	if m == nil {
		return nil
	}
	e := &EmailEntity{
		ID:                m.ID,
		TenantID:          m.TenantID,
		TemplateID:        m.TemplateID,
		Subject:           m.Subject,
		Body:              m.Body,
		Cc:                m.Cc,
		Bcc:               m.Bcc,
		Attachments:       m.Attachments,
		Status:            string(m.Status),
		ScheduledAt:       m.ScheduledAt,
		SentAt:            m.SentAt,
		Opens:             m.Analytics.Opens,
		Clicks:            m.Analytics.Clicks,
		Bounces:           m.Analytics.Bounces,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		Attempts:          m.Attempts,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	for i, r := range m.Recipients {
		status := r.Status
		if status == "" {
			status = model.RecipientStatusPending
		}
		e.Recipients = append(e.Recipients, &RecipientEntity{
			EmailID:  m.ID,
			Email:    r.Email,
			Name:     r.Name,
			Status:   string(status),
			Position: i,
		})
	}
	return e
}

func toEmailModel(e *EmailEntity) *model.Email {
	if e == nil {
		return nil
	}
	m := &model.Email{
		ID:                e.ID,
		TenantID:          e.TenantID,
		TemplateID:        e.TemplateID,
		Subject:           e.Subject,
		Body:              e.Body,
		Cc:                e.Cc,
		Bcc:               e.Bcc,
		Attachments:       e.Attachments,
		Status:            model.EmailStatus(e.Status),
		ScheduledAt:       e.ScheduledAt,
		SentAt:            e.SentAt,
		Analytics:         model.Analytics{Opens: e.Opens, Clicks: e.Clicks, Bounces: e.Bounces},
		ProviderMessageID: e.ProviderMessageID,
		LastError:         e.LastError,
		Attempts:          e.Attempts,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		Recipients:        make([]model.Recipient, 0, len(e.Recipients)),
	}
	for _, r := range e.Recipients {
		m.Recipients = append(m.Recipients, model.Recipient{
			Email:    r.Email,
			Name:     r.Name,
			Status:   model.RecipientStatus(r.Status),
			Position: r.Position,
		})
	}
	return m
}

func toEmailModels(entities []*EmailEntity) []*model.Email {
	if entities == nil {
		return nil
	}
	models := make([]*model.Email, len(entities))
	for i, e := range entities {
		models[i] = toEmailModel(e)
	}
	return models
}

func toEventModel(e *EmailEventEntity) *model.TrackingEvent {
	return &model.TrackingEvent{
		ID:             e.ID,
		EmailID:        e.EmailID,
		Type:           model.TrackingEventType(e.Type),
		URL:            e.URL,
		IP:             e.IP,
		UserAgent:      e.UserAgent,
		RecipientEmail: e.RecipientEmail,
		CreatedAt:      e.CreatedAt,
	}
}
