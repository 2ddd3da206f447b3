package repository

import (
	"time"

	"github.com/nimasrn/email-gateway/internal/model"
)

type TenantEntity struct {
	ID              int64     `db:"id"                gorm:"primaryKey;autoIncrement;column:id"`
	Name            string    `db:"name"              gorm:"column:name;not null"`
	APIKey          string    `db:"api_key"           gorm:"column:api_key;not null;unique"`
	Plan            string    `db:"plan"              gorm:"column:plan;type:varchar(16);not null;default:free"`
	EmailsThisMonth int64     `db:"emails_this_month" gorm:"column:emails_this_month;not null;default:0"`
	QuotaResetAt    time.Time `db:"quota_reset_at"    gorm:"column:quota_reset_at;not null"`
}

func (TenantEntity) TableName() string {
	return "tenants"
}

func toTenantEntity(m *model.Tenant) *TenantEntity {
	if m == nil {
		return nil
	}
	return &TenantEntity{
		ID:              m.ID,
		Name:            m.Name,
		APIKey:          m.APIKey,
		Plan:            string(m.Plan),
		EmailsThisMonth: m.EmailsThisMonth,
		QuotaResetAt:    m.QuotaResetAt,
	}
}

func toTenantModel(e *TenantEntity) *model.Tenant {
	if e == nil {
		return nil
	}
	return &model.Tenant{
		ID:              e.ID,
		Name:            e.Name,
		APIKey:          e.APIKey,
		Plan:            model.Plan(e.Plan),
		EmailsThisMonth: e.EmailsThisMonth,
		QuotaResetAt:    e.QuotaResetAt,
	}
}

type TemplateEntity struct {
	ID       int64  `db:"id"        gorm:"primaryKey;autoIncrement;column:id"`
	TenantID int64  `db:"tenant_id" gorm:"column:tenant_id;not null;index"`
	Title    string `db:"title"     gorm:"column:title;not null"`
	Subject  string `db:"subject"   gorm:"column:subject"`
	Body     string `db:"body"      gorm:"column:body;type:text;not null"`
}

func (TemplateEntity) TableName() string {
	return "templates"
}

func toTemplateModel(e *TemplateEntity) *model.Template {
	if e == nil {
		return nil
	}
	return &model.Template{
		ID:       e.ID,
		TenantID: e.TenantID,
		Title:    e.Title,
		Subject:  e.Subject,
		Body:     e.Body,
	}
}
