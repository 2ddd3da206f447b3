package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/pkg/pg"
	"gorm.io/gorm"
)

var ErrTemplateNotFound = errors.New("template not found")

// TemplateRepository is a read-only view of tenant templates.
type TemplateRepository struct {
	*pg.DB
}

func NewTemplateRepository(db *pg.DB) *TemplateRepository {
	return &TemplateRepository{
		db,
	}
}

func (r *TemplateRepository) Get(ctx context.Context, tenantID, id int64) (*model.Template, error) {
	var entity TemplateEntity
	err := r.Read(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return toTemplateModel(&entity), nil
}
