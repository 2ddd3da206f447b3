package repository

import "gorm.io/gorm"

// AutoMigrate creates the schema from the entities. Production databases
// are migrated with the goose files under migrations/; this is for
// throwaway databases.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&TenantEntity{},
		&TemplateEntity{},
		&EmailEntity{},
		&RecipientEntity{},
		&EmailEventEntity{},
	)
}
