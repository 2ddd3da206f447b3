package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nimasrn/email-gateway/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testDB struct {
	*pg.DB
	rawDB *gorm.DB
}

func setupTestDB(t *testing.T) *testDB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))

	return &testDB{
		DB:    pg.Wrap(db, nil),
		rawDB: db,
	}
}

func seedUsage(t *testing.T, db *pg.DB, tenantID, count int64, resetAt time.Time) {
	t.Helper()
	require.NoError(t, db.Write(context.Background()).Model(&TenantEntity{}).
		Where("id = ?", tenantID).
		Updates(map[string]interface{}{"emails_this_month": count, "quota_reset_at": resetAt.UTC()}).Error)
}
