package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PROVIDER_DRIVER", "smtp")
	require.NoError(t, Load(""))

	c := Get()
	assert.Equal(t, ":8080", c.HttpListenAddr)
	assert.Equal(t, 3, c.SchedulerMaxAttempts)
	assert.Equal(t, 2*time.Second, c.SchedulerBackoffBase)
	assert.Equal(t, 10, c.BulkBatchSize)
	assert.Equal(t, time.Second, c.BulkBatchPause)
	assert.True(t, c.TrackingEnabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PROVIDER_DRIVER=relay\nRELAY_PRIMARY_URL=http://relay:8081\nPOSTGRES_WRITE_HOST=db\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("PROVIDER_DRIVER")
		os.Unsetenv("RELAY_PRIMARY_URL")
		os.Unsetenv("POSTGRES_WRITE_HOST")
	})

	require.NoError(t, Load(path))
	assert.Equal(t, "relay", Get().ProviderDriver)
	assert.Equal(t, "db", Get().PostgresWrite().Host)
	assert.Equal(t, "5432", Get().PostgresWrite().Port)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("PROVIDER_DRIVER", "carrier-pigeon")
		assert.Error(t, Load(""))
	})

	t.Run("relay without url", func(t *testing.T) {
		t.Setenv("PROVIDER_DRIVER", "relay")
		t.Setenv("RELAY_PRIMARY_URL", "")
		assert.Error(t, Load(""))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Error(t, Load("/nonexistent/.env"))
	})
}

func TestConfig_ComponentConfigs(t *testing.T) {
	c := &Config{
		ProviderDriver:             "relay",
		RelayPrimaryUrl:            "http://relay-a:8081",
		RelaySecondaryUrl:          "http://relay-b:8081",
		RelayApiKey:                "secret",
		SchedulerQueueName:         "emails",
		SchedulerConsumerName:      "proc-1",
		SchedulerMaxAttempts:       5,
		SchedulerVisibilityTimeout: time.Minute,
		MailFrom:                   "news@example.com",
		AppBaseUrl:                 "https://mail.example.com",
		TrackingEnabled:            true,
		BulkBatchSize:              25,
		BulkBatchPause:             2 * time.Second,
	}

	g := c.Gateway()
	assert.Equal(t, "relay", g.Driver)
	require.Len(t, g.Relay.Providers, 2)
	assert.Equal(t, "http://relay-b:8081", g.Relay.Providers[1].URL)
	assert.Equal(t, "secret", g.Relay.APIKey)

	s := c.Scheduler()
	assert.Equal(t, "proc-1", s.ConsumerName)
	assert.Equal(t, 5, s.MaxAttempts)

	d := c.Dispatch()
	assert.Equal(t, "https://mail.example.com", d.BaseURL)
	assert.True(t, d.TrackingEnabled)

	assert.Equal(t, time.Minute, c.Workers().JobTimeout)
	assert.Equal(t, 25, c.Bulk().BatchSize)

	c.RelaySecondaryUrl = ""
	assert.Len(t, c.Gateway().Relay.Providers, 1)
}
