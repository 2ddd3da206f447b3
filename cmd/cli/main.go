package main

import (
	"os"
	"strings"

	"github.com/nimasrn/email-gateway/internal/config"
	"github.com/nimasrn/email-gateway/pkg/logger"
	"github.com/nimasrn/email-gateway/pkg/pg"
)

// main.go --env=.env --dir=./migrations --cmd=up
func main() {
	err := config.Load(getEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	err = pg.Migrate(config.Get().PostgresWrite(), getMigrationPath(), argValue("--cmd=", "up"))
	if err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}

func argValue(prefix, fallback string) string {
	for _, v := range os.Args {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return fallback
}

func getEnvPath() string {
	path := argValue("--env=", ".env")
	if _, err := os.Stat(path); err != nil {
		logger.Warn("env file not found, using the environment only", "path", path)
		return ""
	}
	return path
}

func getMigrationPath() string {
	path := argValue("--dir=", "./migrations")
	if _, err := os.Stat(path); err != nil {
		logger.Error("migrations directory not found", "path", path, "error", err)
		return ""
	}
	return path
}
