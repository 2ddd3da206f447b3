package handlers

import (
	"context"
	"errors"
	"testing"

	xhttp "github.com/nimasrn/email-gateway/pkg/http"
	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	ctx := setupTestContext("GET", "/api/v1/health", nil)
	NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": ok}).GetHealth(ctx)
	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"status":"healthy","checks":{"postgres":"ok","redis":"ok"}}`, string(ctx.Response.Body()))

	ctx = setupTestContext("GET", "/api/v1/health", nil)
	NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": down}).GetHealth(ctx)
	assert.Equal(t, xhttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"postgres":"ok","redis":"connection refused"}}`, string(ctx.Response.Body()))
}
