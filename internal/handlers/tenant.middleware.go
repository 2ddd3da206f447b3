package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/repository"
	xhttp "github.com/nimasrn/email-gateway/pkg/http"
	"github.com/nimasrn/email-gateway/pkg/logger"
)

const tenantKey = "tenant"

type TenantLookup interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
}

// TenantMiddleware resolves the calling tenant from X-API-Key or a Bearer
// token and stores it on the request. Unknown keys get 401.
func TenantMiddleware(tenants TenantLookup) xhttp.MiddlewareFunc {
	return func(next xhttp.RequestHandler) xhttp.RequestHandler {
		return func(ctx *xhttp.RequestCtx) {
			key := apiKey(ctx)
			if key == "" {
				writeError(ctx, xhttp.StatusUnauthorized, "missing api key")
				return
			}

			tenant, err := tenants.GetByAPIKey(ctx, key)
			if err != nil {
				if errors.Is(err, repository.ErrTenantNotFound) {
					writeError(ctx, xhttp.StatusUnauthorized, "invalid api key")
					return
				}
				logger.Error("tenant lookup failed", "error", err)
				writeError(ctx, xhttp.StatusInternalServerError, "tenant lookup failed")
				return
			}

			ctx.SetUserValue(tenantKey, tenant)
			next(ctx)
		}
	}
}

func apiKey(ctx *xhttp.RequestCtx) string {
	if k := strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key"))); k != "" {
		return k
	}
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func tenantFrom(ctx *xhttp.RequestCtx) (*model.Tenant, bool) {
	t, ok := ctx.UserValue(tenantKey).(*model.Tenant)
	return t, ok && t != nil
}
