package handlers

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/email-gateway/internal/model"
	xhttp "github.com/nimasrn/email-gateway/pkg/http"
	"github.com/nimasrn/email-gateway/pkg/logger"
)

// pixel is a transparent 1x1 PNG.
var pixel, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

type TrackingService interface {
	TrackOpen(ctx context.Context, id string, meta model.RequestMeta) error
	TrackClick(ctx context.Context, id, target string, meta model.RequestMeta) (string, error)
}

type TrackingHandler struct {
	svc TrackingService
}

// RegisterTrackingRoutes mounts the public open and click endpoints.
func RegisterTrackingRoutes(e *router.Group, h *TrackingHandler) {
	e.GET("/emails/track/open/{id}", h.Open)
	e.GET("/emails/track/click/{id}", h.Click)
}

func NewTrackingHandler(svc TrackingService) *TrackingHandler {
	return &TrackingHandler{
		svc: svc,
	}
}

// Open always answers with the pixel, whatever happened to the record.
func (h *TrackingHandler) Open(ctx *xhttp.RequestCtx) {
	id := pathParam(ctx, "id")
	if err := h.svc.TrackOpen(ctx, id, requestMeta(ctx)); err != nil {
		logger.Warn("failed to record open", "email_id", id, "error", err)
	}

	ctx.Response.Header.Set("Content-Type", "image/png")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")
	ctx.SetStatusCode(xhttp.StatusOK)
	ctx.SetBody(pixel)
}

// Click records the click, then redirects.
func (h *TrackingHandler) Click(ctx *xhttp.RequestCtx) {
	id := pathParam(ctx, "id")
	redirect, err := h.svc.TrackClick(ctx, id, query(ctx, "url"), requestMeta(ctx))
	if err != nil {
		logger.Warn("failed to record click", "email_id", id, "error", err)
	}

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Redirect(redirect, xhttp.StatusFound)
}

func requestMeta(ctx *xhttp.RequestCtx) model.RequestMeta {
	return model.RequestMeta{
		IP:             xhttp.RealIP(ctx),
		UserAgent:      string(ctx.Request.Header.UserAgent()),
		RecipientEmail: query(ctx, "r"),
		At:             time.Now(),
	}
}
