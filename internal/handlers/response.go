package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/nimasrn/email-gateway/internal/services"
	xhttp "github.com/nimasrn/email-gateway/pkg/http"
	"github.com/nimasrn/email-gateway/pkg/logger"
)

type errorResponse struct {
	Error   string `json:"error"`
	EmailID string `json:"emailId,omitempty"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, errorResponse{Error: msg})
}

// writeServiceError maps service errors onto status codes. Anything
// unrecognized is a 500.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case services.IsValidation(err):
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrQuotaExceeded):
		writeError(ctx, xhttp.StatusTooManyRequests, err.Error())
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, services.ErrNotCancellable):
		writeError(ctx, xhttp.StatusNotFound, err.Error())
	default:
		logger.Error("request failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, err.Error())
	}
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func pathParam(ctx *xhttp.RequestCtx, key string) string {
	v, _ := ctx.UserValue(key).(string)
	return v
}

func queryInt(ctx *xhttp.RequestCtx, key string) (int, bool) {
	v := query(ctx, key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
