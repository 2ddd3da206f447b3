package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/email-gateway/internal/model"
	"github.com/nimasrn/email-gateway/internal/services"
	xhttp "github.com/nimasrn/email-gateway/pkg/http"
)

type EmailService interface {
	Send(ctx context.Context, tenantID int64, req services.SendRequest) (*services.SendResult, error)
	Schedule(ctx context.Context, tenantID int64, req services.SendRequest) (*services.ScheduleResult, error)
	Cancel(ctx context.Context, tenantID int64, id string) error
	Resend(ctx context.Context, tenantID int64, id string) (*services.SendResult, error)
	Get(ctx context.Context, tenantID int64, id string) (*model.Email, error)
	List(ctx context.Context, tenantID int64, f model.EmailFilter) ([]*model.Email, int64, error)
	Events(ctx context.Context, tenantID int64, id string) ([]*model.TrackingEvent, error)
}

type BulkService interface {
	SendBulk(ctx context.Context, tenantID int64, req services.BulkRequest) (*services.BulkResult, error)
}

type EmailHandler struct {
	emails EmailService
	bulk   BulkService
}

// RegisterEmailRoutes mounts the tenant-scoped email API. auth wraps every
// route with tenant resolution.
func RegisterEmailRoutes(e *router.Group, h *EmailHandler, auth xhttp.MiddlewareFunc) {
	e.POST("/emails/send", auth(h.Send))
	e.POST("/emails/schedule", auth(h.Schedule))
	e.POST("/emails/bulk", auth(h.SendBulk))
	e.GET("/emails", auth(h.List))
	e.GET("/emails/{id}", auth(h.Get))
	e.GET("/emails/{id}/events", auth(h.Events))
	e.POST("/emails/{id}/cancel", auth(h.Cancel))
	e.POST("/emails/{id}/resend", auth(h.Resend))
}

func NewEmailHandler(emails EmailService, bulk BulkService) *EmailHandler {
	return &EmailHandler{
		emails: emails,
		bulk:   bulk,
	}
}

// recipientList accepts plain addresses and {email, name} objects mixed.
type recipientList []model.Recipient

func (l *recipientList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]model.Recipient, 0, len(raw))
	for _, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var addr string
			if err := json.Unmarshal(item, &addr); err != nil {
				return err
			}
			out = append(out, model.Recipient{Email: addr})
			continue
		}
		var r struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(item, &r); err != nil {
			return err
		}
		out = append(out, model.Recipient{Email: r.Email, Name: r.Name})
	}
	*l = out
	return nil
}

type sendRequest struct {
	Recipients  recipientList      `json:"recipients"`
	Cc          []string           `json:"cc"`
	Bcc         []string           `json:"bcc"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	TemplateID  *int64             `json:"templateId"`
	Attachments []model.Attachment `json:"attachments"`
	ScheduledAt *time.Time         `json:"scheduledAt"`
}

func (r sendRequest) toService() services.SendRequest {
	return services.SendRequest{
		Recipients:  r.Recipients,
		Cc:          r.Cc,
		Bcc:         r.Bcc,
		Subject:     r.Subject,
		Body:        r.Body,
		TemplateID:  r.TemplateID,
		Attachments: r.Attachments,
		ScheduledAt: r.ScheduledAt,
	}
}

type bulkRequest struct {
	TemplateID     int64                        `json:"templateId"`
	Recipients     recipientList                `json:"recipients"`
	Subject        string                       `json:"subject"`
	Customizations map[string]map[string]string `json:"customizations"`
}

type bulkResponse struct {
	Results *services.BulkResult `json:"results"`
}

type listResponse struct {
	Items []*model.Email `json:"items"`
	Total int64          `json:"total"`
}

type eventsResponse struct {
	Items []*model.TrackingEvent `json:"items"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *EmailHandler) Send(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	var req sendRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.emails.Send(ctx, tenant.ID, req.toService())
	if err != nil {
		if res != nil && res.EmailID != "" {
			// persisted but the provider failed
			writeJSON(ctx, xhttp.StatusInternalServerError, errorResponse{Error: err.Error(), EmailID: res.EmailID})
			return
		}
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}

func (h *EmailHandler) Schedule(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	var req sendRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.emails.Schedule(ctx, tenant.ID, req.toService())
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}

func (h *EmailHandler) SendBulk(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	var req bulkRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.bulk.SendBulk(ctx, tenant.ID, services.BulkRequest{
		TemplateID:     req.TemplateID,
		Recipients:     req.Recipients,
		Subject:        req.Subject,
		Customizations: req.Customizations,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, bulkResponse{Results: res})
}

func (h *EmailHandler) Cancel(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	id := pathParam(ctx, "id")
	if err := h.emails.Cancel(ctx, tenant.ID, id); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]string{"emailId": id, "status": string(model.EmailStatusCancelled)})
}

func (h *EmailHandler) Resend(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	res, err := h.emails.Resend(ctx, tenant.ID, pathParam(ctx, "id"))
	if err != nil {
		if res != nil && res.EmailID != "" {
			writeJSON(ctx, xhttp.StatusInternalServerError, errorResponse{Error: err.Error(), EmailID: res.EmailID})
			return
		}
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}

func (h *EmailHandler) Get(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	email, err := h.emails.Get(ctx, tenant.ID, pathParam(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, email)
}

func (h *EmailHandler) Events(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}
	events, err := h.emails.Events(ctx, tenant.ID, pathParam(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, eventsResponse{Items: events})
}

func (h *EmailHandler) List(ctx *xhttp.RequestCtx) {
	tenant, ok := tenantFrom(ctx)
	if !ok {
		writeError(ctx, xhttp.StatusUnauthorized, "unauthenticated")
		return
	}

	var f model.EmailFilter
	if v := query(ctx, "recipient"); v != "" {
		f.Recipient = &v
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := model.EmailStatus(part)
			if !s.Valid() {
				writeError(ctx, xhttp.StatusBadRequest, "unknown status "+part)
				return
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if n, ok := queryInt(ctx, "limit"); ok {
		f.Limit = n
	}
	if n, ok := queryInt(ctx, "offset"); ok {
		f.Offset = n
	}
	// newest first unless asked otherwise
	f.Desc = !strings.EqualFold(query(ctx, "order"), "asc")

	items, total, err := h.emails.List(ctx, tenant.ID, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total})
}
