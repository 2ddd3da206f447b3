package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"

	"github.com/nimasrn/email-gateway/internal/model"
)

var (
	ErrNoRecipients  = errors.New("no recipients")
	ErrAllRejected   = errors.New("provider rejected every recipient")
	ErrInvalidSender = errors.New("invalid sender address")
)

// SendRequest is the provider-neutral shape of one outbound email.
type SendRequest struct {
	MessageID   string
	From        string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Attachments []model.Attachment
	Headers     map[string]string
}

// SendResult is what the provider accepted.
type SendResult struct {
	MessageID string   `json:"messageId"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// Sender transmits one email through a delivery provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
}

// ProviderError is a delivery failure normalized across drivers. Temporary
// failures (timeouts, throttling, 4xx SMTP replies, 5xx HTTP) are worth
// retrying; the rest are not.
type ProviderError struct {
	Provider  string
	Code      int
	Temporary bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s failure (code %d): %v", e.Provider, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func Temporary(provider string, code int, err error) error {
	return &ProviderError{Provider: provider, Code: code, Temporary: true, Err: err}
}

func Permanent(provider string, code int, err error) error {
	return &ProviderError{Provider: provider, Code: code, Temporary: false, Err: err}
}

// IsPermanent reports whether retrying err cannot succeed. Unclassified
// errors count as temporary.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Temporary
	}
	return errors.Is(err, ErrNoRecipients) || errors.Is(err, ErrInvalidSender)
}

// isTimeout covers context deadlines and net timeouts.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Validate checks the request before any network call.
func Validate(req *SendRequest) error {
	if req == nil || len(req.To)+len(req.Cc)+len(req.Bcc) == 0 {
		return ErrNoRecipients
	}
	if _, err := mail.ParseAddress(req.From); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidSender, req.From)
	}
	return nil
}

// Recipients returns every envelope address of req.
func (r *SendRequest) Recipients() []string {
	out := make([]string, 0, len(r.To)+len(r.Cc)+len(r.Bcc))
	out = append(out, r.To...)
	out = append(out, r.Cc...)
	out = append(out, r.Bcc...)
	return out
}

// senderDomain is the host part of the From address, used in Message-ID.
func senderDomain(from string) string {
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		return strings.TrimSuffix(from[i+1:], ">")
	}
	return "localhost"
}
