package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type EmailStatus string

const (
	EmailStatusDraft     EmailStatus = "draft"
	EmailStatusScheduled EmailStatus = "scheduled"
	EmailStatusSending   EmailStatus = "sending"
	EmailStatusSent      EmailStatus = "sent"
	EmailStatusFailed    EmailStatus = "failed"
	EmailStatusCancelled EmailStatus = "cancelled"
)

type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
	RecipientStatusOpened  RecipientStatus = "opened"
	RecipientStatusClicked RecipientStatus = "clicked"
)

const (
	MaxSubjectLength = 200
	MaxBodyLength    = 50_000
)

var ErrInvalidTransition = errors.New("invalid email status transition")

// transitions lists every status change a message may make. sending is
// re-enterable so a retried job can take the send slot again.
var transitions = map[EmailStatus][]EmailStatus{
	EmailStatusDraft:     {EmailStatusSending, EmailStatusScheduled},
	EmailStatusScheduled: {EmailStatusSending, EmailStatusCancelled},
	EmailStatusSending:   {EmailStatusSending, EmailStatusSent, EmailStatusFailed},
}

func CanTransition(from, to EmailStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s EmailStatus) IsTerminal() bool {
	return s == EmailStatusSent || s == EmailStatusFailed || s == EmailStatusCancelled
}

func (s EmailStatus) Valid() bool {
	switch s {
	case EmailStatusDraft, EmailStatusScheduled, EmailStatusSending,
		EmailStatusSent, EmailStatusFailed, EmailStatusCancelled:
		return true
	}
	return false
}

type Recipient struct {
	Email    string          `json:"email"`
	Name     string          `json:"name,omitempty"`
	Status   RecipientStatus `json:"status"`
	Position int             `json:"position"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
}

type Analytics struct {
	Opens   int64 `json:"opens"`
	Clicks  int64 `json:"clicks"`
	Bounces int64 `json:"bounces"`
}

type Email struct {
	ID                string       `json:"id"`
	TenantID          int64        `json:"tenantId"`
	TemplateID        *int64       `json:"templateId,omitempty"`
	Subject           string       `json:"subject"`
	Body              string       `json:"body"`
	Recipients        []Recipient  `json:"recipients"`
	Cc                []string     `json:"cc,omitempty"`
	Bcc               []string     `json:"bcc,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	Status            EmailStatus  `json:"status"`
	ScheduledAt       *time.Time   `json:"scheduledAt,omitempty"`
	SentAt            *time.Time   `json:"sentAt,omitempty"`
	Analytics         Analytics    `json:"analytics"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	LastError         string       `json:"lastError,omitempty"`
	Attempts          int          `json:"attempts"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Addresses returns the To addresses in recipient order.
func (e Email) Addresses() []string {
	out := make([]string, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		out = append(out, r.Email)
	}
	return out
}

func (e Email) clone() Email {
	c := e
	c.Recipients = append([]Recipient(nil), e.Recipients...)
	c.Cc = append([]string(nil), e.Cc...)
	c.Bcc = append([]string(nil), e.Bcc...)
	c.Attachments = append([]Attachment(nil), e.Attachments...)
	return c
}

func transition(e Email, to EmailStatus) (Email, error) {
	if !CanTransition(e.Status, to) {
		return e, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	next := e.clone()
	next.Status = to
	return next, nil
}

// StartSending moves a draft, scheduled or retried message into sending.
func StartSending(e Email) (Email, error) {
	next, err := transition(e, EmailStatusSending)
	if err != nil {
		return e, err
	}
	next.Attempts++
	return next, nil
}

// MarkSent records the provider id and flips pending recipients to sent.
func MarkSent(e Email, providerMessageID string, at time.Time) (Email, error) {
	next, err := transition(e, EmailStatusSent)
	if err != nil {
		return e, err
	}
	next.ProviderMessageID = providerMessageID
	next.SentAt = &at
	next.LastError = ""
	for i := range next.Recipients {
		if next.Recipients[i].Status == RecipientStatusPending {
			next.Recipients[i].Status = RecipientStatusSent
		}
	}
	return next, nil
}

// MarkFailed records the reason and fails any recipient still pending.
func MarkFailed(e Email, reason string) (Email, error) {
	next, err := transition(e, EmailStatusFailed)
	if err != nil {
		return e, err
	}
	next.LastError = reason
	for i := range next.Recipients {
		if next.Recipients[i].Status == RecipientStatusPending {
			next.Recipients[i].Status = RecipientStatusFailed
		}
	}
	return next, nil
}

func Cancel(e Email) (Email, error) {
	return transition(e, EmailStatusCancelled)
}

// ContentError names the field that broke a content rule.
type ContentError struct {
	Field  string
	Reason string
}

func (e *ContentError) Error() string {
	return e.Field + " " + e.Reason
}

// ValidateContent checks the bounds shared by every send path. Lengths are
// counted in characters; whitespace alone does not count as content.
func ValidateContent(subject, body string) error {
	if strings.TrimSpace(subject) == "" {
		return &ContentError{Field: "subject", Reason: "is required"}
	}
	if n := utf8.RuneCountInString(subject); n > MaxSubjectLength {
		return &ContentError{Field: "subject", Reason: fmt.Sprintf("has %d characters, the limit is %d", n, MaxSubjectLength)}
	}
	if strings.TrimSpace(body) == "" {
		return &ContentError{Field: "body", Reason: "is required"}
	}
	if n := utf8.RuneCountInString(body); n > MaxBodyLength {
		return &ContentError{Field: "body", Reason: fmt.Sprintf("has %d characters, the limit is %d", n, MaxBodyLength)}
	}
	return nil
}

type EmailFilter struct {
	TenantID  *int64
	Statuses  []EmailStatus
	Recipient *string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
	Desc      bool
}
