package services

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/nimasrn/email-gateway/internal/model"
)

func validateContent(subject, body string) error {
	err := model.ValidateContent(subject, body)
	var ce *model.ContentError
	if errors.As(err, &ce) {
		return invalid(ce.Field, "%s", ce.Reason)
	}
	return err
}

// normalizeRecipients trims addresses and rejects malformed ones.
func normalizeRecipients(in []model.Recipient) ([]model.Recipient, error) {
	if len(in) == 0 {
		return nil, invalid("recipients", "at least one recipient is required")
	}
	out := make([]model.Recipient, 0, len(in))
	for i, r := range in {
		addr := strings.TrimSpace(r.Email)
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, invalid("recipients", "entry %d has a malformed address %q", i, r.Email)
		}
		out = append(out, model.Recipient{
			Email:    addr,
			Name:     strings.TrimSpace(r.Name),
			Status:   model.RecipientStatusPending,
			Position: i,
		})
	}
	return out, nil
}

func normalizeAddresses(field string, in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if _, err := mail.ParseAddress(a); err != nil {
			return nil, invalid(field, "malformed address %q", a)
		}
		out = append(out, a)
	}
	return out, nil
}
