package gateway

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// buildMessage renders req as a MIME message. Bcc is set as a header so
// gomail includes it in the envelope and strips it on write.
func buildMessage(req *SendRequest) *gomail.Message {
	m := gomail.NewMessage()
	if req.FromName != "" {
		m.SetAddressHeader("From", req.From, req.FromName)
	} else {
		m.SetHeader("From", req.From)
	}
	if len(req.To) > 0 {
		m.SetHeader("To", req.To...)
	}
	if len(req.Cc) > 0 {
		m.SetHeader("Cc", req.Cc...)
	}
	if len(req.Bcc) > 0 {
		m.SetHeader("Bcc", req.Bcc...)
	}
	m.SetHeader("Subject", req.Subject)
	m.SetHeader("Message-ID", messageIDHeader(req))
	m.SetDateHeader("Date", time.Now())
	for k, v := range req.Headers {
		m.SetHeader(k, v)
	}
	m.SetBody("text/html", req.HTML)

	for _, a := range req.Attachments {
		settings := []gomail.FileSetting{gomail.Rename(a.Filename)}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {fmt.Sprintf("%s; name=%q", a.ContentType, a.Filename)},
			}))
		}
		m.Attach(a.Path, settings...)
	}
	return m
}

func messageIDHeader(req *SendRequest) string {
	return fmt.Sprintf("<%s@%s>", req.MessageID, senderDomain(req.From))
}

// renderRaw writes the full MIME message, as SES raw sends expect it.
func renderRaw(req *SendRequest) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buildMessage(req).WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
