package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"net/textproto"
	"regexp"
	"strconv"
	"time"

	"github.com/nimasrn/email-gateway/pkg/logger"
	"gopkg.in/gomail.v2"
)

const DriverSMTP = "smtp"

type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	SkipTLSVerify bool
}

// dialer is the part of gomail.Dialer the SMTP sender needs.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPSender struct {
	dialer dialer
	host   string
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	if cfg.SkipTLSVerify {
		logger.Warn("SMTP TLS certificate verification is disabled", "host", cfg.Host)
	}
	return &SMTPSender{dialer: d, host: cfg.Host}
}

func (s *SMTPSender) Name() string {
	return DriverSMTP
}

// Send dials the relay and submits the message. The provider message id is
// the Message-ID header we stamp, since SMTP does not hand one back.
func (s *SMTPSender) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := Validate(req); err != nil {
		return nil, Permanent(DriverSMTP, 0, err)
	}

	m := buildMessage(req)
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, Temporary(DriverSMTP, 0, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, classifySMTP(err)
		}
	}

	logger.Debug("email handed to smtp relay", "host", s.host, "message_id", req.MessageID, "latency", time.Since(start))

	return &SendResult{
		MessageID: messageIDHeader(req),
		Accepted:  req.Recipients(),
	}, nil
}

var smtpCode = regexp.MustCompile(`\b([245]\d\d)\b`)

// classifySMTP maps reply codes onto retryability: 4xx is transient, 5xx is
// final. gomail flattens errors into strings past the dial stage, so the
// code is recovered from the text when the typed reply is gone.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	code := 0
	if errors.As(err, &tpErr) {
		code = tpErr.Code
	} else if m := smtpCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	if code >= 500 {
		return Permanent(DriverSMTP, code, err)
	}
	return Temporary(DriverSMTP, code, err)
}
