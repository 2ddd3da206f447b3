package gateway

import (
	"context"
	"fmt"
)

// Config selects one delivery driver and carries the settings of each.
type Config struct {
	Driver string
	SMTP   SMTPConfig
	Relay  RelayConfig
	SES    SESConfig
}

// NewSender builds the driver named by cfg.Driver. Senders that hold
// background goroutines also implement io.Closer.
func NewSender(ctx context.Context, cfg Config) (Sender, error) {
	switch cfg.Driver {
	case DriverSMTP, "":
		return NewSMTPSender(cfg.SMTP), nil
	case DriverRelay:
		return NewRelaySender(cfg.Relay)
	case DriverSES:
		return NewSESSender(ctx, cfg.SES)
	default:
		return nil, fmt.Errorf("unknown delivery driver %q", cfg.Driver)
	}
}
