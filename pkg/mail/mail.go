// Package mail defines the magic-link email sender interface. Actual
// SMTP delivery lives in an external service; this package only owns the
// seam and a logging stub suitable for development and tests.
package mail

import (
	"context"
	"log/slog"
)

// Sender delivers a magic link to an email address.
type Sender interface {
	SendMagicLink(ctx context.Context, email, link string) error
}

// LoggingSender logs the link instead of delivering it. It is the only
// Sender in this package, and cmd/poltr wires it unconditionally.
type LoggingSender struct {
	logger *slog.Logger
}

// NewLoggingSender builds a LoggingSender.
func NewLoggingSender(logger *slog.Logger) *LoggingSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSender{logger: logger.With("component", "mail")}
}

// SendMagicLink logs the link at info level. It never fails.
func (s *LoggingSender) SendMagicLink(ctx context.Context, email, link string) error {
	s.logger.InfoContext(ctx, "magic link", "email", email, "link", link)
	return nil
}
