package alert

import "context"

// Noop discards every alert. Used when no Telegram token is configured.
type Noop struct{}

// Send implements models.Alerter
func (Noop) Send(ctx context.Context, severity, message string) error { return nil }
