package alerting

import (
	"context"

	"github.com/rs/zerolog"
)

// LogDeliverer writes messages to the log. Used when no chat transport is
// configured, so the push pipeline stays observable in development.
type LogDeliverer struct {
	logger zerolog.Logger
}

// NewLogDeliverer constructs a log-backed delivery channel.
func NewLogDeliverer(logger zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.With().Str("component", "deliver_log").Logger()}
}

// Deliver logs the message instead of sending it.
func (d *LogDeliverer) Deliver(ctx context.Context, userID int64, message string) error {
	d.logger.Info().Int64("user_id", userID).Str("message", message).Msg("push delivered to log")
	return nil
}

var _ Deliverer = (*LogDeliverer)(nil)
