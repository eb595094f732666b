package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

// LogSender logs the hand-off instead of delivering it. Used in development.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, req DeliveryRequest) DeliveryResult {
	start := time.Now()
	slog.Info("dispatcher: email handed off",
		"job", req.Payload.JobID,
		"recipient", req.Payload.Payload["recipient"],
		"subject", req.Payload.Payload["subject"],
		"scheduled_at", req.Payload.ScheduledAt,
		"misfired", req.Payload.Misfired)
	return DeliveryResult{Duration: time.Since(start)}
}
