// Package notify forwards delivery status events to consumers outside the
// process. Every sink is best effort: a failed publish is logged and
// dropped, never fed back into delivery.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// Log writes each event to logger at info level.
func Log(logger *zap.Logger) delivery.Observer {
	return delivery.ObserverFunc(func(_ context.Context, e delivery.Event) {
		fields := []zap.Field{
			zap.String("event", string(e.Kind)),
			zap.String("destination", string(e.Destination)),
			zap.String("artifact", e.Artifact.Name),
		}
		if e.Duplicate {
			fields = append(fields, zap.Bool("duplicate", true))
		}
		if e.QuarantinePath != "" {
			fields = append(fields, zap.String("quarantine_path", e.QuarantinePath))
		}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		logger.Info("status", fields...)
	})
}
