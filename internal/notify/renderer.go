// Package notify shows NOTIFICATION messages to the user.
package notify

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/push-agent/internal/models"
)

// LogRenderer renders notifications as structured log lines. It is the
// renderer for headless hosts.
type LogRenderer struct {
	logger *slog.Logger
}

func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	return &LogRenderer{logger: logger.With(slog.String("component", "notify"))}
}

func (r *LogRenderer) Render(_ context.Context, m *models.Message) error {
	attrs := []any{
		slog.String("dispatch_id", m.DispatchID),
		slog.String("title", m.Title),
		slog.String("body", m.Body),
	}

	if m.ImageURL != "" {
		attrs = append(attrs, slog.String("image_url", m.ImageURL))
	}

	if m.Channel.ID != "" {
		attrs = append(attrs, slog.String("channel", m.Channel.ID))
	}

	r.logger.Info("notification", attrs...)

	return nil
}
