// Package ingest turns raw push payloads into stored messages.
package ingest

//go:generate mockgen -source=pipeline.go -destination=mocks_test.go -package=ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/metrics"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
)

// Store persists messages. InsertMessage reports false for a dispatch id
// that is already stored.
type Store interface {
	InsertMessage(m *models.Message) (bool, error)
}

// Reporter queues a "received" report without waiting for it.
type Reporter interface {
	ReportReceived(dispatchID string)
}

// Renderer shows a notification to the user.
type Renderer interface {
	Render(ctx context.Context, m *models.Message) error
}

// Pipeline processes one payload at a time: parse, store, report, render.
type Pipeline struct {
	mu       sync.Mutex
	store    Store
	reporter Reporter
	renderer Renderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Pipeline. renderer and m may be nil.
func New(store Store, reporter Reporter, renderer Renderer, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		reporter: reporter,
		renderer: renderer,
		metrics:  m,
		logger:   logger.With(slog.String("component", "ingest")),
		now:      time.Now,
	}
}

// Process ingests one raw payload. It returns the stored message, or nil
// when the dispatch id was already stored. A payload that cannot be
// parsed yields a MalformedMessage error; the pipeline stays usable.
func (p *Pipeline) Process(ctx context.Context, raw []byte, source string) (*models.Message, error) {
	return p.ProcessNotify(ctx, raw, source, nil)
}

// ProcessNotify is Process with a listener called for a new message
// before the pipeline lock is released, so listeners see messages in the
// order they were stored. notify may be nil.
func (p *Pipeline) ProcessNotify(ctx context.Context, raw []byte, source string, notify func(*models.Message)) (*models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, err := pushapi.ParseMessage(raw, p.now())
	if err != nil {
		p.metrics.Malformed()
		p.logger.Warn("dropping malformed payload",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)

		return nil, apperrors.Wrap(apperrors.KindMalformedMessage, "parsing payload", err)
	}

	inserted, err := p.store.InsertMessage(msg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageFailed, "storing message "+msg.DispatchID, err)
	}

	if !inserted {
		p.metrics.Duplicate()
		p.logger.Debug("duplicate message ignored",
			slog.String("dispatch_id", msg.DispatchID),
			slog.String("source", source),
		)

		return nil, nil
	}

	p.metrics.Received(source, 1)
	p.logger.Info("message received",
		slog.String("dispatch_id", msg.DispatchID),
		slog.String("type", string(msg.MessageType)),
		slog.String("source", source),
	)

	if p.reporter != nil {
		p.reporter.ReportReceived(msg.DispatchID)
	}

	if msg.IsNotification() && p.renderer != nil {
		if err := p.renderer.Render(ctx, msg); err != nil {
			p.logger.Warn("rendering notification",
				slog.String("dispatch_id", msg.DispatchID),
				slog.String("error", err.Error()),
			)
		}
	}

	if notify != nil {
		notify(msg)
	}

	return msg, nil
}
