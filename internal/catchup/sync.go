// Package catchup fetches messages the device missed while offline.
package catchup

//go:generate mockgen -source=sync.go -destination=mocks_test.go -package=catchup

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/metrics"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
)

// DefaultLimit is the batch size asked of the server.
const DefaultLimit = 20

// Store is the part of the message store the sync needs.
type Store interface {
	LatestMessage() (*models.Message, error)
	InsertMessages(ms []*models.Message) (int, error)
}

// Fetcher calls the sync endpoint with a valid session.
type Fetcher interface {
	SyncMessages(ctx context.Context, cursor string, limit int) ([]byte, error)
}

// Engine runs offline sync.
type Engine struct {
	store   Store
	fetcher Fetcher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a sync engine that reads its cursor from store and pulls
// batches through fetcher.
func New(store Store, fetcher Fetcher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		metrics: m,
		logger:  logger.With(slog.String("component", "catchup")),
		now:     time.Now,
	}
}

// Cursor returns the dispatch id of the most recently received stored
// message, or "" when the store is empty.
func (e *Engine) Cursor() (string, error) {
	latest, err := e.store.LatestMessage()
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindStorageFailed, "reading sync cursor", err)
	}

	if latest == nil {
		return "", nil
	}

	return latest.DispatchID, nil
}

// Sync fetches messages after the cursor and stores the new ones. It
// returns how many were newly stored. Synced messages are not passed to
// listeners; items that do not parse are skipped.
func (e *Engine) Sync(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	cursor, err := e.Cursor()
	if err != nil {
		e.metrics.Sync(false, 0)
		return 0, err
	}

	e.logger.Debug("syncing messages", slog.String("cursor", cursor), slog.Int("limit", limit))

	body, err := e.fetcher.SyncMessages(ctx, cursor, limit)
	if err != nil {
		e.metrics.Sync(false, 0)

		// Session errors keep their own kind.
		return 0, apperrors.Wrap(apperrors.KindSyncFailed, "fetching messages", err)
	}

	msgs, parseErrs, err := pushapi.ParseBatch(body, e.now())
	if err != nil {
		e.metrics.Sync(false, 0)
		e.logger.Warn("sync response rejected", slog.String("error", err.Error()))

		// Wrap would keep the MalformedMessage kind.
		return 0, &apperrors.Error{Kind: apperrors.KindSyncFailed, Detail: "parsing sync response: " + err.Error(), Err: err}
	}

	for _, perr := range parseErrs {
		e.logger.Warn("skipping unparseable sync item", slog.String("error", perr.Error()))
	}

	if len(msgs) == 0 {
		e.metrics.Sync(true, 0)
		return 0, nil
	}

	n, err := e.store.InsertMessages(msgs)
	if err != nil {
		e.metrics.Sync(false, 0)
		return 0, apperrors.Wrap(apperrors.KindSyncFailed, "storing synced messages", err)
	}

	e.metrics.Sync(true, n)
	e.metrics.Received("sync", n)
	e.logger.Info("sync complete",
		slog.Int("fetched", len(msgs)),
		slog.Int("new", n),
	)

	return n, nil
}
