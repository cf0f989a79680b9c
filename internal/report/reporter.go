// Package report delivers message status changes to the push server and
// recovers reports that failed.
package report

//go:generate mockgen -source=reporter.go -destination=mocks_test.go -package=report

import (
	"context"
	"errors"
	"log/slog"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/metrics"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
	"github.com/alexjbarnes/push-agent/internal/taskq"
)

// Store is the part of the message store reporting needs.
type Store interface {
	GetMessage(id string) (*models.Message, error)
	RetryCandidates() ([]*models.Message, error)
	MarkReported(id string, status models.ClientStatus) (bool, error)
	MarkReportFailed(id string, intended models.ClientStatus, detail string) (bool, error)
	SetStatus(id string, status models.ClientStatus) (bool, error)
	TransitionStatus(from, to models.ClientStatus) ([]string, error)
	DeleteMessage(id string) (bool, error)
}

// Sender submits status updates with a valid session.
type Sender interface {
	ReportStatus(ctx context.Context, updates []pushapi.StatusUpdate) error
}

// Reporter reports message status changes. Failed reports leave the
// message in ERROR for RetrySweep.
type Reporter struct {
	store   Store
	sender  Sender
	queue   *taskq.Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Reporter. Asynchronous reports run on queue.
func New(store Store, sender Sender, queue *taskq.Queue, m *metrics.Metrics, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:   store,
		sender:  sender,
		queue:   queue,
		metrics: m,
		logger:  logger.With(slog.String("component", "report")),
	}
}

// ReportStatus reports one message's status. On success the message is
// marked as delivered to the server; on failure it is flagged ERROR with
// the detail and left for the retry sweep. Without a session nothing is
// changed locally; the unsent message stays a retry candidate.
func (r *Reporter) ReportStatus(ctx context.Context, id string, status models.ClientStatus) error {
	err := r.sender.ReportStatus(ctx, []pushapi.StatusUpdate{{PushDispatchID: id, Status: status}})
	r.metrics.Report(err == nil)

	if err != nil {
		if errors.Is(err, apperrors.ErrNotAuthenticated) {
			r.logger.Warn("no session, status report deferred",
				slog.String("dispatch_id", id),
				slog.String("status", string(status)),
			)

			return err
		}

		r.logger.Warn("status report failed",
			slog.String("dispatch_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)

		if _, ferr := r.store.MarkReportFailed(id, status, err.Error()); ferr != nil {
			r.logger.Error("flagging failed report", slog.String("dispatch_id", id), slog.String("error", ferr.Error()))
		}

		return apperrors.Wrap(apperrors.KindStatusReportFailed, "reporting "+id, err)
	}

	if _, err := r.store.MarkReported(id, status); err != nil {
		return apperrors.Wrap(apperrors.KindStorageFailed, "recording report for "+id, err)
	}

	r.logger.Debug("status reported", slog.String("dispatch_id", id), slog.String("status", string(status)))

	return nil
}

// ReportReceived queues a RECEIVED report without waiting.
func (r *Reporter) ReportReceived(id string) {
	r.queue.Submit(func(ctx context.Context) {
		// Failures are already logged and flagged.
		_ = r.ReportStatus(ctx, id, models.StatusReceived)
	})
}

// RetrySweep resends every report that never reached the server in one
// batch and returns how many messages it covered.
func (r *Reporter) RetrySweep(ctx context.Context) (int, error) {
	candidates, err := r.store.RetryCandidates()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorageFailed, "listing retry candidates", err)
	}

	if len(candidates) == 0 {
		r.logger.Debug("retry sweep: nothing to report")
		return 0, nil
	}

	updates := make([]pushapi.StatusUpdate, 0, len(candidates))
	for _, m := range candidates {
		updates = append(updates, pushapi.StatusUpdate{PushDispatchID: m.DispatchID, Status: m.PendingStatus()})
	}

	err = r.sender.ReportStatus(ctx, updates)
	r.metrics.Report(err == nil)

	if err != nil {
		if errors.Is(err, apperrors.ErrNotAuthenticated) {
			return 0, err
		}

		for _, u := range updates {
			if _, ferr := r.store.MarkReportFailed(u.PushDispatchID, u.Status, err.Error()); ferr != nil {
				r.logger.Error("flagging failed report", slog.String("dispatch_id", u.PushDispatchID), slog.String("error", ferr.Error()))
			}
		}

		r.logger.Warn("retry sweep failed", slog.Int("messages", len(updates)), slog.String("error", err.Error()))

		return 0, apperrors.Wrap(apperrors.KindStatusReportFailed, "retry sweep", err)
	}

	for _, u := range updates {
		if _, err := r.store.MarkReported(u.PushDispatchID, u.Status); err != nil {
			return 0, apperrors.Wrap(apperrors.KindStorageFailed, "recording retried report", err)
		}
	}

	r.logger.Info("retry sweep reported messages", slog.Int("messages", len(updates)))

	return len(updates), nil
}

// RetryOne resends the pending report of a single message.
func (r *Reporter) RetryOne(ctx context.Context, id string) (bool, error) {
	m, err := r.store.GetMessage(id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindStorageFailed, "reading "+id, err)
	}

	if m == nil {
		return false, nil
	}

	return true, r.ReportStatus(ctx, id, m.PendingStatus())
}

// setAndReport applies a local status change, then reports it.
func (r *Reporter) setAndReport(ctx context.Context, id string, status models.ClientStatus) (bool, error) {
	found, err := r.store.SetStatus(id, status)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindStorageFailed, "updating "+id, err)
	}

	if !found {
		return false, nil
	}

	return true, r.ReportStatus(ctx, id, status)
}

// transitionAndReport moves all messages in from to to, then reports each.
// Every message is attempted; the first report error is returned.
func (r *Reporter) transitionAndReport(ctx context.Context, from, to models.ClientStatus) (int, error) {
	ids, err := r.store.TransitionStatus(from, to)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorageFailed, "updating statuses", err)
	}

	var first error

	for _, id := range ids {
		if err := r.ReportStatus(ctx, id, to); err != nil && first == nil {
			first = err
		}
	}

	return len(ids), first
}

// MarkConfirmed marks one message as read and reports it. It returns
// false when the message does not exist.
func (r *Reporter) MarkConfirmed(ctx context.Context, id string) (bool, error) {
	return r.setAndReport(ctx, id, models.StatusConfirmed)
}

// MarkAllConfirmed confirms every RECEIVED message.
func (r *Reporter) MarkAllConfirmed(ctx context.Context) (int, error) {
	return r.transitionAndReport(ctx, models.StatusReceived, models.StatusConfirmed)
}

// MarkReceived marks one message as unread again.
func (r *Reporter) MarkReceived(ctx context.Context, id string) (bool, error) {
	return r.setAndReport(ctx, id, models.StatusReceived)
}

// MarkAllReceived moves every ERROR message back to RECEIVED.
func (r *Reporter) MarkAllReceived(ctx context.Context) (int, error) {
	return r.transitionAndReport(ctx, models.StatusError, models.StatusReceived)
}

// Delete marks a message DELETED and reports it. The message stays in
// the store; Remove drops it locally.
func (r *Reporter) Delete(ctx context.Context, id string) (bool, error) {
	return r.setAndReport(ctx, id, models.StatusDeleted)
}

// Remove drops a message from the store without telling the server.
func (r *Reporter) Remove(id string) (bool, error) {
	found, err := r.store.DeleteMessage(id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindStorageFailed, "removing "+id, err)
	}

	return found, nil
}
