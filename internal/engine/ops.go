package engine

import (
	"context"
	"time"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
	"github.com/alexjbarnes/push-agent/internal/session"
	"github.com/alexjbarnes/push-agent/internal/stream"
	"github.com/alexjbarnes/push-agent/internal/taskq"
)

// --- Session ---

// Login logs in with id, or with the persisted identity when id is
// empty, and returns the session token.
func (e *Engine) Login(ctx context.Context, id pushapi.Identity) (string, error) {
	return taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (string, error) {
		return e.login(ctx, id)
	})
}

// Logout stops the stream, ends the session on the server, and clears
// the local session. Local state is cleared even when the server call
// fails.
func (e *Engine) Logout(ctx context.Context) error {
	e.stream.Disconnect()

	return e.serviceQ.Do(ctx, func(ctx context.Context) error {
		return e.svc.Logout(ctx, e.exec)
	})
}

// Connect registers and opens the event stream, returning the session
// token once the stream is established.
func (e *Engine) Connect(ctx context.Context) (string, error) {
	return taskq.Call(ctx, e.serviceQ, e.connect)
}

// Disconnect stops the stream and any pending reconnection.
func (e *Engine) Disconnect() {
	e.stream.Disconnect()
}

// UpdateWakeupToken stores a new wake-up token and registers it.
func (e *Engine) UpdateWakeupToken(ctx context.Context, token string) error {
	return e.serviceQ.Do(ctx, func(ctx context.Context) error {
		return e.svc.UpdateWakeupToken(ctx, token)
	})
}

// --- Sync and reporting ---

// Sync fetches missed messages and returns how many were new.
func (e *Engine) Sync(ctx context.Context) (int, error) {
	return taskq.Call(ctx, e.serviceQ, e.sync)
}

// RetrySweep resends every report that has not reached the server.
func (e *Engine) RetrySweep(ctx context.Context) (int, error) {
	return taskq.Call(ctx, e.serviceQ, e.reporter.RetrySweep)
}

// RetryOne resends one message's pending report.
func (e *Engine) RetryOne(ctx context.Context, id string) (bool, error) {
	return taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (bool, error) { return e.reporter.RetryOne(ctx, id) })
}

// MarkConfirmed marks a message as read and reports it.
func (e *Engine) MarkConfirmed(ctx context.Context, id string) (bool, error) {
	return taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (bool, error) { return e.reporter.MarkConfirmed(ctx, id) })
}

// MarkAllConfirmed confirms every RECEIVED message.
func (e *Engine) MarkAllConfirmed(ctx context.Context) (int, error) {
	return taskq.Call(ctx, e.serviceQ, e.reporter.MarkAllConfirmed)
}

// MarkReceived marks a message as unread again.
func (e *Engine) MarkReceived(ctx context.Context, id string) (bool, error) {
	return taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (bool, error) { return e.reporter.MarkReceived(ctx, id) })
}

// MarkAllReceived moves every ERROR message back to RECEIVED.
func (e *Engine) MarkAllReceived(ctx context.Context) (int, error) {
	return taskq.Call(ctx, e.serviceQ, e.reporter.MarkAllReceived)
}

// Delete marks a message DELETED and reports it.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	return taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (bool, error) { return e.reporter.Delete(ctx, id) })
}

// Remove drops a message locally.
func (e *Engine) Remove(id string) (bool, error) {
	return e.reporter.Remove(id)
}

// --- Queries ---

func storageErr(detail string, err error) error {
	if err == nil {
		return nil
	}

	return apperrors.Wrap(apperrors.KindStorageFailed, detail, err)
}

// Message returns one message, or nil when it is not stored.
func (e *Engine) Message(id string) (*models.Message, error) {
	m, err := e.store.GetMessage(id)
	return m, storageErr("reading "+id, err)
}

// Messages returns every stored message, newest first.
func (e *Engine) Messages() ([]*models.Message, error) {
	ms, err := e.store.AllMessages()
	return ms, storageErr("listing messages", err)
}

// ByStatus returns the messages with the given client status.
func (e *Engine) ByStatus(status models.ClientStatus) ([]*models.Message, error) {
	ms, err := e.store.MessagesByStatus(status)
	return ms, storageErr("listing messages", err)
}

// ErrorMessages returns the messages whose last report failed.
func (e *Engine) ErrorMessages() ([]*models.Message, error) {
	return e.ByStatus(models.StatusError)
}

// Count returns how many messages have the given client status.
func (e *Engine) Count(status models.ClientStatus) (int, error) {
	n, err := e.store.CountByStatus(status)
	return n, storageErr("counting messages", err)
}

// ByType returns the messages of one type.
func (e *Engine) ByType(t models.MessageType) ([]*models.Message, error) {
	ms, err := e.store.MessagesByType(t)
	return ms, storageErr("listing messages", err)
}

// Between returns the messages received in [from, to).
func (e *Engine) Between(from, to time.Time) ([]*models.Message, error) {
	ms, err := e.store.MessagesBetween(from, to)
	return ms, storageErr("listing messages", err)
}

// Observe returns a channel of message snapshots, newest first, updated
// after every store write. Call the returned func to stop.
func (e *Engine) Observe() (<-chan []*models.Message, func()) {
	return e.db.Subscribe()
}

// --- Consent ---

func campaignErr(detail string, err error) error {
	if err == nil {
		return nil
	}

	return apperrors.Wrap(apperrors.KindCampaignFailed, detail, err)
}

// UpdateConsent sets the user's overall push consent.
func (e *Engine) UpdateConsent(ctx context.Context, consented bool) (*models.ConsentResult, error) {
	res, err := taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (*models.ConsentResult, error) {
		return session.Query(ctx, e.exec, func(ctx context.Context, token string) (*models.ConsentResult, error) {
			return e.client.UpdateConsent(ctx, token, consented)
		})
	})

	return res, campaignErr("updating consent", err)
}

// UpdateCampaignConsent sets consent for one campaign.
func (e *Engine) UpdateCampaignConsent(ctx context.Context, campaignID int64, consented bool) (*models.ConsentResult, error) {
	res, err := taskq.Call(ctx, e.serviceQ, func(ctx context.Context) (*models.ConsentResult, error) {
		return session.Query(ctx, e.exec, func(ctx context.Context, token string) (*models.ConsentResult, error) {
			return e.client.UpdateCampaignConsent(ctx, token, campaignID, consented)
		})
	})

	return res, campaignErr("updating campaign consent", err)
}

// Campaigns lists the campaigns the user belongs to.
func (e *Engine) Campaigns(ctx context.Context) ([]models.Campaign, error) {
	res, err := taskq.Call(ctx, e.serviceQ, func(ctx context.Context) ([]models.Campaign, error) {
		return session.Query(ctx, e.exec, func(ctx context.Context, token string) ([]models.Campaign, error) {
			return e.client.FetchCampaigns(ctx, token)
		})
	})

	return res, campaignErr("fetching campaigns", err)
}

// --- Status ---

// StreamState returns the connection state of the event stream.
func (e *Engine) StreamState() stream.State {
	return e.stream.State()
}

// PushMode returns the cached push mode, or "" before the first sync.
func (e *Engine) PushMode() (models.PushMode, error) {
	return e.svc.PushMode()
}

// Status summarizes the engine for operators.
type Status struct {
	DeviceID      string                      `json:"device_id"`
	PushMode      models.PushMode             `json:"push_mode"`
	Stream        string                      `json:"stream"`
	Authenticated bool                        `json:"authenticated"`
	Messages      map[models.ClientStatus]int `json:"messages"`
}

// Status returns the current engine status.
func (e *Engine) Status() (*Status, error) {
	mode, err := e.svc.PushMode()
	if err != nil {
		return nil, err
	}

	tok, err := e.exec.Token()
	if err != nil {
		return nil, err
	}

	st := &Status{
		DeviceID:      e.device.ID,
		PushMode:      mode,
		Stream:        e.stream.State().String(),
		Authenticated: tok != "",
		Messages:      make(map[models.ClientStatus]int),
	}

	for _, s := range []models.ClientStatus{
		models.StatusReceived,
		models.StatusConfirmed,
		models.StatusDeleted,
		models.StatusError,
	} {
		n, err := e.Count(s)
		if err != nil {
			return nil, err
		}

		st.Messages[s] = n
	}

	return st, nil
}
