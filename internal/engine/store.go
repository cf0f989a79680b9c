package engine

import (
	"context"
	"time"

	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/state"
	"github.com/alexjbarnes/push-agent/internal/taskq"
)

// queuedStore runs every store operation on the store queue, so reads
// and writes from the other contexts never interleave.
type queuedStore struct {
	ctx context.Context
	db  *state.State
	q   *taskq.Queue
}

func storeCall[T any](s *queuedStore, fn func(db *state.State) (T, error)) (T, error) {
	return taskq.Call(s.ctx, s.q, func(context.Context) (T, error) {
		return fn(s.db)
	})
}

// Settings

func (s *queuedStore) Get(key, def string) (string, error) {
	return storeCall(s, func(db *state.State) (string, error) { return db.Get(key, def) })
}

func (s *queuedStore) Set(key, value string) error {
	_, err := storeCall(s, func(db *state.State) (struct{}, error) { return struct{}{}, db.Set(key, value) })
	return err
}

func (s *queuedStore) Remove(key string) error {
	_, err := storeCall(s, func(db *state.State) (struct{}, error) { return struct{}{}, db.Remove(key) })
	return err
}

// Messages

func (s *queuedStore) InsertMessage(m *models.Message) (bool, error) {
	return storeCall(s, func(db *state.State) (bool, error) { return db.InsertMessage(m) })
}

func (s *queuedStore) InsertMessages(ms []*models.Message) (int, error) {
	return storeCall(s, func(db *state.State) (int, error) { return db.InsertMessages(ms) })
}

func (s *queuedStore) GetMessage(id string) (*models.Message, error) {
	return storeCall(s, func(db *state.State) (*models.Message, error) { return db.GetMessage(id) })
}

func (s *queuedStore) LatestMessage() (*models.Message, error) {
	return storeCall(s, func(db *state.State) (*models.Message, error) { return db.LatestMessage() })
}

func (s *queuedStore) AllMessages() ([]*models.Message, error) {
	return storeCall(s, func(db *state.State) ([]*models.Message, error) { return db.AllMessages() })
}

func (s *queuedStore) MessagesByStatus(status models.ClientStatus) ([]*models.Message, error) {
	return storeCall(s, func(db *state.State) ([]*models.Message, error) { return db.MessagesByStatus(status) })
}

func (s *queuedStore) MessagesByType(t models.MessageType) ([]*models.Message, error) {
	return storeCall(s, func(db *state.State) ([]*models.Message, error) { return db.MessagesByType(t) })
}

func (s *queuedStore) MessagesBetween(from, to time.Time) ([]*models.Message, error) {
	return storeCall(s, func(db *state.State) ([]*models.Message, error) { return db.MessagesBetween(from, to) })
}

func (s *queuedStore) CountByStatus(status models.ClientStatus) (int, error) {
	return storeCall(s, func(db *state.State) (int, error) { return db.CountByStatus(status) })
}

func (s *queuedStore) RetryCandidates() ([]*models.Message, error) {
	return storeCall(s, func(db *state.State) ([]*models.Message, error) { return db.RetryCandidates() })
}

func (s *queuedStore) MarkReported(id string, status models.ClientStatus) (bool, error) {
	return storeCall(s, func(db *state.State) (bool, error) { return db.MarkReported(id, status) })
}

func (s *queuedStore) MarkReportFailed(id string, intended models.ClientStatus, detail string) (bool, error) {
	return storeCall(s, func(db *state.State) (bool, error) { return db.MarkReportFailed(id, intended, detail) })
}

func (s *queuedStore) SetStatus(id string, status models.ClientStatus) (bool, error) {
	return storeCall(s, func(db *state.State) (bool, error) { return db.SetStatus(id, status) })
}

func (s *queuedStore) TransitionStatus(from, to models.ClientStatus) ([]string, error) {
	return storeCall(s, func(db *state.State) ([]string, error) { return db.TransitionStatus(from, to) })
}

func (s *queuedStore) DeleteMessage(id string) (bool, error) {
	return storeCall(s, func(db *state.State) (bool, error) { return db.DeleteMessage(id) })
}

func (s *queuedStore) PruneBefore(cutoff time.Time) (int, error) {
	return storeCall(s, func(db *state.State) (int, error) { return db.PruneBefore(cutoff) })
}
