package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/push-agent/internal/models"
	bolt "go.etcd.io/bbolt"
)

// errEmptyDispatchID rejects messages that cannot be deduplicated.
var errEmptyDispatchID = errors.New("message has no dispatch id")

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

func getMessage(b *bolt.Bucket, id string) (*models.Message, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	m := &models.Message{}
	if err := json.Unmarshal(v, m); err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}

	return m, nil
}

func putMessage(b *bolt.Bucket, m *models.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return b.Put([]byte(m.DispatchID), data)
}

// insert stores m unless its dispatch id is already present. Must run
// inside an update transaction.
func (s *State) insert(tx *bolt.Tx, m *models.Message, now time.Time) (bool, error) {
	if m.DispatchID == "" {
		return false, errEmptyDispatchID
	}

	msgs := tx.Bucket(messagesBucket)
	if msgs.Get([]byte(m.DispatchID)) != nil {
		return false, nil
	}

	seq, err := msgs.NextSequence()
	if err != nil {
		return false, err
	}

	m.Seq = seq
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	m.UpdatedAt = now
	if m.ClientStatus == "" {
		m.ClientStatus = models.StatusReceived
	}

	if err := putMessage(msgs, m); err != nil {
		return false, err
	}

	if err := tx.Bucket(receivedBucket).Put(seqKey(seq), []byte(m.DispatchID)); err != nil {
		return false, err
	}

	return true, nil
}

// InsertMessage stores m if no message with the same dispatch id exists.
// It returns false, with no error, for a duplicate. On insert, m is
// updated in place with its sequence and default timestamps.
func (s *State) InsertMessage(m *models.Message) (bool, error) {
	var inserted bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		inserted, err = s.insert(tx, m, s.now())

		return err
	})
	if err != nil {
		return false, fmt.Errorf("inserting message %s: %w", m.DispatchID, err)
	}

	if inserted {
		s.publish()
	}

	return inserted, nil
}

// InsertMessages inserts a batch in one transaction with the same
// insert-or-ignore rule and returns how many were new. Messages without
// a dispatch id are skipped.
func (s *State) InsertMessages(ms []*models.Message) (int, error) {
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		count = 0
		now := s.now()

		for _, m := range ms {
			if m == nil || m.DispatchID == "" {
				continue
			}

			ok, err := s.insert(tx, m, now)
			if err != nil {
				return err
			}

			if ok {
				count++
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("inserting message batch: %w", err)
	}

	if count > 0 {
		s.publish()
	}

	return count, nil
}

// GetMessage returns the message with the given dispatch id, or nil.
func (s *State) GetMessage(id string) (*models.Message, error) {
	var m *models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getMessage(tx.Bucket(messagesBucket), id)

		return err
	})

	return m, err
}

// LatestMessage returns the most recently received message, or nil when
// the store is empty.
func (s *State) LatestMessage() (*models.Message, error) {
	var m *models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		c := tx.Bucket(receivedBucket).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			found, err := getMessage(msgs, string(v))
			if err != nil {
				return err
			}

			if found != nil {
				m = found
				return nil
			}
		}

		return nil
	})

	return m, err
}

// filter returns messages matching keep, newest first.
func (s *State) filter(keep func(*models.Message) bool) ([]*models.Message, error) {
	var out []*models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			m := &models.Message{}
			if err := json.Unmarshal(v, m); err != nil {
				return fmt.Errorf("decoding message %s: %w", k, err)
			}

			if keep == nil || keep(m) {
				out = append(out, m)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b *models.Message) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		}

		return 0
	})

	return out, nil
}

// AllMessages returns every stored message, newest first.
func (s *State) AllMessages() ([]*models.Message, error) {
	return s.filter(nil)
}

// MessagesByStatus returns messages with the given client status, newest first.
func (s *State) MessagesByStatus(status models.ClientStatus) ([]*models.Message, error) {
	return s.filter(func(m *models.Message) bool { return m.ClientStatus == status })
}

// MessagesByType returns messages of the given type, newest first.
func (s *State) MessagesByType(t models.MessageType) ([]*models.Message, error) {
	return s.filter(func(m *models.Message) bool { return m.MessageType == t })
}

// MessagesBetween returns messages received within [from, to], newest first.
func (s *State) MessagesBetween(from, to time.Time) ([]*models.Message, error) {
	return s.filter(func(m *models.Message) bool {
		return !m.ReceivedAt.Before(from) && !m.ReceivedAt.After(to)
	})
}

// CountByStatus counts messages with the given client status.
func (s *State) CountByStatus(status models.ClientStatus) (int, error) {
	msgs, err := s.MessagesByStatus(status)
	return len(msgs), err
}

// RetryCandidates returns messages whose last status report never reached
// the server: every message with sendToServer=false, whatever its status,
// plus every ERROR message. Oldest first, so the server sees reports in
// arrival order.
func (s *State) RetryCandidates() ([]*models.Message, error) {
	msgs, err := s.filter(func(m *models.Message) bool {
		return !m.SendToServer || m.ClientStatus == models.StatusError
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(msgs)

	return msgs, nil
}

// UpdateMessage applies fn to the stored message and writes it back.
// It returns false when no message has the id.
func (s *State) UpdateMessage(id string, fn func(*models.Message) error) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)

		m, err := getMessage(msgs, id)
		if err != nil || m == nil {
			return err
		}

		found = true

		if err := fn(m); err != nil {
			return err
		}

		m.UpdatedAt = s.now()

		return putMessage(msgs, m)
	})
	if err != nil {
		return false, fmt.Errorf("updating message %s: %w", id, err)
	}

	if found {
		s.publish()
	}

	return found, nil
}

// MarkReported records a successful status report.
func (s *State) MarkReported(id string, status models.ClientStatus) (bool, error) {
	return s.UpdateMessage(id, func(m *models.Message) error {
		m.ClientStatus = status
		m.SendToServer = true
		m.ReportStatus = ""
		m.ErrorMessage = ""

		return nil
	})
}

// MarkReportFailed flags a message whose report failed. The intended
// status is kept for the retry sweep.
func (s *State) MarkReportFailed(id string, intended models.ClientStatus, detail string) (bool, error) {
	return s.UpdateMessage(id, func(m *models.Message) error {
		if intended != "" && intended != models.StatusError {
			m.ReportStatus = intended
		} else if m.ReportStatus == "" && m.ClientStatus != models.StatusError {
			m.ReportStatus = m.ClientStatus
		}

		m.ClientStatus = models.StatusError
		m.SendToServer = false
		m.ErrorMessage = detail

		return nil
	})
}

// SetStatus applies a local status change that still needs reporting.
func (s *State) SetStatus(id string, status models.ClientStatus) (bool, error) {
	return s.UpdateMessage(id, func(m *models.Message) error {
		m.ClientStatus = status
		m.ReportStatus = status
		m.SendToServer = false

		return nil
	})
}

// TransitionStatus moves every message in status from to status to and
// returns the affected dispatch ids.
func (s *State) TransitionStatus(from, to models.ClientStatus) ([]string, error) {
	var ids []string

	err := s.db.Update(func(tx *bolt.Tx) error {
		ids = nil
		msgs := tx.Bucket(messagesBucket)
		now := s.now()

		var changed []*models.Message

		err := msgs.ForEach(func(k, v []byte) error {
			m := &models.Message{}
			if err := json.Unmarshal(v, m); err != nil {
				return fmt.Errorf("decoding message %s: %w", k, err)
			}

			if m.ClientStatus == from {
				changed = append(changed, m)
			}

			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids writes while iterating with ForEach.
		for _, m := range changed {
			m.ClientStatus = to
			m.ReportStatus = to
			m.SendToServer = false
			m.UpdatedAt = now

			if err := putMessage(msgs, m); err != nil {
				return err
			}

			ids = append(ids, m.DispatchID)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transitioning %s to %s: %w", from, to, err)
	}

	if len(ids) > 0 {
		s.publish()
	}

	return ids, nil
}

// DeleteMessage removes a message. It returns false when it was absent.
func (s *State) DeleteMessage(id string) (bool, error) {
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)

		m, err := getMessage(msgs, id)
		if err != nil || m == nil {
			return err
		}

		found = true

		if err := tx.Bucket(receivedBucket).Delete(seqKey(m.Seq)); err != nil {
			return err
		}

		return msgs.Delete([]byte(id))
	})
	if err != nil {
		return false, fmt.Errorf("deleting message %s: %w", id, err)
	}

	if found {
		s.publish()
	}

	return found, nil
}

// PruneBefore deletes messages received before cutoff and returns how
// many were removed.
func (s *State) PruneBefore(cutoff time.Time) (int, error) {
	old, err := s.filter(func(m *models.Message) bool { return m.ReceivedAt.Before(cutoff) })
	if err != nil {
		return 0, err
	}

	if len(old) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messagesBucket)
		idx := tx.Bucket(receivedBucket)

		for _, m := range old {
			if err := idx.Delete(seqKey(m.Seq)); err != nil {
				return err
			}

			if err := msgs.Delete([]byte(m.DispatchID)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning messages: %w", err)
	}

	s.publish()

	return len(old), nil
}

// DeleteAllMessages empties the message store.
func (s *State) DeleteAllMessages() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, receivedBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting all messages: %w", err)
	}

	s.publish()

	return nil
}

// Subscribe returns a channel that receives a snapshot of all messages,
// newest first, immediately and after every write that changes the
// message store. Slow readers only ever see the latest snapshot. Call
// the returned function to unsubscribe.
func (s *State) Subscribe() (<-chan []*models.Message, func()) {
	ch := make(chan []*models.Message, 1)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	if snapshot, err := s.AllMessages(); err == nil {
		ch <- snapshot
	}
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()

		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}

	return ch, cancel
}

func (s *State) publish() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if len(s.subs) == 0 {
		return
	}

	snapshot, err := s.AllMessages()
	if err != nil {
		return
	}

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- snapshot:
		default:
		}
	}
}
