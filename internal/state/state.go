package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/push-agent/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.push-agent/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	settingsBucket = []byte("settings")
	messagesBucket = []byte("messages")
	receivedBucket = []byte("messages_by_seq")
)

// State wraps a bbolt database holding the settings store and the
// message store. All methods are safe for concurrent use; bbolt
// serializes writers, which makes the dispatch ID check-and-insert atomic.
type State struct {
	db  *bolt.DB
	now func() time.Time

	subsMu  sync.Mutex
	subs    map[int]chan []*models.Message
	nextSub int
}

// Load opens the state database at ~/.push-agent/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{settingsBucket, messagesBucket, receivedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{
		db:   db,
		now:  time.Now,
		subs: make(map[int]chan []*models.Message),
	}, nil
}

// Close closes all subscriptions and the database.
func (s *State) Close() error {
	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	return s.db.Close()
}

// Get returns the setting for key, or def when it is unset.
func (s *State) Get(key, def string) (string, error) {
	value := def

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(key))
		if v != nil {
			value = string(v)
		}

		return nil
	})
	if err != nil {
		return def, fmt.Errorf("reading setting %s: %w", key, err)
	}

	return value, nil
}

// Set persists a setting.
func (s *State) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}

	return nil
}

// Remove deletes a setting. Removing an unset key is not an error.
func (s *State) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("removing setting %s: %w", key, err)
	}

	return nil
}

// Clear removes every setting. Messages are untouched.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(settingsBucket); err != nil {
			return fmt.Errorf("clearing settings: %w", err)
		}

		_, err := tx.CreateBucket(settingsBucket)

		return err
	})
}

// DefaultPath returns ~/.push-agent/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".push-agent", "state.db"), nil
}
