// Package wakeup watches the local wake-up channel: an inbox directory
// where payload files are dropped, and a file holding the current
// wake-up token.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
)

const (
	// inboxTickInterval is how often the inbox checks for settled files.
	inboxTickInterval = 50 * time.Millisecond

	// inboxSettleTime is how long a file must go without Create or Write
	// events before it is read. Files written in place are only read
	// once the writer has finished.
	inboxSettleTime = 200 * time.Millisecond
)

// PayloadFunc ingests one payload file's contents.
type PayloadFunc func(ctx context.Context, raw []byte) error

// TokenFunc is called with a new wake-up token.
type TokenFunc func(ctx context.Context, token string) error

// Inbox ingests *.json files dropped into a directory. Processed files
// are removed; files holding a malformed payload are renamed to *.bad.
// Writers may rename a dot-prefixed file into place or write the file in
// place. Either way it is read only after it stops changing.
type Inbox struct {
	dir    string
	handle PayloadFunc
	logger *slog.Logger
}

// NewInbox returns an inbox over dir that passes each payload file to
// handle. Watch creates dir if it is missing.
func NewInbox(dir string, handle PayloadFunc, logger *slog.Logger) *Inbox {
	return &Inbox{
		dir:    dir,
		handle: handle,
		logger: logger.With(slog.String("component", "wakeup_inbox")),
	}
}

func isPayloadFile(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".json")
}

// Watch processes files already in the inbox, then every new one, until
// ctx is cancelled. New files are read once they stop changing.
func (in *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o700); err != nil {
		return fmt.Errorf("creating inbox %s: %w", in.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox %s: %w", in.dir, err)
	}

	// Files dropped before the watch started.
	in.drain(ctx)

	// Last Create or Write per file.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(inboxTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if !isPayloadFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case <-ticker.C:
			in.processSettled(ctx, pending, time.Now())

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			in.logger.Warn("inbox watcher error", slog.String("error", err.Error()))
		}
	}
}

// processSettled processes the pending files that have been quiet for
// inboxSettleTime, oldest first.
func (in *Inbox) processSettled(ctx context.Context, pending map[string]time.Time, now time.Time) {
	var ready []string
	for path, t := range pending {
		if now.Sub(t) >= inboxSettleTime {
			ready = append(ready, path)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return pending[ready[i]].Before(pending[ready[j]])
	})

	for _, path := range ready {
		delete(pending, path)
		in.process(ctx, path)
	}
}

func (in *Inbox) drain(ctx context.Context) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Warn("listing inbox", slog.String("error", err.Error()))
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isPayloadFile(e.Name()) {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		in.process(ctx, filepath.Join(in.dir, name))
	}
}

func (in *Inbox) process(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			in.logger.Warn("reading inbox file", slog.String("file", path), slog.String("error", err.Error()))
		}

		return
	}

	err = in.handle(ctx, raw)

	switch {
	case err == nil:
		if rmErr := os.Remove(path); rmErr != nil {
			in.logger.Warn("removing inbox file", slog.String("file", path), slog.String("error", rmErr.Error()))
		}

	case apperrors.KindOf(err) == apperrors.KindMalformedMessage:
		in.logger.Warn("malformed inbox file", slog.String("file", path), slog.String("error", err.Error()))

		if mvErr := os.Rename(path, path+".bad"); mvErr != nil {
			in.logger.Warn("quarantining inbox file", slog.String("file", path), slog.String("error", mvErr.Error()))
		}

	default:
		// Left in place; the next start retries it.
		in.logger.Error("ingesting inbox file", slog.String("file", path), slog.String("error", err.Error()))
	}
}

// TokenFile watches a file holding the wake-up token and reports each
// new non-empty value.
type TokenFile struct {
	path     string
	onChange TokenFunc
	logger   *slog.Logger
	last     string
}

// NewTokenFile returns a watcher for the token stored at path. onChange
// is called with each new non-empty value.
func NewTokenFile(path string, onChange TokenFunc, logger *slog.Logger) *TokenFile {
	return &TokenFile{
		path:     path,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "wakeup_token")),
	}
}

// Watch reports the current token, then every change, until ctx is
// cancelled. The parent directory is watched so editors that replace
// the file are handled.
func (tf *TokenFile) Watch(ctx context.Context) error {
	dir := filepath.Dir(tf.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	tf.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) == filepath.Clean(tf.path) &&
				(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				tf.check(ctx)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			tf.logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}

func (tf *TokenFile) check(ctx context.Context) {
	raw, err := os.ReadFile(tf.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			tf.logger.Warn("reading token file", slog.String("error", err.Error()))
		}

		return
	}

	token := strings.TrimSpace(string(raw))
	if token == "" || token == tf.last {
		return
	}

	if err := tf.onChange(ctx, token); err != nil {
		tf.logger.Error("updating wake-up token", slog.String("error", err.Error()))
		return
	}

	tf.last = token
	tf.logger.Info("wake-up token updated")
}
