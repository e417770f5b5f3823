package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/statuswatch/pkg/logger"
)

const (
	defaultDebounce   = 250 * time.Millisecond
	watchRestartDelay = time.Second
)

// ChangeFunc is told which users changed after a reload.
type ChangeFunc func(ctx context.Context, userIDs []string)

// FileStore serves subscriptions from a YAML file of the form
//
//	users:
//	  - id: u1
//	    email: jane@example.com
//	    push_url: ntfy://ntfy.sh/jane
//	    subscriptions:
//	      - scope: team:LAL
//	        channels: [email, inapp]
//	        quiet_hours: {start: "22:00", end: "07:00", timezone: America/New_York}
type FileStore struct {
	*MemoryStore
	path     string
	debounce time.Duration
	onChange ChangeFunc
	logger   logger.Logger

	reloadMu sync.Mutex
}

// FileOption applies a configuration option to the FileStore.
type FileOption func(*FileStore)

// WithOnChange registers the reload callback.
func WithOnChange(fn ChangeFunc) FileOption {
	return func(f *FileStore) { f.onChange = fn }
}

// WithDebounce sets how long to wait for writes to settle.
func WithDebounce(d time.Duration) FileOption {
	return func(f *FileStore) {
		if d > 0 {
			f.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) FileOption {
	return func(f *FileStore) {
		if l != nil {
			f.logger = l
		}
	}
}

// OpenFile loads path once. Call Watch to follow later edits.
func OpenFile(ctx context.Context, path string, opts ...FileOption) (*FileStore, error) {
	f := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
		debounce:    defaultDebounce,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logger.Get().Named("subscriptions")
	}
	if _, err := f.Reload(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the file and returns the changed user ids. A file that
// fails to parse leaves the previous content in place.
func (f *FileStore) Reload(ctx context.Context) ([]string, error) {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	k := koanf.New(".")
	if err := k.Load(file.Provider(f.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load %s: %w", f.path, err)
	}
	var users []User
	if err := k.UnmarshalWithConf("users", &users, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}

	changed, errs := f.ReplaceUsers(users)
	for _, err := range errs {
		f.logger.Warn(ctx, "skipping subscription", logger.String("path", f.path), logger.Error(err))
	}
	f.logger.Info(ctx, "subscriptions loaded",
		logger.String("path", f.path),
		logger.Int("users", len(users)),
		logger.Int("changed", len(changed)),
	)
	return changed, nil
}

// Watch follows the file until ctx is done, reloading after writes settle
// and reporting changed users to the callback.
func (f *FileStore) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(f.path), filepath.Base(f.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(f.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			changed, err := f.Reload(ctx)
			if err != nil {
				f.logger.Warn(ctx, "subscription reload failed", logger.Error(err))
				return
			}
			if len(changed) > 0 && f.onChange != nil {
				f.onChange(ctx, changed)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := f.watchOnce(ctx, dir, name, schedule)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		f.logger.Warn(ctx, "subscription watcher stopped; restarting", logger.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchRestartDelay):
		}
	}
}

var errWatcherBroken = errors.New("watcher closed")

// watchOnce runs one fsnotify watcher. The directory is watched so editors
// that replace the file by rename are followed.
func (f *FileStore) watchOnce(ctx context.Context, dir, name string, schedule func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherBroken
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				schedule()
				continue
			}
			f.logger.Warn(ctx, "subscription watch error", logger.Error(err))
		}
	}
}
