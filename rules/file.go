package rules

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domsieve/livetree"
)

// File is a rule source backed by a YAML document:
//
//	keywords: [课程, 加微信]
//	case_insensitive: false
//	disabled: false
//
// Watch reloads it whenever the file changes on disk; edits made through
// the Editor methods rewrite it atomically.
type File struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu  sync.Mutex
	rs  livetree.RuleSet
	hub hub
}

// OpenFile loads path. A missing file is an empty rule set; it is created
// on the first edit.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{path: path, logger: logger, debounce: 100 * time.Millisecond}
	rs, err := f.load()
	if err != nil {
		return nil, err
	}
	f.rs = rs
	return f, nil
}

func (f *File) load() (livetree.RuleSet, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return livetree.RuleSet{}, nil
	}
	if err != nil {
		return livetree.RuleSet{}, fmt.Errorf("rules: read %s: %w", f.path, err)
	}
	var rs livetree.RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return livetree.RuleSet{}, fmt.Errorf("rules: parse %s: %w", f.path, err)
	}
	return rs.Normalize(), nil
}

func (f *File) Get(context.Context) (livetree.RuleSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rs, nil
}

func (f *File) Subscribe(ctx context.Context) <-chan livetree.RuleSet {
	return f.hub.subscribe(ctx)
}

// Watch blocks until ctx is done, reloading the file after it settles.
// The parent directory is watched so editors that save by rename are seen.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: fsnotify: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("rules: watch %s: %w", dir, err)
	}
	name := filepath.Clean(f.path)
	f.logger.Info("rules: watching file", "path", f.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(f.debounce)
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("rules: fsnotify error", "error", err)

		case <-fire:
			fire = nil
			f.reload()
		}
	}
}

func (f *File) reload() {
	rs, err := f.load()
	if err != nil {
		// Keep the last good set; a half-written file will be retried on
		// the next event.
		f.logger.Warn("rules: reload failed", "path", f.path, "error", err)
		return
	}
	f.mu.Lock()
	changed := !f.rs.Equal(rs)
	f.rs = rs
	f.mu.Unlock()
	if changed {
		f.logger.Info("rules: file reloaded", "keywords", len(rs.Keywords))
		f.hub.publish(rs)
	}
}

// edit applies fn, writes the result and publishes it.
func (f *File) edit(fn func(livetree.RuleSet) (livetree.RuleSet, bool, error)) (bool, error) {
	f.mu.Lock()
	rs, changed, err := fn(f.rs)
	if err != nil || !changed {
		f.mu.Unlock()
		return false, err
	}
	if err := f.write(rs); err != nil {
		f.mu.Unlock()
		return false, err
	}
	f.rs = rs
	f.mu.Unlock()
	f.hub.publish(rs)
	return true, nil
}

func (f *File) write(rs livetree.RuleSet) error {
	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("rules: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("rules: write %s: %w", f.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("rules: write %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rules: write %s: %w", f.path, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rules: write %s: %w", f.path, err)
	}
	return nil
}

func (f *File) AddKeyword(_ context.Context, kw string) (bool, error) {
	return f.edit(func(rs livetree.RuleSet) (livetree.RuleSet, bool, error) {
		return addKeyword(rs, kw)
	})
}

func (f *File) RemoveKeyword(_ context.Context, kw string) error {
	_, err := f.edit(func(rs livetree.RuleSet) (livetree.RuleSet, bool, error) {
		rs, err := removeKeyword(rs, kw)
		return rs, err == nil, err
	})
	return err
}

func (f *File) SetDisabled(_ context.Context, disabled bool) error {
	_, err := f.edit(func(rs livetree.RuleSet) (livetree.RuleSet, bool, error) {
		changed := rs.Disabled != disabled
		rs.Disabled = disabled
		return rs, changed, nil
	})
	return err
}
