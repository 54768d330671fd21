package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mimo/internal/async"
	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// SkillsWatcher reloads the skills manifest when it changes on disk and hands
// the fresh set to a reload callback (the registry's atomic re-register).
type SkillsWatcher struct {
	path      string
	whitelist []string
	reload    func([]gateway.SkillConfig)
	logger    logging.Logger
	watcher   *fsnotify.Watcher
}

// NewSkillsWatcher builds a watcher for the skills manifest. A nil watcher is
// returned when path is empty; callers treat that as "hot reload disabled".
func NewSkillsWatcher(path string, whitelist []string, reload func([]gateway.SkillConfig)) (*SkillsWatcher, error) {
	if path == "" || reload == nil {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops inode watches.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &SkillsWatcher{
		path:      path,
		whitelist: whitelist,
		reload:    reload,
		logger:    logging.NewComponentLogger("SkillsWatcher"),
		watcher:   fw,
	}, nil
}

// Run consumes filesystem events until ctx is cancelled. Writes are debounced
// so a burst of editor events triggers one reload.
func (w *SkillsWatcher) Run(ctx context.Context) {
	if w == nil {
		return
	}
	defer func() { _ = w.watcher.Close() }()

	var pending *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reloadOnce()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error: %v", err)
		}
	}
}

func (w *SkillsWatcher) reloadOnce() {
	configs, err := LoadSkills(w.path, w.whitelist)
	if err != nil {
		w.logger.Error("skills reload failed, keeping previous set: %v", err)
		return
	}
	w.logger.Info("reloading %d skills from %s", len(configs), w.path)
	func() {
		defer async.Recover(w.logger, "skills.reload")
		w.reload(configs)
	}()
}
