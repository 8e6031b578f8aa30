package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader serves the active prompt set: the defaults merged with any
// overrides from a JSON file. When watching is enabled the file is
// re-merged on change, so prompt tuning does not need a restart.
type Loader struct {
	logger zerolog.Logger
	path   string

	mu  sync.RWMutex
	set Set

	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	timerMu  sync.Mutex
	stopCh   chan struct{}
}

// NewLoader builds a loader for the given override file. An empty path means
// defaults only. A missing file is not an error; it may appear later.
func NewLoader(path string, logger zerolog.Logger) (*Loader, error) {
	l := &Loader{
		logger:   logger,
		path:     path,
		set:      Default(),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	if path == "" {
		return l, nil
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Active returns the current prompt set.
func (l *Loader) Active() Set {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.set
}

// Watch starts watching the override file's directory for changes.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher
	go l.run()
	return nil
}

// Stop halts watching. Safe to call when Watch was never started.
func (l *Loader) Stop() error {
	close(l.stopCh)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Loader) run() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Debug().Str("file", filepath.Base(event.Name)).Msg("Prompt override changed")
				l.scheduleReload()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Prompt watcher error")

		case <-l.stopCh:
			return
		}
	}
}

func (l *Loader) scheduleReload() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, func() {
		if err := l.reload(); err != nil {
			l.logger.Error().Err(err).Msg("Prompt reload failed, keeping prior set")
		}
	})
}

// reload merges the override file over the defaults. Empty fields in the
// file keep their default value.
func (l *Loader) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.set = Default()
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read prompt overrides: %w", err)
	}

	var override Set
	if err := json.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("invalid prompt override file %s: %w", l.path, err)
	}

	merged := Default()
	applyOverride(&merged, override)

	l.mu.Lock()
	l.set = merged
	l.mu.Unlock()
	l.logger.Info().Str("file", l.path).Msg("Prompt overrides loaded")
	return nil
}

func applyOverride(base *Set, override Set) {
	if override.PlannerSystem != "" {
		base.PlannerSystem = override.PlannerSystem
	}
	if override.Planner != "" {
		base.Planner = override.Planner
	}
	if override.SQLGeneratorSystem != "" {
		base.SQLGeneratorSystem = override.SQLGeneratorSystem
	}
	if override.SQLGenerator != "" {
		base.SQLGenerator = override.SQLGenerator
	}
	if override.SQLRefiner != "" {
		base.SQLRefiner = override.SQLRefiner
	}
	if override.SynthesizerSystem != "" {
		base.SynthesizerSystem = override.SynthesizerSystem
	}
	if override.Synthesizer != "" {
		base.Synthesizer = override.Synthesizer
	}
}
