package persona

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ensembleworks/ensemble/errors"
)

// personaFile is the on-disk persona definitions format: a top-level
// "personas" map keyed by persona ID.
type personaFile struct {
	Personas map[string]*Persona `json:"personas" yaml:"personas"`
}

// LoadFile parses persona definitions from a YAML or JSON file.
// Invalid personas fail the whole load so a broken file never silently
// drops definitions.
func LoadFile(path string) ([]*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read persona file %s", path)
	}

	var file personaFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, errors.Newf("unsupported persona file format: %s (use .yaml, .yml or .json)", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse persona file %s", path)
	}

	personas := make([]*Persona, 0, len(file.Personas))
	for id, p := range file.Personas {
		if p == nil {
			return nil, errors.Newf("persona %s: empty definition", id)
		}
		p.ID = id
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}

	return personas, nil
}

// FileLoader loads a persona definitions file into a registry and hot
// reloads it on change.
type FileLoader struct {
	path     string
	registry *Registry
	logger   *zap.SugaredLogger

	watcher *fsnotify.Watcher

	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration

	done chan struct{}
}

// NewFileLoader creates a loader for the given persona file.
func NewFileLoader(path string, registry *Registry, logger *zap.SugaredLogger) *FileLoader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FileLoader{
		path:           path,
		registry:       registry,
		logger:         logger,
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}
}

// Load reads the file and installs its personas in the registry.
func (l *FileLoader) Load() error {
	personas, err := LoadFile(l.path)
	if err != nil {
		return err
	}
	l.registry.SetFilePersonas(personas)
	return nil
}

// Start performs an initial load and begins watching for changes.
func (l *FileLoader) Start() error {
	if err := l.Load(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create persona file watcher")
	}
	l.watcher = watcher

	// Watch the directory: editors replace files on save, which drops
	// a watch on the file itself.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", dir)
	}

	go l.watchLoop()
	return nil
}

// Stop ends the watch loop.
func (l *FileLoader) Stop() {
	close(l.done)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *FileLoader) watchLoop() {
	base := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.scheduleReload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warnw("Persona file watcher error", "error", err)
		}
	}
}

func (l *FileLoader) scheduleReload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
	}
	l.debounceTimer = time.AfterFunc(l.debouncePeriod, func() {
		if err := l.Load(); err != nil {
			// Keep serving the previous set on a bad reload.
			l.logger.Errorw("Persona file reload failed", "path", l.path, "error", err)
			return
		}
		l.logger.Infow("Persona file reloaded", "path", l.path)
	})
}
