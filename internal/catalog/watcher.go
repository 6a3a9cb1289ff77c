package catalog

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Reloader serves the catalog built from a policy file and rebuilds it when
// the file changes. A failed reload keeps the previous catalog.
type Reloader struct {
	path     string
	current  atomic.Pointer[Catalog]
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	debounce time.Duration
}

// NewReloader loads path once. An empty path serves the default catalog and
// never watches anything.
func NewReloader(path string) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		stopChan: make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	if path == "" {
		r.current.Store(Default())
		return r, nil
	}
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r.current.Store(c)
	return r, nil
}

// Catalog implements Provider.
func (r *Reloader) Catalog() *Catalog {
	return r.current.Load()
}

// Start begins watching the policy file's directory.
func (r *Reloader) Start() error {
	if r.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	r.watcher = watcher
	go r.watchForChanges()
	log.Info().Str("path", r.path).Msg("Watching catalog policy for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

// Reload rebuilds the catalog from disk immediately.
func (r *Reloader) Reload() error {
	if r.path == "" {
		return nil
	}
	c, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	r.current.Store(c)
	return nil
}

func (r *Reloader) watchForChanges() {
	target := filepath.Clean(r.path)
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often write in several steps.
			time.Sleep(r.debounce)
			if _, err := os.Stat(r.path); err != nil {
				log.Warn().Err(err).Str("path", r.path).Msg("Catalog policy disappeared, keeping previous catalog")
				continue
			}
			if err := r.Reload(); err != nil {
				log.Error().Err(err).Str("path", r.path).Msg("Failed to reload catalog policy, keeping previous catalog")
				continue
			}
			log.Info().
				Str("path", r.path).
				Int("manual_only", len(r.Catalog().ManualOnlyIDs())).
				Msg("Reloaded catalog policy")

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Catalog policy watcher error")

		case <-r.stopChan:
			return
		}
	}
}
