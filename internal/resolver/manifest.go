package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/bifrost-run/bifrost/internal/log"
)

// manifestFile is the on-disk shape of a target manifest.
type manifestFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadManifest reads a YAML manifest and installs its targets in the
// registry, replacing any previously loaded manifest set.
func (r *Registry) LoadManifest(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	targets := make(map[string]Target, len(mf.Targets))
	for i, t := range mf.Targets {
		if t.ID == "" {
			return fmt.Errorf("manifest target %d: id is required", i)
		}
		if !t.Kind.Valid() {
			return fmt.Errorf("manifest target %s: invalid kind %q", t.ID, t.Kind)
		}
		if t.Behavior == "" {
			return fmt.Errorf("manifest target %s: behavior is required", t.ID)
		}
		targets[t.ID] = t
	}

	r.setManifest(targets)
	log.Info(log.CatResolver, "Loaded target manifest", "path", path, "targets", len(targets))
	return nil
}

// ManifestWatcher monitors a manifest file for changes and reloads it
// into the registry with debouncing.
type ManifestWatcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
	path      string
	debounce  time.Duration
	done      chan struct{}
}

// NewManifestWatcher creates a watcher for the given manifest file.
func NewManifestWatcher(registry *Registry, path string, debounce time.Duration) (*ManifestWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &ManifestWatcher{
		fsWatcher: fsw,
		registry:  registry,
		path:      path,
		debounce:  debounce,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the manifest's directory. Editors replace files
// on save, so the directory is watched rather than the file itself.
func (w *ManifestWatcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	log.SafeGo("manifest-watcher", w.loop)
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *ManifestWatcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *ManifestWatcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				pending = false
				if err := w.registry.LoadManifest(w.path); err != nil {
					log.ErrorErr(log.CatResolver, "Manifest reload failed", err, "path", w.path)
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatResolver, "Manifest watcher error", err, "path", w.path)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *ManifestWatcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(w.path)
}
