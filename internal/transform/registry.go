package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/case-surveillance-pipeline/internal/domain"
)

// Registry holds the mapping tables of every supported source schema
// version. Tables can be swapped at runtime without restarting workers.
type Registry struct {
	mu             sync.RWMutex
	tables         map[string]*MappingTable
	defaultVersion string
	dir            string
	log            *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultVersion string, logger *logrus.Logger) *Registry {
	return &Registry{
		tables:         make(map[string]*MappingTable),
		defaultVersion: defaultVersion,
		log:            logger,
	}
}

// LoadRegistry loads every *.yaml and *.yml table in dir.
func LoadRegistry(dir, defaultVersion string, logger *logrus.Logger) (*Registry, error) {
	r := NewRegistry(defaultVersion, logger)
	r.dir = dir
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds or replaces a table.
func (r *Registry) Register(t *MappingTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.Version] = t
}

// DefaultVersion returns the version used for documents that do not declare one.
func (r *Registry) DefaultVersion() string {
	return r.defaultVersion
}

// Lookup returns the table for version, or the default table when version
// is empty. An unknown version is unmappable.
func (r *Registry) Lookup(version string) (*MappingTable, error) {
	if version == "" {
		version = r.defaultVersion
	}
	r.mu.RLock()
	t, ok := r.tables[version]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.UnmappableCodeError{SchemaVersion: version, Field: "schema_version", Code: version}
	}
	return t, nil
}

// Versions lists the loaded versions in order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]string, 0, len(r.tables))
	for v := range r.tables {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Reload re-reads the directory. The table set is replaced only when every
// file loads and the default version is present; otherwise the current
// tables stay active.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	tables, err := loadDir(r.dir)
	if err != nil {
		return err
	}
	if _, ok := tables[r.defaultVersion]; !ok && r.defaultVersion != "" {
		return fmt.Errorf("default mapping version %q not found in %s", r.defaultVersion, r.dir)
	}

	r.mu.Lock()
	r.tables = tables
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"directory": r.dir,
		"versions":  len(tables),
	}).Info("Mapping tables loaded")
	return nil
}

func loadDir(dir string) (map[string]*MappingTable, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading mapping directory: %w", err)
	}
	tables := make(map[string]*MappingTable)
	for _, e := range entries {
		if e.IsDir() || !isTableFile(e.Name()) {
			continue
		}
		t, err := LoadMappingTable(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := tables[t.Version]; dup {
			return nil, fmt.Errorf("mapping version %s defined twice in %s", t.Version, dir)
		}
		tables[t.Version] = t
	}
	return tables, nil
}

func isTableFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

// Watch reloads the registry whenever a table file in the directory changes,
// until ctx is done. Bursts of events are coalesced.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return fmt.Errorf("registry has no directory to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}

	const settle = 200 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTableFile(filepath.Base(event.Name)) || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.log.WithError(err).Error("Mapping reload failed, keeping previous tables")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.WithError(err).Warn("Mapping watcher error")
		}
	}
}
