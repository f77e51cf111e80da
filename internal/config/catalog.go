package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentopia/toolbox-agent/internal/api"
	"github.com/agentopia/toolbox-agent/pkg/logging"
)

const catalogSubsystem = "Catalog"

// catalogFile is the on-disk format of the image catalog.
type catalogFile struct {
	Images map[string]api.ConfigOverride `yaml:"images"`
}

// Catalog holds per-image defaults keyed by image repository (or by full
// reference when a tag-specific entry exists). It can reload itself when
// the backing file changes.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	images map[string]api.ConfigOverride

	debounceInterval time.Duration
}

// NewCatalog creates an empty catalog backed by path. An empty path gives
// a catalog that only holds entries added with Set.
func NewCatalog(path string) *Catalog {
	return &Catalog{
		path:             path,
		images:           make(map[string]api.ConfigOverride),
		debounceInterval: 250 * time.Millisecond,
	}
}

// Load reads the catalog file. A missing file yields an empty catalog. On
// a parse error the previous contents are kept.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info(catalogSubsystem, "No image catalog at %s, using built-in defaults", c.path)
			c.replace(map[string]api.ConfigOverride{})
			return nil
		}
		return NewConfigurationError(c.path, "io", err.Error())
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return NewConfigurationError(c.path, "parse", err.Error())
	}

	var errs ValidationErrors
	for image, d := range file.Images {
		if d.Transport != "" {
			if _, ok := api.ParseTransportType(d.Transport); !ok {
				errs.Add("images."+image+".transport", "unknown transport", d.Transport)
			}
		}
		if d.ContainerPort != 0 {
			errs.AddError(ValidatePort("images."+image+".containerPort", d.ContainerPort))
		}
	}
	if errs.HasErrors() {
		return NewConfigurationError(c.path, "validation", errs.Error())
	}

	images := make(map[string]api.ConfigOverride, len(file.Images))
	for image, d := range file.Images {
		images[image] = d
	}
	c.replace(images)
	logging.Info(catalogSubsystem, "Loaded %d image default(s) from %s", len(images), c.path)
	return nil
}

func (c *Catalog) replace(images map[string]api.ConfigOverride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = images
}

// Set adds or replaces the defaults of one image.
func (c *Catalog) Set(image string, defaults api.ConfigOverride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[image] = defaults
}

// Lookup returns the defaults for image. A tag-specific entry wins over
// the repository entry.
func (c *Catalog) Lookup(image string) (api.ConfigOverride, bool) {
	if c == nil {
		return api.ConfigOverride{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := c.images[image]; ok {
		return d, true
	}
	d, ok := c.images[ImageRepository(image)]
	return d, ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

// ImageRepository strips the tag and digest from an image reference.
func ImageRepository(image string) string {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	slash := strings.LastIndex(image, "/")
	if colon := strings.LastIndex(image, ":"); colon > slash {
		image = image[:colon]
	}
	return image
}

// Watch reloads the catalog whenever its file is written, created or
// replaced, until ctx is done. The directory is watched rather than the
// file so that editors that replace files atomically are handled.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go c.processEvents(ctx, watcher)

	logging.Info(catalogSubsystem, "Watching %s for catalog changes", c.path)
	return nil
}

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(c.path)
	var debounce *time.Timer
	reload := func() {
		if err := c.Load(); err != nil {
			logging.Warn(catalogSubsystem, "Keeping previous catalog, reload failed: %v", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			logging.Debug(catalogSubsystem, "Catalog file event: %s", event.Op)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(c.debounceInterval, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Error(catalogSubsystem, err, "Catalog watcher error")
		}
	}
}
