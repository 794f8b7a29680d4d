package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/watt/pkg/errors"
)

// FileCatalog loads one agent definition per YAML file in a directory.
// Reload swaps the whole set; readers never see a partial load.
type FileCatalog struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]Definition
}

// OpenFileCatalog loads every *.yaml and *.yml file under dir.
func OpenFileCatalog(dir string, logger *slog.Logger) (*FileCatalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &FileCatalog{dir: dir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the directory. On error the previous set stays in place.
func (c *FileCatalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.New(errors.CodeConfiguration, "read agents dir "+c.dir, err)
	}
	loaded := make(map[string]Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		def, err := LoadFile(path)
		if err != nil {
			return err
		}
		if prev, ok := loaded[def.ID]; ok {
			return errors.Newf(errors.CodeConfiguration, "agent %q defined twice (%s)", def.ID, prev.Name).
				WithContext("path", path)
		}
		loaded[def.ID] = def
	}

	c.mu.Lock()
	c.agents = loaded
	c.mu.Unlock()
	c.logger.Info("agents.catalog.loaded", slog.String("dir", c.dir), slog.Int("agents", len(loaded)))
	return nil
}

// LoadFile parses a single agent definition. The file name, without
// extension, is the id when the document has none.
func LoadFile(path string) (Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, errors.New(errors.CodeConfiguration, "read agent definition", err).WithContext("path", path)
	}
	def, err := Parse(raw)
	if err != nil {
		return Definition{}, errors.AsWattError(err).WithContext("path", path)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := def.Validate(); err != nil {
		return Definition{}, errors.AsWattError(err).WithContext("path", path)
	}
	return def, nil
}

// Parse decodes a YAML agent definition without validating it.
func Parse(raw []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return Definition{}, errors.New(errors.CodeConfiguration, "parse agent definition", fmt.Errorf("yaml: %w", err))
	}
	return def, nil
}

// Get implements Catalog.
func (c *FileCatalog) Get(_ context.Context, id string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.agents[id]
	if !ok {
		return Definition{}, NotFound(id)
	}
	return d, nil
}

// List implements Catalog.
func (c *FileCatalog) List(_ context.Context) ([]Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedDefinitions(c.agents), nil
}
