package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

const (
	catalogConcurrency = 4
	catalogDebounce    = 500 * time.Millisecond
)

// Catalog is a file declaring the providers that should be registered.
//
//	providers:
//	  - location: docker://ghcr.io/acme/echo:v1
//	    auto_stop_timeout: 10m
//	  - location: http://host.docker.internal:9000
//	    auto_remove: true
type Catalog struct {
	Providers []CatalogEntry `yaml:"providers"`
}

// CatalogEntry is one provider in a catalog.
type CatalogEntry struct {
	Location        string        `yaml:"location"`
	AutoStopTimeout time.Duration `yaml:"auto_stop_timeout,omitempty"`
	AutoRemove      bool          `yaml:"auto_remove,omitempty"`
}

// CatalogSyncResult summarizes one sync.
type CatalogSyncResult struct {
	Registered int `json:"registered"`
	Removed    int `json:"removed"`
	Failures   int `json:"failures"`
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for i, e := range c.Providers {
		if e.Location == "" {
			return nil, fmt.Errorf("%w: catalog entry %d has no location", database.ErrInvalidInput, i)
		}
	}
	return &c, nil
}

// SyncCatalog registers every provider the catalog at path lists and removes
// providers previously registered from it that it no longer lists. Entries
// that fail to register are kept and reported in the joined error.
func (s *Service) SyncCatalog(ctx context.Context, path string) (*CatalogSyncResult, error) {
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	log := logging.L(ctx, s.log).With(zap.String("catalog", path))

	var (
		mu     sync.Mutex
		errs   []error
		result = &CatalogSyncResult{}
		listed = make(map[string]bool, len(catalog.Providers))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for _, entry := range catalog.Providers {
		if src, err := models.ParseSource(entry.Location); err == nil {
			listed[models.ComputeProviderID(src.String())] = true
		}
		g.Go(func() error {
			_, err := s.RegisterProvider(gctx, &models.CreateProviderInput{
				Location:        entry.Location,
				AutoStopTimeout: entry.AutoStopTimeout,
				AutoRemove:      entry.AutoRemove,
				Registry:        path,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures++
				errs = append(errs, fmt.Errorf("%s: %w", entry.Location, err))
				return nil
			}
			result.Registered++
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	existing, err := s.db.ListProviders(ctx, nil, &database.ProviderFilter{Registry: &path})
	if err != nil {
		return result, errors.Join(append(errs, err)...)
	}
	for _, p := range existing {
		if listed[p.ID] {
			continue
		}
		if err := s.DeleteProvider(ctx, p.ID); err != nil {
			result.Failures++
			errs = append(errs, fmt.Errorf("%s: %w", p.Location, err))
			continue
		}
		result.Removed++
	}

	log.Info("catalog synced",
		zap.Int("registered", result.Registered),
		zap.Int("removed", result.Removed),
		zap.Int("failures", result.Failures))
	return result, errors.Join(errs...)
}

// WatchCatalog calls onChange whenever the catalog file at path is written,
// created or replaced, until ctx is cancelled. The parent directory is watched
// so editors that replace the file are noticed too.
func WatchCatalog(ctx context.Context, path string, onChange func(ctx context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	log := logging.L(ctx, logging.ServiceLog).With(zap.String("catalog", abs))

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce = time.After(catalogDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("catalog watcher error", zap.Error(err))
		case <-debounce:
			debounce = nil
			onChange(ctx)
		}
	}
}
