package exporter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// ProviderLister is the part of the registry the exporter reads from.
type ProviderLister interface {
	ListProviders(ctx context.Context, filter *database.ProviderFilter) ([]*models.ProviderStatus, error)
}

// Service handles exporting registered providers into catalog files.
type Service struct {
	providers ProviderLister
}

// NewService creates a new exporter service.
func NewService(providers ProviderLister) *Service {
	return &Service{providers: providers}
}

// ExportToPath writes every registered provider to outputPath using the
// catalog schema, so the file can be fed back as the server's catalog.
func (s *Service) ExportToPath(ctx context.Context, outputPath string) (int, error) {
	catalog, err := s.collect(ctx)
	if err != nil {
		return 0, err
	}
	if err := ensureDir(outputPath); err != nil {
		return 0, err
	}
	data, err := yaml.Marshal(catalog)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal catalog for export: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write export file %s: %w", outputPath, err)
	}
	return len(catalog.Providers), nil
}

// Export writes the catalog to w.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	catalog, err := s.collect(ctx)
	if err != nil {
		return 0, err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(catalog); err != nil {
		return 0, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return len(catalog.Providers), enc.Close()
}

func (s *Service) collect(ctx context.Context) (*service.Catalog, error) {
	if s.providers == nil {
		return nil, fmt.Errorf("registry service is not initialized")
	}
	providers, err := s.providers.ListProviders(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	catalog := &service.Catalog{Providers: []service.CatalogEntry{}}
	for _, p := range providers {
		// Self-registered providers announce themselves and cannot be replayed.
		if p == nil || p.SelfRegistered {
			continue
		}
		catalog.Providers = append(catalog.Providers, service.CatalogEntry{
			Location:        p.Location,
			AutoStopTimeout: p.AutoStopTimeout,
			AutoRemove:      p.AutoRemove,
		})
	}
	slices.SortFunc(catalog.Providers, func(a, b service.CatalogEntry) int {
		return strings.Compare(a.Location, b.Location)
	})
	return catalog, nil
}

func ensureDir(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory %s: %w", dir, err)
	}
	return nil
}
