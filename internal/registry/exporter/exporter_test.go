package exporter

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

type stubLister struct {
	providers []*models.ProviderStatus
	err       error
}

func (s *stubLister) ListProviders(context.Context, *database.ProviderFilter) ([]*models.ProviderStatus, error) {
	return s.providers, s.err
}

func status(location string, mutate func(*models.Provider)) *models.ProviderStatus {
	p := models.Provider{ID: models.ComputeProviderID(location), Location: location}
	if mutate != nil {
		mutate(&p)
	}
	return &models.ProviderStatus{Provider: p, State: models.DeploymentStateReady}
}

func TestExportToPath_WritesLoadableCatalog(t *testing.T) {
	stub := &stubLister{providers: []*models.ProviderStatus{
		status("docker://registry/weather:v1", func(p *models.Provider) { p.AutoStopTimeout = 10 * time.Minute }),
		status("http://localhost:9000", func(p *models.Provider) { p.AutoRemove = true }),
		status("http://127.0.0.1:9100", func(p *models.Provider) { p.SelfRegistered = true }),
		status("docker://registry/echo:v1", nil),
	}}

	outputPath := filepath.Join(t.TempDir(), "nested", "catalog.yaml")
	count, err := NewService(stub).ExportToPath(context.Background(), outputPath)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	catalog, err := service.LoadCatalog(outputPath)
	require.NoError(t, err)
	assert.Equal(t, []service.CatalogEntry{
		{Location: "docker://registry/echo:v1"},
		{Location: "docker://registry/weather:v1", AutoStopTimeout: 10 * time.Minute},
		{Location: "http://localhost:9000", AutoRemove: true},
	}, catalog.Providers)
}

func TestExport_Empty(t *testing.T) {
	var buf bytes.Buffer
	count, err := NewService(&stubLister{}).Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Contains(t, buf.String(), "providers: []")
}

func TestExport_PropagatesErrors(t *testing.T) {
	_, err := NewService(&stubLister{err: errors.New("db down")}).ExportToPath(context.Background(), filepath.Join(t.TempDir(), "c.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	_, err = NewService(nil).Export(context.Background(), &bytes.Buffer{})
	assert.Error(t, err)
}
