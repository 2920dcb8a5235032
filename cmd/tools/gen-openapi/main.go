package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"sigs.k8s.io/yaml"

	v0 "github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/v0"
	"github.com/agentregistry-dev/agentplane/internal/registry/api/router"
	"github.com/agentregistry-dev/agentplane/internal/registry/jobs"
	"github.com/agentregistry-dev/agentplane/internal/version"
)

func main() {
	outputPath := flag.String("output", "openapi.yaml", "Output path for OpenAPI spec")
	versionOverride := flag.String("version", "", "Override the API version (defaults to version.Version)")
	flag.Parse()

	apiVersion := version.Version
	if *versionOverride != "" {
		apiVersion = *versionOverride
	}

	yamlData, err := yaml.Marshal(generateSpec(apiVersion))
	if err != nil {
		log.Fatalf("Failed to marshal OpenAPI spec to YAML: %v", err)
	}

	if err := os.WriteFile(*outputPath, yamlData, 0644); err != nil {
		log.Fatalf("Failed to write OpenAPI spec to %s: %v", *outputPath, err)
	}

	absPath, err := filepath.Abs(*outputPath)
	if err != nil {
		absPath = *outputPath
	}
	fmt.Printf("OpenAPI spec generated: %s\n", absPath)
}

// generateSpec creates a Huma API, registers the management routes, and
// returns the OpenAPI spec.
func generateSpec(apiVersion string) *huma.OpenAPI {
	mux := http.NewServeMux()

	humaConfig := huma.DefaultConfig("Agentplane API", apiVersion)
	humaConfig.Info.Description = "Provider lifecycle and agent protocol proxy control plane"
	// Disable $schema property injection in responses
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}

	api := humago.New(mux, humaConfig)

	// The registry service is only captured in handler closures, so nil is
	// enough to describe the routes. The scheduler must exist for the job
	// endpoints to be registered.
	router.RegisterRoutes(api, nil, &v0.VersionBody{Version: apiVersion}, &router.RouteOptions{
		Scheduler: jobs.NewScheduler(jobs.NewStore(1), nil),
	})

	return api.OpenAPI()
}
