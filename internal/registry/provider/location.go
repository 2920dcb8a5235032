// Package provider resolves provider locations into installed images and
// agent manifests.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"trpc.group/trpc-go/trpc-a2a-go/server"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/runtime/container"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// AgentCardPath is where A2A endpoints publish their agent card.
const AgentCardPath = "/.well-known/agent.json"

var log = logging.NewLogger("provider")

// Location is the capability surface every provider source answers.
type Location interface {
	Source() models.Source
	// Install makes the source runnable and returns its image reference.
	// Unmanaged sources have nothing to install and return "".
	Install(ctx context.Context) (string, error)
	IsInstalled(ctx context.Context) (bool, error)
	// LoadManifest discovers the agents the source exposes.
	LoadManifest(ctx context.Context) (*models.AgentManifest, error)
}

// ImageBackend is the part of the container backend locations need.
type ImageBackend interface {
	PullOrBuild(ctx context.Context, src models.Source) (string, error)
	Exists(ctx context.Context, imageRef string) (bool, error)
	BuildTag(src models.GitHubSource) string
	ManifestFromLabels(ctx context.Context, imageRef string) (*models.AgentManifest, error)
	OpenContainer(ctx context.Context, image string, env map[string]string, ports map[int]int,
		fn func(ctx context.Context, c *container.Container) error) error
}

var _ ImageBackend = (*container.Backend)(nil)

// Resolver builds Locations for parsed sources.
type Resolver struct {
	backend ImageBackend
	client  *http.Client
	// probeTimeout bounds how long a scratch container may take to answer GET /agents.
	probeTimeout time.Duration
}

// NewResolver creates a Resolver. backend may be nil when only unmanaged
// providers are supported.
func NewResolver(backend ImageBackend, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{backend: backend, client: client, probeTimeout: 2 * time.Minute}
}

// Resolve returns the Location for src.
func (r *Resolver) Resolve(src models.Source) (Location, error) {
	switch s := src.(type) {
	case models.ImageSource, models.GitHubSource:
		if r.backend == nil {
			return nil, fmt.Errorf("managed providers are not supported: no container backend configured")
		}
		return &managedLocation{src: s, resolver: r}, nil
	case models.NetworkSource:
		return &networkLocation{src: s, client: r.client}, nil
	default:
		return nil, fmt.Errorf("unsupported source %T", src)
	}
}

type managedLocation struct {
	src      models.Source
	resolver *Resolver
	imageRef string
}

func (l *managedLocation) Source() models.Source { return l.src }

func (l *managedLocation) Install(ctx context.Context) (string, error) {
	if l.imageRef != "" {
		return l.imageRef, nil
	}
	ref, err := l.resolver.backend.PullOrBuild(ctx, l.src)
	if err != nil {
		return "", err
	}
	l.imageRef = ref
	return ref, nil
}

func (l *managedLocation) IsInstalled(ctx context.Context) (bool, error) {
	if l.imageRef != "" {
		return true, nil
	}
	switch s := l.src.(type) {
	case models.ImageSource:
		return l.resolver.backend.Exists(ctx, s.Ref)
	case models.GitHubSource:
		return l.resolver.backend.Exists(ctx, l.resolver.backend.BuildTag(s))
	}
	return false, nil
}

// LoadManifest reads the manifest label of the installed image. Images
// without the label are started in a scratch container and asked directly.
func (l *managedLocation) LoadManifest(ctx context.Context) (*models.AgentManifest, error) {
	ref, err := l.Install(ctx)
	if err != nil {
		return nil, err
	}
	m, err := l.resolver.backend.ManifestFromLabels(ctx, ref)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, container.ErrNoManifestLabel) {
		return nil, err
	}

	logging.L(ctx, log).Info("image has no manifest label, probing a scratch container", zap.String("image", ref))
	env := map[string]string{"PORT": fmt.Sprint(deployment.Port), "HOST": "0.0.0.0"}
	err = l.resolver.backend.OpenContainer(ctx, ref, env, map[int]int{deployment.Port: 0},
		func(ctx context.Context, c *container.Container) error {
			return wait.PollUntilContextTimeout(ctx, time.Second, l.resolver.probeTimeout, true, func(ctx context.Context) (bool, error) {
				got, err := fetchAgents(ctx, l.resolver.client, c.URL(deployment.Port))
				if err != nil {
					return false, nil
				}
				m = got
				return true, nil
			})
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read agents from %s: %w", ref, err)
	}
	return m, nil
}

type networkLocation struct {
	src    models.NetworkSource
	client *http.Client
}

func (l *networkLocation) Source() models.Source { return l.src }

func (l *networkLocation) Install(context.Context) (string, error) { return "", nil }

func (l *networkLocation) IsInstalled(context.Context) (bool, error) { return true, nil }

// LoadManifest asks the endpoint for its ACP agent listing and falls back to
// its A2A agent card.
func (l *networkLocation) LoadManifest(ctx context.Context) (*models.AgentManifest, error) {
	m, err := fetchAgents(ctx, l.client, l.src.URL)
	if err == nil {
		return m, nil
	}
	card, cardErr := fetchAgentCard(ctx, l.client, l.src.URL)
	if cardErr != nil {
		return nil, fmt.Errorf("failed to load agents from %s: %w", l.src.URL, errors.Join(err, cardErr))
	}
	m = &models.AgentManifest{Agents: []models.AgentManifestEntry{{
		Name:        card.Name,
		Description: card.Description,
		Metadata:    map[string]any{"protocol": "a2a"},
	}}}
	return m, m.Validate()
}

// Ping checks that an endpoint still answers GET /agents.
func Ping(ctx context.Context, client *http.Client, baseURL string) error {
	_, err := fetchAgents(ctx, client, baseURL)
	return err
}

type agentsResponse struct {
	Agents []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
	} `json:"agents"`
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: invalid response: %w", url, err)
	}
	return nil
}

func fetchAgents(ctx context.Context, client *http.Client, baseURL string) (*models.AgentManifest, error) {
	var body agentsResponse
	if err := getJSON(ctx, client, strings.TrimSuffix(baseURL, "/")+"/agents", &body); err != nil {
		return nil, err
	}
	m := &models.AgentManifest{}
	for _, a := range body.Agents {
		entry := models.AgentManifestEntry{Name: a.Name, Description: a.Description, Metadata: a.Metadata}
		if raw, ok := a.Metadata["env"]; ok {
			encoded, err := json.Marshal(raw)
			if err == nil {
				_ = json.Unmarshal(encoded, &entry.Env)
			}
		}
		m.Agents = append(m.Agents, entry)
	}
	return m, m.Validate()
}

func fetchAgentCard(ctx context.Context, client *http.Client, baseURL string) (*server.AgentCard, error) {
	var card server.AgentCard
	if err := getJSON(ctx, client, strings.TrimSuffix(baseURL, "/")+AgentCardPath, &card); err != nil {
		return nil, err
	}
	if card.Name == "" {
		return nil, fmt.Errorf("agent card at %s has no name", baseURL)
	}
	return &card, nil
}
