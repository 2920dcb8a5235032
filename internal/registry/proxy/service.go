// Package proxy routes protocol requests to providers, activating managed
// providers on demand and remembering which provider owns each run.
package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/telemetry"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
)

// DefaultStartupTimeout bounds how long a request waits for a provider to come up.
const DefaultStartupTimeout = 5 * time.Minute

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	// ServiceURL is substituted for {platform_url} for in-cluster providers.
	ServiceURL string
	// LoopbackURL is substituted for {platform_url} for self-registered host providers.
	LoopbackURL string

	StartupTimeout time.Duration
	// ActivationTimeout bounds the shared reconcile, which outlives any single request.
	ActivationTimeout time.Duration
	// UpstreamTimeout bounds the wait for upstream response headers.
	UpstreamTimeout time.Duration

	Client  *http.Client
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Service resolves, activates and forwards protocol requests.
type Service struct {
	db      database.Database
	manager deployment.Manager
	opts    Options
	client  *http.Client
	metrics *telemetry.Metrics
	now     func() time.Time
	log     *zap.Logger

	activations singleflight.Group

	mu       sync.Mutex
	inFlight map[string]int
}

// NewService creates a Service.
func NewService(db database.Database, manager deployment.Manager, opts Options) *Service {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = 2 * time.Minute
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: opts.UpstreamTimeout,
		}}
	}
	return &Service{
		db:       db,
		manager:  manager,
		opts:     opts,
		client:   client,
		metrics:  opts.Metrics,
		now:      opts.Now,
		log:      logging.ProxyLog,
		inFlight: make(map[string]int),
	}
}

// InFlight reports how many forwarded requests a provider is serving.
func (s *Service) InFlight(providerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[providerID]
}

func (s *Service) track(providerID string) func() {
	s.mu.Lock()
	s.inFlight[providerID]++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.inFlight[providerID]--; s.inFlight[providerID] <= 0 {
				delete(s.inFlight, providerID)
			}
		})
	}
}
