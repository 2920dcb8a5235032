// Package container resolves provider sources into labeled images and runs
// short-lived containers for them.
package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/stoewer/go-strcase"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// ErrNoManifestLabel is returned when an image carries no agent manifest label.
var ErrNoManifestLabel = errors.New("image has no agent manifest label")

// Runner executes a container CLI command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// CLIRunner runs commands against a docker-compatible CLI.
type CLIRunner struct {
	Binary string
}

func (r CLIRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %s: %w", bin, args[0], strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

// Backend builds, pulls and inspects provider images.
type Backend struct {
	runner    Runner
	registry  string
	backoff   wait.Backoff
	remote    []remote.Option
	loadLocal func(ctx context.Context, ref name.Reference) (v1.Image, error)
	log       *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the container CLI runner.
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.runner = r }
}

// WithRetry sets the number of attempts and the fixed delay between them.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(b *Backend) {
		b.backoff = wait.Backoff{Steps: attempts, Duration: delay, Factor: 1.0}
	}
}

// WithRemoteOptions adds options to every registry call.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(b *Backend) { b.remote = append(b.remote, opts...) }
}

// WithLocalImageLoader replaces how freshly built images are read before push.
func WithLocalImageLoader(fn func(ctx context.Context, ref name.Reference) (v1.Image, error)) Option {
	return func(b *Backend) { b.loadLocal = fn }
}

// NewBackend creates a Backend that pushes locally built images to registry.
func NewBackend(registry string, opts ...Option) *Backend {
	b := &Backend{
		runner:   CLIRunner{},
		registry: strings.TrimSuffix(registry, "/"),
		backoff:  wait.Backoff{Steps: 3, Duration: 5 * time.Second, Factor: 1.0},
		remote:   []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)},
		loadLocal: func(ctx context.Context, ref name.Reference) (v1.Image, error) {
			return daemon.Image(ref, daemon.WithContext(ctx))
		},
		log: logging.NewLogger("container"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) remoteOptions(ctx context.Context) []remote.Option {
	return append([]remote.Option{remote.WithContext(ctx)}, b.remote...)
}

// retriable keeps permanent registry answers (not found, unauthorized) and
// cancellation from being retried.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Temporary()
	}
	return true
}

func (b *Backend) withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return retry.OnError(b.backoff, func(err error) bool {
		if ctx.Err() != nil || !retriable(err) {
			return false
		}
		logging.L(ctx, b.log).Warn("retrying image operation",
			zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
		return true
	}, func() error {
		attempt++
		return fn()
	})
}

// PullOrBuild resolves a managed source into an image reference that the
// cluster can pull. Registry images are pinned by digest; GitHub sources are
// built and pushed under a tag derived from the source.
func (b *Backend) PullOrBuild(ctx context.Context, src models.Source) (string, error) {
	switch s := src.(type) {
	case models.ImageSource:
		return b.pull(ctx, s)
	case models.GitHubSource:
		return b.build(ctx, s)
	default:
		return "", fmt.Errorf("source %s has no image", src.String())
	}
}

func (b *Backend) pull(ctx context.Context, src models.ImageSource) (string, error) {
	ref, err := name.ParseReference(src.Ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", src.Ref, err)
	}
	var pinned string
	err = b.withRetry(ctx, "pull", func() error {
		desc, err := remote.Head(ref, b.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		pinned = ref.Context().Digest(desc.Digest.String()).String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to pull %s: %w", src.Ref, err)
	}
	return pinned, nil
}

// Exists reports whether imageRef resolves in its registry.
func (b *Backend) Exists(ctx context.Context, imageRef string) (bool, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return false, fmt.Errorf("invalid image reference %q: %w", imageRef, err)
	}
	var found bool
	err = b.withRetry(ctx, "head", func() error {
		_, err := remote.Head(ref, b.remoteOptions(ctx)...)
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", imageRef, err)
	}
	return found, nil
}

// BuildTag is the deterministic tag for images built from a GitHub source.
func (b *Backend) BuildTag(src models.GitHubSource) string {
	sum := sha256.Sum256([]byte(src.String()))
	repo := strcase.KebabCase(src.Repo.Owner + "_" + src.Repo.Repo)
	return fmt.Sprintf("%s/agentplane/%s:%s", b.registry, repo, hex.EncodeToString(sum[:])[:16])
}

func (b *Backend) build(ctx context.Context, src models.GitHubSource) (string, error) {
	tag := b.BuildTag(src)
	ref, err := name.NewTag(tag)
	if err != nil {
		return "", fmt.Errorf("invalid build tag %q: %w", tag, err)
	}

	err = b.withRetry(ctx, "build", func() error {
		if _, err := b.runner.Run(ctx, "build", "--tag", tag, src.Repo.BuildContextURL()); err != nil {
			return err
		}
		img, err := b.loadLocal(ctx, ref)
		if err != nil {
			return fmt.Errorf("failed to load built image: %w", err)
		}
		return remote.Write(ref, img, b.remoteOptions(ctx)...)
	})
	if err != nil {
		return "", fmt.Errorf("failed to build %s: %w", src.String(), err)
	}
	logging.L(ctx, b.log).Info("built provider image", zap.String("image", tag))
	return tag, nil
}

// ManifestFromLabels reads the agent manifest from the image config labels
// without starting the image.
func (b *Backend) ManifestFromLabels(ctx context.Context, imageRef string) (*models.AgentManifest, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", imageRef, err)
	}
	var cfg *v1.ConfigFile
	err = b.withRetry(ctx, "inspect", func() error {
		img, err := remote.Image(ref, b.remoteOptions(ctx)...)
		if err != nil {
			return err
		}
		cfg, err = img.ConfigFile()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read image config for %s: %w", imageRef, err)
	}
	label, ok := cfg.Config.Labels[models.ManifestLabel]
	if !ok {
		return nil, ErrNoManifestLabel
	}
	return models.DecodeManifestLabel(label)
}
