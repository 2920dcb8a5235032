package container

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
)

const teardownTimeout = 30 * time.Second

// Container is a running container owned by an OpenContainer scope.
type Container struct {
	ID    string
	Name  string
	ports map[int]int
}

// HostPort returns the host port bound to containerPort.
func (c *Container) HostPort(containerPort int) int {
	return c.ports[containerPort]
}

// URL returns the loopback base URL for containerPort.
func (c *Container) URL(containerPort int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.HostPort(containerPort))
}

// OpenContainer starts image with env and the given container-to-host port
// mapping (a zero host port picks a free one), calls fn, and always stops and
// removes the container afterwards, including when ctx is cancelled.
func (b *Backend) OpenContainer(
	ctx context.Context,
	image string,
	env map[string]string,
	ports map[int]int,
	fn func(ctx context.Context, c *Container) error,
) (err error) {
	c := &Container{
		Name:  "agentplane-" + uuid.NewString()[:8],
		ports: make(map[int]int, len(ports)),
	}

	args := []string{"run", "--detach", "--name", c.Name}
	for containerPort, hostPort := range ports {
		if hostPort == 0 {
			if hostPort, err = freePort(); err != nil {
				return fmt.Errorf("finding free port: %w", err)
			}
		}
		c.ports[containerPort] = hostPort
		args = append(args, "--publish", fmt.Sprintf("127.0.0.1:%d:%d", hostPort, containerPort))
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}
	args = append(args, image)

	// Teardown runs on a context detached from ctx so cancellation cannot skip it.
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if _, stopErr := b.runner.Run(teardownCtx, "stop", c.Name); stopErr != nil {
			logging.L(ctx, b.log).Warn("failed to stop container", zap.String("container", c.Name), zap.Error(stopErr))
		}
		if _, rmErr := b.runner.Run(teardownCtx, "rm", "--force", c.Name); rmErr != nil {
			logging.L(ctx, b.log).Warn("failed to remove container", zap.String("container", c.Name), zap.Error(rmErr))
		}
	}()

	out, err := b.runner.Run(ctx, args...)
	if err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	c.ID = strings.TrimSpace(string(out))

	return fn(ctx, c)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}
