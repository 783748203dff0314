package agentd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/t77yq/servermon/internal/model"
)

// ServiceProbe lists the services on this host
type ServiceProbe interface {
	Services(ctx context.Context) ([]model.ServiceStatus, error)
}

// NoServices reports an empty service list
type NoServices struct{}

// Services implements ServiceProbe
func (NoServices) Services(ctx context.Context) ([]model.ServiceStatus, error) {
	return []model.ServiceStatus{}, nil
}

// containerLister is the part of the docker client the probe uses
type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// DockerProbe reports docker containers as services
type DockerProbe struct {
	logger *zap.Logger
	docker containerLister
}

// NewDockerProbe connects to the docker daemon from the environment
func NewDockerProbe(logger *zap.Logger) (*DockerProbe, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerProbe{
		logger: logger.Named("docker-probe"),
		docker: docker,
	}, nil
}

// Services implements ServiceProbe. Stopped containers are included.
func (p *DockerProbe) Services(ctx context.Context) ([]model.ServiceStatus, error) {
	containers, err := p.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]model.ServiceStatus, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(name) > 12 {
			name = name[:12]
		}
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, model.ServiceStatus{
			Name:    name,
			State:   c.State,
			Running: c.State == "running",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
