// SPDX-License-Identifier: Apache-2.0

// Package docker implements the sandbox container runtime on top of the
// Docker Engine API. Podman is supported through its Docker-compatible
// socket and is preferred when both are present.
package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/sockets"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/kiln-dev/kiln/pkg/container/runtime"
	"github.com/kiln-dev/kiln/pkg/events"
	"github.com/kiln-dev/kiln/pkg/logger"
)

// EngineType identifies the engine behind the socket.
type EngineType string

const (
	// EnginePodman is the Podman engine behind its compat socket.
	EnginePodman EngineType = "podman"
	// EngineDocker is the Docker engine.
	EngineDocker EngineType = "docker"
)

// Common socket paths.
const (
	// PodmanSocketPath is the default Podman socket path.
	PodmanSocketPath = "/var/run/podman/podman.sock"
	// PodmanXDGRuntimeSocketPath is the XDG runtime Podman socket path.
	PodmanXDGRuntimeSocketPath = "podman/podman.sock"
	// DockerSocketPath is the default Docker socket path.
	DockerSocketPath = "/var/run/docker.sock"
	// DockerDesktopMacSocketPath is the Docker Desktop socket path on macOS.
	DockerDesktopMacSocketPath = ".docker/run/docker.sock"
)

// Environment variable names for custom socket paths.
const (
	// DockerSocketEnv overrides the Docker socket path.
	DockerSocketEnv = "KILN_DOCKER_SOCKET"
	// PodmanSocketEnv overrides the Podman socket path.
	PodmanSocketEnv = "KILN_PODMAN_SOCKET"
)

var supportedEngines = []EngineType{EnginePodman, EngineDocker}

// dockerAPI is the subset of the engine client the runtime uses. Narrowed
// so tests can substitute a fake.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options dockerimage.ListOptions) ([]dockerimage.Summary, error)
	ImagePull(ctx context.Context, refStr string, options dockerimage.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Client implements runtime.Runtime against a Docker-compatible engine.
type Client struct {
	engineType EngineType
	socketPath string
	api        dockerAPI

	// bus receives container lifecycle events; nil disables publishing.
	bus *events.Bus
}

// NewClient discovers an engine socket, Podman first then Docker, and
// returns a connected client.
func NewClient(ctx context.Context, bus *events.Bus) (*Client, error) {
	var lastErr error

	for _, engine := range supportedEngines {
		socketPath, engineType, err := findEngineSocket(engine)
		if err != nil {
			logger.Debugf("no socket for %s: %v", engine, err)
			lastErr = err
			continue
		}

		c, err := NewClientWithSocketPath(ctx, socketPath, engineType, bus)
		if err != nil {
			logger.Debugf("cannot connect to %s: %v", engine, err)
			lastErr = err
			continue
		}
		return c, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", runtime.ErrRuntimeNotAvailable, lastErr)
	}
	return nil, runtime.ErrRuntimeNotAvailable
}

// NewClientWithSocketPath connects to the engine behind socketPath.
func NewClientWithSocketPath(ctx context.Context, socketPath string, engineType EngineType, bus *events.Bus) (*Client, error) {
	transport := &http.Transport{}
	if err := sockets.ConfigureTransport(transport, "unix", socketPath); err != nil {
		return nil, runtime.NewContainerError(err, "", fmt.Sprintf("failed to configure transport: %v", err))
	}
	httpClient := &http.Client{Transport: transport}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost("unix://" + socketPath),
	}

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, runtime.NewContainerError(err, "", fmt.Sprintf("failed to create client: %v", err))
	}

	c := &Client{
		engineType: engineType,
		socketPath: socketPath,
		api:        dockerClient,
		bus:        bus,
	}

	if !c.IsAvailable(ctx) {
		return nil, runtime.NewContainerError(runtime.ErrRuntimeNotAvailable, "",
			fmt.Sprintf("failed to ping %s at %s", engineType, socketPath))
	}
	logger.Debugf("connected to %s runtime at %s", engineType, socketPath)

	return c, nil
}

// Engine returns the engine type behind the client.
func (c *Client) Engine() EngineType {
	return c.engineType
}

// IsAvailable implements runtime.Runtime.
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.api.Ping(ctx)
	return err == nil
}

// HasImage implements runtime.Runtime.
func (c *Client) HasImage(ctx context.Context, image string) (bool, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("reference", image)

	images, err := c.api.ImageList(ctx, dockerimage.ListOptions{Filters: filterArgs})
	if err != nil {
		return false, runtime.NewContainerError(err, "", fmt.Sprintf("failed to list images: %v", err))
	}
	return len(images) > 0, nil
}

// PullImage implements runtime.Runtime.
func (c *Client) PullImage(ctx context.Context, image string) error {
	logger.Infof("pulling image: %s", image)

	reader, err := c.api.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", runtime.ErrImagePullFailed, image, err)
	}
	defer reader.Close()

	// The pull completes when the progress stream ends.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %s: %w", runtime.ErrImagePullFailed, image, err)
	}
	return nil
}

// findEngineSocket locates a socket for the given engine, honoring the
// env overrides first.
func findEngineSocket(engine EngineType) (string, EngineType, error) {
	if custom := os.Getenv(PodmanSocketEnv); custom != "" {
		logger.Debugf("using Podman socket from env: %s", custom)
		if _, err := os.Stat(custom); err != nil {
			return "", EnginePodman, fmt.Errorf("invalid Podman socket path: %w", err)
		}
		return custom, EnginePodman, nil
	}

	if custom := os.Getenv(DockerSocketEnv); custom != "" {
		logger.Debugf("using Docker socket from env: %s", custom)
		if _, err := os.Stat(custom); err != nil {
			return "", EngineDocker, fmt.Errorf("invalid Docker socket path: %w", err)
		}
		return custom, EngineDocker, nil
	}

	if engine == EnginePodman {
		if _, err := os.Stat(PodmanSocketPath); err == nil {
			return PodmanSocketPath, EnginePodman, nil
		}

		if xdgRuntimeDir := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntimeDir != "" {
			xdgSocketPath := filepath.Join(xdgRuntimeDir, PodmanXDGRuntimeSocketPath)
			if _, err := os.Stat(xdgSocketPath); err == nil {
				return xdgSocketPath, EnginePodman, nil
			}
		}

		if home := os.Getenv("HOME"); home != "" {
			userSocketPath := filepath.Join(home, ".local/share/containers/podman/machine/podman.sock")
			if _, err := os.Stat(userSocketPath); err == nil {
				return userSocketPath, EnginePodman, nil
			}
		}
	}

	if engine == EngineDocker {
		if _, err := os.Stat(DockerSocketPath); err == nil {
			return DockerSocketPath, EngineDocker, nil
		}

		if home := os.Getenv("HOME"); home != "" {
			dockerDesktopPath := filepath.Join(home, DockerDesktopMacSocketPath)
			if _, err := os.Stat(dockerDesktopPath); err == nil {
				return dockerDesktopPath, EngineDocker, nil
			}
		}
	}

	return "", "", runtime.ErrRuntimeNotAvailable
}
