// Package devenv runs the backing services (Postgres and Redis) as local
// Docker containers for development and integration tests.
package devenv

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Label marks every container devenv creates.
const Label = "codex-dev"

// TestLabel marks containers started by integration tests. Its value is
// the name of the test that owns the container.
const TestLabel = "codex-test"

// ContainerStatus represents the state of a service container.
type ContainerStatus string

const (
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
	StatusNotFound ContainerStatus = "not_found"
	StatusStarting ContainerStatus = "starting"
)

// Service describes one container.
type Service struct {
	ContainerName string
	Image         string
	ContainerPort nat.Port // e.g. "5432/tcp"
	HostPort      string
	Env           []string
	Cmd           []string
	// DataPath is bind-mounted at DataDir when set.
	DataPath string
	DataDir  string
	Labels   map[string]string
	// Ready reports whether the service accepts connections.
	Ready func(ctx context.Context) error
}

// Manager manages one service container's lifecycle.
type Manager struct {
	cli    *client.Client
	svc    Service
	labels map[string]string
}

// NewManager creates a manager for svc.
func NewManager(svc Service) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	labels := map[string]string{Label: svc.ContainerName}
	for k, v := range svc.Labels {
		labels[k] = v
	}
	return &Manager{cli: cli, svc: svc, labels: labels}, nil
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}

// Name returns the container name.
func (m *Manager) Name() string { return m.svc.ContainerName }

// Start starts the container, creating it if needed, and waits until the
// service is ready.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}

	switch status {
	case StatusRunning:
		return m.WaitReady(ctx, 30*time.Second)
	case StatusStopped:
		if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
		return m.WaitReady(ctx, 30*time.Second)
	case StatusNotFound:
		return m.createAndStart(ctx)
	default:
		return fmt.Errorf("container %s in unexpected state: %s", m.svc.ContainerName, status)
	}
}

// Stop stops the container.
func (m *Manager) Stop(ctx context.Context) error {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	timeout := 10
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove stops and removes the container and its anonymous volumes.
func (m *Manager) Remove(ctx context.Context) error {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}
	if status == StatusRunning {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Ping reports whether the Docker daemon answers.
func Ping(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}
	return nil
}

// RemoveLabeled force-removes every container carrying label, restricted to
// containers whose label equals value when value is set. It returns the
// names it removed.
func RemoveLabeled(ctx context.Context, label, value string) ([]string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	selector := label
	if value != "" {
		selector = label + "=" + value
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", selector)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s containers: %w", selector, err)
	}

	var removed []string
	for _, c := range containers {
		name := c.ID[:12]
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			return removed, fmt.Errorf("failed to remove container %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// Status returns the current container status.
func (m *Manager) Status(ctx context.Context) (ContainerStatus, error) {
	status, _, err := m.containerStatus(ctx)
	return status, err
}

// Logs returns the container logs.
func (m *Manager) Logs(ctx context.Context, tail string) (string, error) {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return "", err
	}
	if status == StatusNotFound {
		return "", fmt.Errorf("container %s not found", m.svc.ContainerName)
	}

	logs, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer logs.Close()

	b, err := io.ReadAll(logs)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(b), nil
}

// ValidateExisting checks that an existing container is bound to the
// expected host port.
func (m *Manager) ValidateExisting(ctx context.Context) error {
	status, containerID, err := m.containerStatus(ctx)
	if err != nil {
		return err
	}
	if status == StatusNotFound {
		return nil
	}

	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := info.HostConfig.PortBindings[m.svc.ContainerPort]
	if len(bindings) == 0 {
		return fmt.Errorf("existing container has no port binding for %s", m.svc.ContainerPort)
	}
	if bindings[0].HostPort != m.svc.HostPort {
		return fmt.Errorf("existing container bound to port %s, expected %s", bindings[0].HostPort, m.svc.HostPort)
	}
	return nil
}

// WaitReady polls the service's readiness check until it passes.
func (m *Manager) WaitReady(ctx context.Context, timeout time.Duration) error {
	if m.svc.Ready == nil {
		return nil
	}
	return retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return m.svc.Ready(attemptCtx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(timeout.Seconds())),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (m *Manager) createAndStart(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}

	cfg := &container.Config{
		Image:  m.svc.Image,
		Env:    m.svc.Env,
		Cmd:    m.svc.Cmd,
		Labels: m.labels,
		ExposedPorts: nat.PortSet{
			m.svc.ContainerPort: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			m.svc.ContainerPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: m.svc.HostPort},
			},
		},
	}
	if m.svc.DataPath != "" && m.svc.DataDir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: m.svc.DataPath,
			Target: m.svc.DataDir,
		}}
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.svc.ContainerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return m.WaitReady(ctx, 60*time.Second)
}

func (m *Manager) containerStatus(ctx context.Context) (ContainerStatus, string, error) {
	args := filters.NewArgs()
	args.Add("name", "^/"+m.svc.ContainerName+"$")

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return StatusNotFound, "", nil
	}

	c := containers[0]
	switch c.State {
	case "running":
		return StatusRunning, c.ID, nil
	case "exited", "dead":
		return StatusStopped, c.ID, nil
	case "created", "restarting":
		return StatusStarting, c.ID, nil
	default:
		return ContainerStatus(c.State), c.ID, nil
	}
}

func (m *Manager) ensureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.svc.Image); err == nil {
		return nil
	}

	reader, err := m.cli.ImagePull(ctx, m.svc.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.svc.Image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
