package spawner

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerLauncher runs each daughter as an ephemeral container.
type DockerLauncher struct {
	client      *client.Client
	image       string
	networkMode string
	memoryBytes int64
	commands    map[string][]string
}

// NewDockerLauncher connects to the daemon from the environment.
func NewDockerLauncher(image, networkMode string, memoryMB int64, commands map[string][]string) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "alpine:3"
	}
	if memoryMB <= 0 {
		memoryMB = 256
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &DockerLauncher{
		client:      cli,
		image:       image,
		networkMode: networkMode,
		memoryBytes: memoryMB * 1024 * 1024,
		commands:    commands,
	}, nil
}

func (l *DockerLauncher) Name() string { return "docker" }

// Ping checks that the daemon answers and returns its API version.
func (l *DockerLauncher) Ping(ctx context.Context) (string, error) {
	p, err := l.client.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("docker ping: %w", err)
	}
	return p.APIVersion, nil
}

func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	cmd := l.commands[spec.TaskType]
	if cmd == nil {
		cmd = l.commands["*"]
	}
	resp, err := l.client.ContainerCreate(ctx, &container.Config{
		Image: l.image,
		Cmd:   cmd,
		Env:   spec.Env(),
		Labels: map[string]string{
			"vx11.daughter_id": spec.DaughterID,
			"vx11.task_type":   spec.TaskType,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: l.memoryBytes,
		},
		NetworkMode: container.NetworkMode(l.networkMode),
	}, nil, nil, "vx11-"+spec.DaughterID)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return "docker:" + resp.ID, nil
}

func (l *DockerLauncher) Probe(ctx context.Context, handle string) (bool, error) {
	id, ok := strings.CutPrefix(handle, "docker:")
	if !ok {
		return false, ErrUnknownHandle
	}
	info, err := l.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, ErrUnknownHandle
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

func (l *DockerLauncher) Terminate(ctx context.Context, handle string) error {
	id, ok := strings.CutPrefix(handle, "docker:")
	if !ok {
		return nil
	}
	err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close closes the docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}
