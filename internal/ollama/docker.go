package ollama

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

type ContainerInfo struct {
	ID    string
	Name  string
	Image string
	State string
}

// ContainerLauncher starts an existing ollama container through the
// docker daemon. It never creates containers.
type ContainerLauncher struct {
	once    sync.Once
	cli     *client.Client
	initErr error
}

func NewContainerLauncher() *ContainerLauncher {
	return &ContainerLauncher{}
}

func (d *ContainerLauncher) Name() string { return "docker" }

func (d *ContainerLauncher) conn() (*client.Client, error) {
	d.once.Do(func() {
		d.cli, d.initErr = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if d.initErr != nil {
			d.initErr = fmt.Errorf("docker client failed: %w", d.initErr)
		}
	})
	return d.cli, d.initErr
}

func (d *ContainerLauncher) Available(ctx context.Context) bool {
	c, err := d.FindContainer(ctx)
	return err == nil && c != nil
}

// FindContainer returns the first container whose name or image mentions
// ollama, or nil when there is none.
func (d *ContainerLauncher) FindContainer(ctx context.Context) (*ContainerInfo, error) {
	cli, err := d.conn()
	if err != nil {
		return nil, err
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(checkCtx); err != nil {
		return nil, fmt.Errorf("daemon unavailable: %w", err)
	}

	containers, err := cli.ContainerList(checkCtx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list failed: %w", err)
	}

	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if strings.Contains(strings.ToLower(name), "ollama") ||
			strings.Contains(strings.ToLower(c.Image), "ollama") {
			return &ContainerInfo{ID: c.ID, Name: name, Image: c.Image, State: c.State}, nil
		}
	}
	return nil, nil
}

func (d *ContainerLauncher) Launch(ctx context.Context) error {
	c, err := d.FindContainer(ctx)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("ollama container not found")
	}
	if c.State == "running" {
		return nil
	}

	cli, _ := d.conn()
	if err := cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", c.Name, err)
	}
	return nil
}

func (d *ContainerLauncher) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}
