package ollama

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const integrationModel = "qwen2.5:0.5b"

func TestIntegration_ManagerAgainstRealBackend(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "ollama/ollama:latest",
		ExposedPorts: []string{"11434/tcp"},
		WaitingFor:   wait.ForHTTP("/api/tags").WithPort("11434/tcp").WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "11434")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	client := NewClient(fmt.Sprintf("http://%s:%s", host, port.Port()))
	m := NewManager(client, ManagerOptions{
		Model:       integrationModel,
		PullTimeout: 10 * time.Minute,
		MaxWait:     3 * time.Minute,
	}, nil)

	if !m.EnsureReady(ctx) {
		t.Fatalf("backend never became ready, state %s", m.State())
	}
	if m.State() != StateModelReady {
		t.Errorf("expected model-ready, got %s", m.State())
	}

	has, err := client.HasModel(ctx, integrationModel)
	if err != nil || !has {
		t.Errorf("model should be listed after pull: %v, %v", has, err)
	}

	if err := m.Unload(ctx); err != nil {
		t.Errorf("Unload failed: %v", err)
	}
}
