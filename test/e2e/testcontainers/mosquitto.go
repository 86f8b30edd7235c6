package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MosquittoConfig holds configuration for the Mosquitto test container.
type MosquittoConfig struct {
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartMosquitto starts an anonymous Mosquitto 2 broker and returns it with
// its tcp:// URL.
func StartMosquitto(ctx context.Context, config *MosquittoConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &MosquittoConfig{}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			// Mosquitto 2 only listens on localhost unless configured.
			Cmd: []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("1883/tcp"),
				wait.ForLog("running"),
			),
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	host, port, err := endpoint(ctx, container, "1883/tcp")
	if err != nil {
		return nil, "", terminate(ctx, container, err)
	}

	return container, fmt.Sprintf("tcp://%s:%d", host, port), nil
}
