package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig holds configuration for PostgreSQL test container.
type PostgresConfig struct {
	// User is the PostgreSQL username (default: iot)
	User string
	// Password is the PostgreSQL password (default: iot)
	Password string
	// Database is the database name (default: iot_hub)
	Database string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// Postgres is a running PostgreSQL container and how to reach it.
type Postgres struct {
	Container testcontainers.Container
	Host      string
	User      string
	Password  string
	Database  string
	Port      int
}

// StartPostgres starts a PostgreSQL container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context, config *PostgresConfig) (*Postgres, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	if config.User == "" {
		config.User = "iot"
	}
	if config.Password == "" {
		config.Password = "iot"
	}
	if config.Database == "" {
		config.Database = "iot_hub"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			// The server restarts once after initdb, so wait for the second
			// ready line.
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"POSTGRES_USER":     config.User,
				"POSTGRES_PASSWORD": config.Password,
				"POSTGRES_DB":       config.Database,
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, port, err := endpoint(ctx, container, "5432/tcp")
	if err != nil {
		return nil, terminate(ctx, container, err)
	}

	return &Postgres{
		Container: container,
		Host:      host,
		Port:      port,
		User:      config.User,
		Password:  config.Password,
		Database:  config.Database,
	}, nil
}
