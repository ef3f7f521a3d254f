package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	mailpitImage  = "ghcr.io/axllent/mailpit:latest"
	rabbitImage   = "rabbitmq:3.13-alpine"
)

// PostgresContainer is a throwaway database with the statusboard schema owner.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts PostgreSQL. Migrations are applied by the caller.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("statusboard"),
		postgres.WithUsername("statusboard"),
		postgres.WithPassword("statusboard"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}
	return &PostgresContainer{PostgresContainer: c, ConnectionString: dsn}, nil
}

// MailpitContainer is an SMTP sink whose inbox is readable over HTTP.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// NewMailpitContainer starts Mailpit with SMTP on 1025 and its API on 8025.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	c, err := start(ctx, "mailpit", mailpitImage, []string{"1025/tcp", "8025/tcp"}, wait.ForAll(
		wait.ForListeningPort("1025/tcp"),
		wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
	).WithDeadline(30*time.Second))
	if err != nil {
		return nil, err
	}

	host, ports, err := endpoint(ctx, c, "1025/tcp", "8025/tcp")
	if err != nil {
		return nil, fmt.Errorf("mailpit: %w", err)
	}
	return &MailpitContainer{
		Container: c,
		SMTPHost:  host,
		SMTPPort:  ports[0],
		APIHost:   host,
		APIPort:   ports[1],
	}, nil
}

// RabbitMQContainer is a broker for the queue-backed mail transport.
type RabbitMQContainer struct {
	testcontainers.Container
	URL string
}

// NewRabbitMQContainer starts RabbitMQ and returns its AMQP URL (guest account).
func NewRabbitMQContainer(ctx context.Context) (*RabbitMQContainer, error) {
	c, err := start(ctx, "rabbitmq", rabbitImage, []string{"5672/tcp"}, wait.ForAll(
		wait.ForListeningPort("5672/tcp"),
		wait.ForLog("Server startup complete"),
	).WithDeadline(60*time.Second))
	if err != nil {
		return nil, err
	}

	host, ports, err := endpoint(ctx, c, "5672/tcp")
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: %w", err)
	}
	return &RabbitMQContainer{
		Container: c,
		URL:       fmt.Sprintf("amqp://guest:guest@%s:%d/", host, ports[0]),
	}, nil
}

func start(ctx context.Context, name, image string, ports []string, strategy wait.Strategy) (testcontainers.Container, error) {
	c, err := testcontainers.Run(ctx, image,
		testcontainers.WithExposedPorts(ports...),
		testcontainers.WithWaitStrategy(strategy),
	)
	if err != nil {
		return nil, fmt.Errorf("start %s container: %w", name, err)
	}
	return c, nil
}

// endpoint resolves the host and the mapped port numbers, in the order given.
func endpoint(ctx context.Context, c testcontainers.Container, ports ...nat.Port) (string, []int, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("host: %w", err)
	}

	mapped := make([]int, 0, len(ports))
	for _, p := range ports {
		port, err := c.MappedPort(ctx, p)
		if err != nil {
			return "", nil, fmt.Errorf("mapped port %s: %w", p, err)
		}
		mapped = append(mapped, port.Int())
	}
	return host, mapped, nil
}
