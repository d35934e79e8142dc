// Package rabbitmqtest starts a throwaway RabbitMQ for integration tests.
package rabbitmqtest

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

const (
	DefaultImage = "rabbitmq:4.0-management-alpine"
	user         = "retrymq"
	password     = "retrymq-pass"
)

// Broker is a running RabbitMQ reachable at URL.
type Broker struct {
	URL       string
	container *rabbitmq.RabbitMQContainer
}

// Start returns a broker for the test binary. RABBITMQ_URL, when set, points
// at an existing broker and no container is started.
func Start(ctx context.Context) (*Broker, error) {
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		return &Broker{URL: url}, nil
	}

	image := os.Getenv("RABBITMQ_IMAGE")
	if image == "" {
		image = DefaultImage
	}

	container, err := rabbitmq.Run(ctx,
		image,
		rabbitmq.WithAdminUsername(user),
		rabbitmq.WithAdminPassword(password),
	)
	if err != nil {
		return nil, fmt.Errorf("start rabbitmq container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return nil, fmt.Errorf("get rabbitmq host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672/tcp")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		return nil, fmt.Errorf("get rabbitmq amqp mapped port: %w", err)
	}

	return &Broker{
		URL:       fmt.Sprintf("amqp://%s:%s@%s:%s/", user, password, host, port.Port()),
		container: container,
	}, nil
}

// Stop terminates the container, if one was started.
func (b *Broker) Stop() error {
	if b.container == nil {
		return nil
	}
	return testcontainers.TerminateContainer(b.container)
}

// Run starts a broker, runs the tests and stops it. Use it from TestMain.
func Run(m *testing.M, url *string) int {
	if !flag.Parsed() {
		flag.Parse()
	}
	if testing.Short() {
		return m.Run()
	}

	b, err := Start(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "rabbitmqtest: %v\n", err)
		return 1
	}
	defer func() { _ = b.Stop() }()

	*url = b.URL
	return m.Run()
}
