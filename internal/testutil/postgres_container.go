package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// GetPostgresDSN starts a PostgreSQL container for the calling test and
// returns a pgx DSN for it. The container is removed when t finishes.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://flow:flow@%s:%s/flow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "flow",
			"POSTGRES_PASSWORD": "flow",
			"POSTGRES_DB":       "flow_test",
		}),
	)
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, postgresC)
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	return fmt.Sprintf("postgres://flow:flow@%s/flow_test?sslmode=disable", endpoint)
}
