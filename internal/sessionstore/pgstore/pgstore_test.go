package pgstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"pkt.systems/moorage/internal/sessionstore"
	"pkt.systems/moorage/internal/sessionstore/storetest"
)

var (
	testBackend     *Backend
	testContainer   testcontainers.Container
	skipIntegration bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "moorage",
					"POSTGRES_PASSWORD": "moorage",
					"POSTGRES_DB":       "moorage",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, postgres tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connect(ctx); err != nil {
		fmt.Printf("Postgres not reachable, postgres tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testBackend != nil {
		_ = testBackend.Close()
	}
	if testContainer != nil {
		_ = testContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connect(ctx context.Context) error {
	host, err := testContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testContainer.MappedPort(ctx, "5432")
	if err != nil {
		return err
	}
	dsn := fmt.Sprintf("postgres://moorage:moorage@%s:%s/moorage?sslmode=disable", host, port.Port())
	testBackend, err = New(ctx, Config{DSN: dsn})
	return err
}

func openBackend(t *testing.T) sessionstore.Backend {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping postgres integration test")
	}
	if _, err := testBackend.pool.Exec(context.Background(), `TRUNCATE `+testBackend.table); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return testBackend
}

func TestPostgresBackend(t *testing.T) {
	storetest.Run(t, openBackend)
}

func TestPostgresVersionsNeverRepeatAcrossRecreate(t *testing.T) {
	b := openBackend(t)
	ctx := context.Background()
	put := func() {
		t.Helper()
		err := b.Update(ctx, "k", func([]byte, bool) ([]byte, sessionstore.Action, error) {
			return []byte(`{"n":1}`), sessionstore.Put, nil
		})
		if err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	version := func() int64 {
		t.Helper()
		var v int64
		if err := testBackend.pool.QueryRow(ctx, `SELECT version FROM `+testBackend.table+` WHERE key = 'k'`).Scan(&v); err != nil {
			t.Fatalf("version: %v", err)
		}
		return v
	}

	put()
	first := version()
	if err := b.Update(ctx, "k", func([]byte, bool) ([]byte, sessionstore.Action, error) {
		return nil, sessionstore.Delete, nil
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	put()
	if second := version(); second <= first {
		t.Fatalf("recreated version %d not above %d", second, first)
	}
}

func TestPostgresRejectsBadTableName(t *testing.T) {
	if _, err := New(context.Background(), Config{DSN: "postgres://localhost/x", Table: "bad;drop"}); err == nil {
		t.Fatalf("expected invalid table error")
	}
}
