package etcdstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
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
				Image:        "quay.io/coreos/etcd:v3.5.17",
				ExposedPorts: []string{"2379/tcp"},
				Cmd: []string{
					"etcd",
					"--listen-client-urls=http://0.0.0.0:2379",
					"--advertise-client-urls=http://0.0.0.0:2379",
				},
				WaitingFor: wait.ForListeningPort("2379/tcp"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, etcd tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connect(ctx); err != nil {
		fmt.Printf("etcd not reachable, etcd tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	// Small pages so Scan has to follow continuation.
	scanPageSize = 2

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
	port, err := testContainer.MappedPort(ctx, "2379")
	if err != nil {
		return err
	}
	testBackend, err = New(Config{Endpoints: []string{host + ":" + port.Port()}})
	if err != nil {
		return err
	}
	return testBackend.Ping(ctx)
}

func openBackend(t *testing.T) sessionstore.Backend {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping etcd integration test")
	}
	if _, err := testBackend.client.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
		t.Fatalf("clear etcd: %v", err)
	}
	return testBackend
}

func TestEtcdBackend(t *testing.T) {
	storetest.Run(t, openBackend)
}
