//go:build integration

package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMinIO starts a MinIO container and returns a file store bound to it
func setupMinIO(t *testing.T) *S3FileStore {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("MinIO container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.S3Endpoint = "http://" + host + ":" + port.Port()
	cfg.S3AccessKey = "minioadmin"
	cfg.S3SecretKey = "minioadmin"
	cfg.S3Bucket = "audit-exports"
	cfg.S3UsePathStyle = true

	store, err := NewS3FileStore(ctx, cfg, "it", nil)
	require.NoError(t, err)
	return store
}

func TestS3FileStore_Integration(t *testing.T) {
	ctx := context.Background()
	store := setupMinIO(t)
	require.NoError(t, store.HealthCheck(ctx))

	body := `{"metadata":{},"events":[],"count":0}`
	require.NoError(t, store.Put(ctx, "exports/org-1/job-1.json", strings.NewReader(body), int64(len(body)), "application/json"))

	exists, err := store.Exists(ctx, "exports/org-1/job-1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := store.Open(ctx, "exports/org-1/job-1.json")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, body, string(data))

	require.NoError(t, store.Delete(ctx, "exports/org-1/job-1.json"))
	_, err = store.Open(ctx, "exports/org-1/job-1.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestObjectArchiver_S3Integration(t *testing.T) {
	ctx := context.Background()
	archiver := NewObjectArchiver(setupMinIO(t))

	e := sampleEvent(t, "org-1")
	require.NoError(t, archiver.Archive(ctx, e))

	restored, err := archiver.Restore(ctx, ArchiveKey("org-1", e))
	require.NoError(t, err)
	assert.Equal(t, e.Digest(), restored.Digest())
}
