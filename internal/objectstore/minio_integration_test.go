//go:build integration

package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharedrop/internal/files"
)

// TestMinioPresignedRoundTrip uploads through a presigned PUT, probes the
// object and downloads it through a presigned GET. Requires Docker.
func TestMinioPresignedRoundTrip(t *testing.T) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("could not connect to docker: %v", err)
	}

	tag := os.Getenv("SDR_MINIO_TEST_TAG")
	if tag == "" {
		tag = "RELEASE.2024-01-31T20-20-33Z"
	}
	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "minio/minio",
		Tag:        tag,
		Cmd:        []string{"server", "/data"},
		Env: []string{
			"MINIO_ROOT_USER=minio",
			"MINIO_ROOT_PASSWORD=minio123",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
	})
	if err != nil {
		t.Fatalf("could not start minio: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(res) })

	endpoint := "localhost:" + res.GetPort("9000/tcp")
	if err := pool.Retry(func() error {
		resp, err := http.Get("http://" + endpoint + "/minio/health/live")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("minio not ready: %d", resp.StatusCode)
		}
		return nil
	}); err != nil {
		t.Fatalf("minio not ready: %v", err)
	}

	ctx := context.Background()
	mc, err := minio.New(endpoint, &minio.Options{Creds: credentials.NewStaticV4("minio", "minio123", "")})
	require.NoError(t, err)
	require.NoError(t, mc.MakeBucket(ctx, "sharedrop", minio.MakeBucketOptions{}))

	s, err := NewMinio(ctx, Config{
		Endpoint:  "http://" + endpoint,
		Bucket:    "sharedrop",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	_, err = s.HeadObject(ctx, "uploads/alice/f1")
	require.ErrorIs(t, err, files.ErrObjectMissing)

	putURL, err := s.SignPut(ctx, "uploads/alice/f1", "text/plain", 5*time.Minute)
	require.NoError(t, err)

	payload := []byte("hello world")
	req, err := http.NewRequest(http.MethodPut, putURL, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info, err := s.HeadObject(ctx, "uploads/alice/f1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)

	getURL, err := s.SignGet(ctx, "uploads/alice/f1", time.Minute)
	require.NoError(t, err)
	resp, err = http.Get(getURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
