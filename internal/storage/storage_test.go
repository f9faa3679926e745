package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/job"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		tls     bool
		wantErr bool
	}{
		{in: "localhost:9000", want: "localhost:9000"},
		{in: "http://localhost:9000", want: "localhost:9000"},
		{in: "https://s3.example.com/", want: "s3.example.com", tls: true},
		{in: "HTTPS://s3.example.com", want: "s3.example.com", tls: true},
		{in: "https://s3.example.com/bucket", wantErr: true},
		{in: "ftp://s3.example.com", wantErr: true},
		{in: "s3.example.com/bucket", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, tls, err := parseEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestPutObjectOptionsCarriesExpiry(t *testing.T) {
	expires := time.Date(2024, 3, 18, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	meta := map[string]string{"run-id": "r1"}

	got := putObjectOptions(PutOptions{ContentType: "text/plain", Metadata: meta, Expires: expires})
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, "Mon, 18 Mar 2024 08:30:00 GMT", got.UserMetadata["Expires"])
	assert.Equal(t, "r1", got.UserMetadata["run-id"])
	assert.NotContains(t, meta, "Expires", "caller metadata is not modified")

	got = putObjectOptions(PutOptions{})
	assert.NotContains(t, got.UserMetadata, "Expires")
}

type mockStore struct {
	PutFileFunc    func(ctx context.Context, bucket, key, filePath string, opts PutOptions) (int64, error)
	StatObjectFunc func(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

func (m *mockStore) PutFile(ctx context.Context, bucket, key, filePath string, opts PutOptions) (int64, error) {
	return m.PutFileFunc(ctx, bucket, key, filePath, opts)
}

func (m *mockStore) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	return m.StatObjectFunc(ctx, bucket, key)
}

func uploadJob() job.Job {
	return job.New(catalog.FileRecord{
		FileName:     "a.json",
		RelativePath: "data/logs/a.json",
		Extension:    ".json",
		LocalPath:    "/staging/logs/a.json",
		Size:         catalog.UnknownSize,
	}, job.Upload)
}

func TestS3TransportUpload(t *testing.T) {
	var gotKey, gotPath string
	var gotOpts PutOptions
	store := &mockStore{
		PutFileFunc: func(ctx context.Context, bucket, key, filePath string, opts PutOptions) (int64, error) {
			assert.Equal(t, "backup", bucket)
			gotKey, gotPath, gotOpts = key, filePath, opts
			return 10, nil
		},
		StatObjectFunc: func(ctx context.Context, bucket, key string) (ObjectInfo, error) {
			return ObjectInfo{Key: key, Size: 2048}, nil
		},
	}
	tr := NewS3Transport(store, Config{Bucket: "backup", Prefix: "/archive/"}, 3, zaptest.NewLogger(t))
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	j := uploadJob()
	out, err := tr.Transfer(context.Background(), &j)
	require.NoError(t, err)

	assert.Equal(t, "archive/data/logs/a.json", gotKey)
	assert.Equal(t, "/staging/logs/a.json", gotPath)
	assert.Equal(t, "application/json", gotOpts.ContentType)
	assert.Equal(t, fixed.AddDate(0, 0, 3), gotOpts.Expires)
	assert.Equal(t, int64(2048), out.Bytes)
	assert.Equal(t, "2.0 KiB", out.SizeLabel)
}

func TestS3TransportFailure(t *testing.T) {
	store := &mockStore{
		PutFileFunc: func(ctx context.Context, bucket, key, filePath string, opts PutOptions) (int64, error) {
			return 0, errors.New("Access Denied")
		},
	}
	tr := NewS3Transport(store, Config{Bucket: "backup"}, 0, zaptest.NewLogger(t))

	j := uploadJob()
	out, err := tr.Transfer(context.Background(), &j)
	require.Error(t, err)
	assert.Equal(t, "put s3://backup/data/logs/a.json failed: Access Denied", out.Message)

	d := job.New(catalog.FileRecord{}, job.Download)
	_, err = tr.Transfer(context.Background(), &d)
	assert.ErrorIs(t, err, ErrNotUpload)
}
