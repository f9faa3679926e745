package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient implements ObjectStore using minio-go
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient connects to the S3 endpoint of cfg. An https:// endpoint
// turns on TLS regardless of cfg.Secure.
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	host, tls, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure || tls,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client}, nil
}

// parseEndpoint accepts host[:port] or a scheme://host[:port] URL without
// a path and reports whether the scheme asks for TLS
func parseEndpoint(endpoint string) (host string, tls bool, err error) {
	if endpoint == "" {
		return "", false, errors.New("endpoint cannot be empty")
	}

	scheme, rest, found := strings.Cut(endpoint, "://")
	if !found {
		if strings.Contains(endpoint, "/") {
			return "", false, errors.New("endpoint contains path but no protocol")
		}
		return endpoint, false, nil
	}

	switch strings.ToLower(scheme) {
	case "http":
	case "https":
		tls = true
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}

	u, err := url.Parse(scheme + "://" + rest)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, fmt.Errorf("endpoint URL cannot have a path (got %s)", u.Path)
	}
	return u.Host, tls, nil
}

// PutFile uploads a local file and returns the number of bytes stored
func (c *MinIOClient) PutFile(ctx context.Context, bucket, key, filePath string, opts PutOptions) (int64, error) {
	info, err := c.client.FPutObject(ctx, bucket, key, filePath, putObjectOptions(opts))
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// putObjectOptions maps PutOptions onto minio-go. The expiry travels as
// the standard Expires header, which minio-go sends unprefixed when it is
// part of UserMetadata.
func putObjectOptions(opts PutOptions) minio.PutObjectOptions {
	meta := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if !opts.Expires.IsZero() {
		meta["Expires"] = opts.Expires.UTC().Format(http.TimeFormat)
	}
	return minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: meta,
	}
}

// StatObject gets object metadata
func (c *MinIOClient) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}, nil
}
