// Package storage uploads staged files to an S3-compatible destination.
package storage

import (
	"context"
	"time"
)

// ObjectStore is the subset of S3 operations the upload transport needs
type ObjectStore interface {
	PutFile(ctx context.Context, bucket, key, filePath string, opts PutOptions) (int64, error)
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	Expires     time.Time // zero for no expiry
}

// Config contains client configuration
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}
