package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"bulkxfer/internal/job"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ErrNotUpload is returned for a job the S3 transport cannot carry
var ErrNotUpload = errors.New("s3 destination only supports uploads")

// S3Transport uploads staged files straight to a bucket instead of going
// through the external tool
type S3Transport struct {
	store      ObjectStore
	bucket     string
	prefix     string
	expireDays int
	logger     *zap.Logger
	now        func() time.Time
}

// NewS3Transport creates the upload transport for cfg.Bucket
func NewS3Transport(store ObjectStore, cfg Config, expireDays int, logger *zap.Logger) *S3Transport {
	return &S3Transport{
		store:      store,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		expireDays: expireDays,
		logger:     logger,
		now:        time.Now,
	}
}

// Key is the object key of a relative path
func (t *S3Transport) Key(relativePath string) string {
	rel := strings.Trim(relativePath, "/")
	if t.prefix == "" {
		return rel
	}
	return path.Join(t.prefix, rel)
}

// Transfer implements worker.Transport
func (t *S3Transport) Transfer(ctx context.Context, j *job.Job) (job.Outcome, error) {
	if j.Direction != job.Upload {
		return job.Outcome{Message: ErrNotUpload.Error(), ExitCode: -1}, ErrNotUpload
	}

	key := t.Key(j.Record.RelativePath)
	opts := PutOptions{
		ContentType: mime.TypeByExtension(j.Record.Extension),
		Metadata:    map[string]string{"relative-path": j.Record.RelativePath},
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	if t.expireDays > 0 {
		opts.Expires = t.now().AddDate(0, 0, t.expireDays)
	}

	start := time.Now()
	n, err := t.store.PutFile(ctx, t.bucket, key, j.Record.LocalPath, opts)
	out := job.Outcome{Duration: time.Since(start)}
	if err != nil {
		out.ExitCode = -1
		out.Message = fmt.Sprintf("put s3://%s/%s failed: %v", t.bucket, key, err)
		return out, err
	}

	// the stored object is the authority on the transferred size
	if info, err := t.store.StatObject(ctx, t.bucket, key); err == nil {
		n = info.Size
	} else {
		t.logger.Debug("Stat after upload failed", zap.String("key", key), zap.Error(err))
	}
	out.Bytes = n
	out.SizeLabel = humanize.IBytes(uint64(n))
	return out, nil
}
