package source

import (
	"context"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/job"

	"go.uber.org/zap"
)

// FromFileList reads a detailed list file saved by an earlier list phase
// and reclassifies every entry against the current rules.
type FromFileList struct {
	Path       string
	Direction  job.Direction
	Resolver   *catalog.Resolver
	Categories []string
	DaysBack   int
	Now        func() time.Time
	Logger     *zap.Logger

	dropped int
}

// Name implements JobSource
func (s *FromFileList) Name() string { return "file list " + s.Path }

// Dropped is the number of entries of the last Jobs call that were
// malformed, matched no rule or were excluded
func (s *FromFileList) Dropped() int { return s.dropped }

// Jobs implements JobSource
func (s *FromFileList) Jobs(context.Context) ([]job.Job, error) {
	entries, skipped, err := catalog.ReadListFile(s.Path)
	if err != nil {
		return nil, err
	}
	s.dropped = skipped

	records := make([]catalog.FileRecord, 0, len(entries))
	for _, e := range entries {
		rec, ok := s.Resolver.Record(e.RelativePath, e.Size)
		if !ok {
			s.dropped++
			continue
		}
		if !allowed(s.Categories, rec.Category) {
			continue
		}
		if !e.CreatedAt.IsZero() {
			rec.CreatedAt = e.CreatedAt
		}
		rec.ModifiedAt = e.ModifiedAt
		records = append(records, rec)
	}

	if s.dropped > 0 {
		s.Logger.Warn("Skipped unusable list entries",
			zap.String("path", s.Path),
			zap.Int("count", s.dropped),
		)
	}
	return job.FromRecords(keepRecent(records, s.DaysBack, s.Now), s.Direction), nil
}
