package source

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"

	"go.uber.org/zap"
)

// FromRetryFile rebuilds the jobs recorded in a retry file. No age filter
// applies: a retry run processes exactly the files that failed.
type FromRetryFile struct {
	Path      string
	Direction job.Direction
	Resolver  *catalog.Resolver
	Logger    *zap.Logger

	dropped int
}

// Name implements JobSource
func (s *FromRetryFile) Name() string { return "retry file " + s.Path }

// Dropped is the number of records of the last Jobs call that could not
// be turned into a job
func (s *FromRetryFile) Dropped() int { return s.dropped }

// Jobs implements JobSource
func (s *FromRetryFile) Jobs(context.Context) ([]job.Job, error) {
	records, err := failure.LoadRetryFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryFile, err)
	}
	s.dropped = 0

	jobs := make([]job.Job, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, er := range records {
		rec, ok := s.rebuild(er)
		if !ok {
			s.dropped++
			continue
		}
		j := job.New(rec, s.Direction)
		if seen[j.Key()] {
			continue
		}
		seen[j.Key()] = true
		jobs = append(jobs, j)
	}

	if s.dropped > 0 {
		s.Logger.Warn("Dropped retry records that cannot be located",
			zap.String("path", s.Path),
			zap.Int("count", s.dropped),
		)
	}
	s.Logger.Info("Loaded retry file",
		zap.String("path", s.Path),
		zap.Int("records", len(records)),
		zap.Int("jobs", len(jobs)),
	)
	return jobs, nil
}

func (s *FromRetryFile) rebuild(er failure.ErrorRecord) (catalog.FileRecord, bool) {
	rel := strings.Trim(er.RelativePath, "/")
	if rel == "" {
		rel = s.relativeFromAddress(er.Address)
	}
	if rel == "" {
		s.Logger.Warn("Retry record has no relative path", zap.String("file_name", er.FileName))
		return catalog.FileRecord{}, false
	}

	_, categorized, _ := s.Resolver.Resolve(rel)
	rec := s.Resolver.RecordAnyCategory(rel, parseSize(er.Size))
	if er.FileName != "" {
		rec.FileName = er.FileName
		rec.Extension = path.Ext(er.FileName)
	}
	if t, err := time.Parse(time.RFC3339, er.CreationTime); err == nil {
		rec.CreatedAt = t
	}

	switch s.Direction {
	case job.Upload:
		if er.Address != "" {
			rec.DestinationAddress = er.Address
		}
		local, ok := s.locate(er, rel, rec.FileName)
		if !ok {
			s.Logger.Warn("Local file for retry not found",
				zap.String("relative_path", rel),
				zap.String("recorded_path", er.LocalPath),
			)
			return catalog.FileRecord{}, false
		}
		rec.LocalPath = local
	default:
		if er.Address != "" {
			rec.SourceAddress = er.Address
		}
		if !categorized && er.LocalPath != "" {
			rec.LocalPath = er.LocalPath
		}
	}
	return rec, true
}

// locate finds the staged file of an upload retry: the recorded local path
// first, then every staging location the file could have been written to.
func (s *FromRetryFile) locate(er failure.ErrorRecord, rel, fileName string) (string, bool) {
	if er.LocalPath != "" && isFile(er.LocalPath) {
		return er.LocalPath, true
	}
	for _, candidate := range s.Resolver.StagingCandidates(rel, fileName) {
		if isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (s *FromRetryFile) relativeFromAddress(address string) string {
	if address == "" {
		return ""
	}
	if rel, ok := s.Resolver.Relative(address); ok {
		return rel
	}
	root := strings.TrimSuffix(s.Resolver.DestinationRoot, "/") + "/"
	if root != "/" && strings.HasPrefix(address, root) {
		return strings.TrimPrefix(address, root)
	}
	return ""
}

func parseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return catalog.UnknownSize
	}
	return n
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
