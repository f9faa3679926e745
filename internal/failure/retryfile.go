package failure

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"bulkxfer/internal/job"
)

// Retry file column names
const (
	ColFileName       = "FileName"
	ColVcURL          = "VcUrl"
	ColDestinationURL = "DestinationUrl"
	ColRelativePath   = "RelativePath"
	ColCreationTime   = "CreationTime"
	ColSize           = "Size"
	ColOriginalError  = "OriginalError"
	ColLocalPath      = "LocalPath"
)

// ErrorRecord is the persisted projection of a failed job. Address is the
// remote source for downloads and the destination for uploads.
type ErrorRecord struct {
	FileName      string
	Address       string
	RelativePath  string
	CreationTime  string
	Size          string
	OriginalError string
	LocalPath     string

	Category Category // not persisted
}

// Project builds the ErrorRecord of a failed job
func Project(j job.Job) ErrorRecord {
	rec := ErrorRecord{
		FileName:      j.Record.FileName,
		RelativePath:  j.Record.RelativePath,
		OriginalError: j.Outcome.Message,
		LocalPath:     j.Record.LocalPath,
		Size:          "unknown",
	}
	if j.Direction == job.Upload {
		rec.Address = j.Record.DestinationAddress
	} else {
		rec.Address = j.Record.SourceAddress
	}
	if !j.Record.CreatedAt.IsZero() {
		rec.CreationTime = j.Record.CreatedAt.UTC().Format(time.RFC3339)
	}
	if j.Record.Size >= 0 {
		rec.Size = strconv.FormatInt(j.Record.Size, 10)
	}
	return rec
}

// NotStartedMessage is the OriginalError of jobs a cancelled run never started
const NotStartedMessage = "not started: run interrupted"

// NotStarted projects the jobs of rs that a cancelled run never started
func NotStarted(rs *job.ResultSet) []ErrorRecord {
	pending := rs.NotStarted()
	out := make([]ErrorRecord, 0, len(pending))
	for _, j := range pending {
		j.Outcome.Message = NotStartedMessage
		out = append(out, Project(j))
	}
	return out
}

// AddressColumn is the header of the address column for a direction
func AddressColumn(dir job.Direction) string {
	if dir == job.Upload {
		return ColDestinationURL
	}
	return ColVcURL
}

// RetryFileName is the timestamped file name of a retry file
func RetryFileName(dir job.Direction, now time.Time) string {
	return fmt.Sprintf("%s_errors_%s.csv", dir, now.Format("20060102_150405"))
}

// PersistRetryFile writes records as a retry file in dir and returns its path
func PersistRetryFile(dir string, direction job.Direction, records []ErrorRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create retry directory: %w", err)
	}
	path := filepath.Join(dir, RetryFileName(direction, time.Now()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create retry file: %w", err)
	}
	if err := WriteRecords(f, direction, records); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close retry file: %w", err)
	}
	return path, nil
}

// LatestRetryFile returns the newest retry file for direction in dir.
// Timestamped names sort chronologically.
func LatestRetryFile(dir string, direction job.Direction) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, string(direction)+"_errors_*.csv"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s retry file in %s", direction, dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// WriteRecords encodes records as CSV with a header row
func WriteRecords(w io.Writer, direction job.Direction, records []ErrorRecord) error {
	cw := csv.NewWriter(w)
	header := []string{ColFileName, AddressColumn(direction), ColRelativePath, ColCreationTime, ColSize, ColOriginalError, ColLocalPath}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write retry header: %w", err)
	}
	for _, r := range records {
		row := []string{r.FileName, r.Address, r.RelativePath, r.CreationTime, r.Size, r.OriginalError, r.LocalPath}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write retry record %s: %w", r.RelativePath, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ErrRetryFormat is returned when a retry file lacks a required column
var ErrRetryFormat = errors.New("invalid retry file")

// LoadRetryFile reads a retry file written by PersistRetryFile
func LoadRetryFile(path string) ([]ErrorRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open retry file: %w", err)
	}
	defer f.Close()
	return ReadRecords(f)
}

// ReadRecords decodes a retry file by header name. Either address column
// is accepted and LocalPath is optional.
func ReadRecords(r io.Reader) ([]ErrorRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrRetryFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read retry header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	addrCol, ok := idx[ColVcURL]
	if !ok {
		addrCol, ok = idx[ColDestinationURL]
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing %s or %s column", ErrRetryFormat, ColVcURL, ColDestinationURL)
	}
	for _, required := range []string{ColFileName, ColRelativePath} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("%w: missing %s column", ErrRetryFormat, required)
		}
	}

	field := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []ErrorRecord
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read retry record: %w", err)
		}
		rec := ErrorRecord{
			FileName:      field(row, ColFileName),
			RelativePath:  field(row, ColRelativePath),
			CreationTime:  field(row, ColCreationTime),
			Size:          field(row, ColSize),
			OriginalError: field(row, ColOriginalError),
			LocalPath:     field(row, ColLocalPath),
		}
		if addrCol < len(row) {
			rec.Address = row[addrCol]
		}
		records = append(records, rec)
	}
	return records, nil
}
