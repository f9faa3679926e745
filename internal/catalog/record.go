// Package catalog enumerates the remote source with a single recursive
// listing and classifies every file into one category.
package catalog

import (
	"path"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// UnknownSize marks a record whose size was not reported by the listing
const UnknownSize int64 = -1

// FileRecord describes one catalogued file. Records are immutable once built.
type FileRecord struct {
	FileName     string
	Category     string
	RelativePath string
	Extension    string

	SourceAddress      string
	DestinationAddress string
	LocalPath          string

	CreatedAt  time.Time // zero when the name carries no timestamp
	Size       int64
	ModifiedAt time.Time
}

// SizeLabel renders the size for reports and list files
func (r FileRecord) SizeLabel() string {
	if r.Size < 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(r.Size))
}

// sizeField is the machine-readable size used in list files
func (r FileRecord) sizeField() string {
	if r.Size < 0 {
		return "unknown"
	}
	return strconv.FormatInt(r.Size, 10)
}

var namePrefix = regexp.MustCompile(`^(\d{8}_\d{4})_`)

// TimestampLayout is the layout of the creation-time prefix in file names
const TimestampLayout = "20060102_1504"

// ParseNameTimestamp extracts the creation time encoded as a
// YYYYMMDD_HHMM_ prefix of a file name. ok is false when the prefix is
// absent or does not form a valid time.
func ParseNameTimestamp(name string) (t time.Time, ok bool) {
	m := namePrefix.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(TimestampLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// OlderThan reports whether the record's creation time is known and before cutoff
func (r FileRecord) OlderThan(cutoff time.Time) bool {
	if r.CreatedAt.IsZero() {
		return false
	}
	return r.CreatedAt.Before(cutoff)
}

func extensionOf(name string) string {
	return path.Ext(name)
}
