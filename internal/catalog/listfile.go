package catalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const listFields = 7

// Detailed list fields are '|'-separated; the separator, line breaks and
// the escape character itself are percent-encoded inside a field.
var (
	fieldEscaper   = strings.NewReplacer("%", "%25", "|", "%7C", "\n", "%0A", "\r", "%0D")
	fieldUnescaper = strings.NewReplacer("%25", "%", "%7C", "|", "%7c", "|", "%0A", "\n", "%0a", "\n", "%0D", "\r", "%0d", "\r")
)

// ListEntry is one parsed line of a detailed list file
type ListEntry struct {
	Address      string
	FileName     string
	RelativePath string
	Extension    string
	CreatedAt    time.Time
	Size         int64
	ModifiedAt   time.Time
}

// WriteListFiles persists the catalog: per category a detailed and a
// simple file for both the source and the destination address forms, plus
// catalog_detailed.txt covering every category. It returns the paths written.
func WriteListFiles(dir string, cat *Catalog) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create list directory: %w", err)
	}

	var written []string
	write := func(name string, records []FileRecord, line func(FileRecord) string) error {
		p := filepath.Join(dir, name)
		if err := writeLines(p, records, line); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		written = append(written, p)
		return nil
	}

	for _, category := range cat.Categories() {
		records := cat.ByCategory[category]
		if err := write(category+"_source_detailed.txt", records, sourceDetailed); err != nil {
			return written, err
		}
		if err := write(category+"_source.txt", records, func(r FileRecord) string { return r.SourceAddress }); err != nil {
			return written, err
		}
		if err := write(category+"_destination_detailed.txt", records, destinationDetailed); err != nil {
			return written, err
		}
		if err := write(category+"_destination.txt", records, func(r FileRecord) string { return r.DestinationAddress }); err != nil {
			return written, err
		}
	}
	if err := write("catalog_detailed.txt", cat.Records, sourceDetailed); err != nil {
		return written, err
	}
	return written, nil
}

func sourceDetailed(r FileRecord) string {
	return detailedLine(r.SourceAddress, r)
}

func destinationDetailed(r FileRecord) string {
	return detailedLine(r.DestinationAddress, r)
}

func detailedLine(address string, r FileRecord) string {
	fields := []string{
		address,
		r.FileName,
		r.RelativePath,
		r.Extension,
		formatTime(r.CreatedAt),
		r.sizeField(),
		formatTime(r.ModifiedAt),
	}
	for i, f := range fields {
		fields[i] = fieldEscaper.Replace(f)
	}
	return strings.Join(fields, "|")
}

func writeLines(path string, records []FileRecord, line func(FileRecord) string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		if _, err := w.WriteString(line(r) + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadListFile parses a detailed list file. Lines with the wrong number of
// fields or an empty relative path are skipped and counted.
func ReadListFile(path string) (entries []ListEntry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open list file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != listFields || fields[2] == "" {
			skipped++
			continue
		}
		for i, f := range fields {
			fields[i] = fieldUnescaper.Replace(f)
		}
		entry := ListEntry{
			Address:      fields[0],
			FileName:     fields[1],
			RelativePath: fields[2],
			Extension:    fields[3],
			CreatedAt:    parseTime(fields[4]),
			Size:         UnknownSize,
			ModifiedAt:   parseTime(fields[6]),
		}
		if n, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			entry.Size = n
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("failed to read list file: %w", err)
	}
	return entries, skipped, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
