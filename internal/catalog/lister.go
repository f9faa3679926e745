package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"bulkxfer/internal/tool"

	"go.uber.org/zap"
)

// ErrListing is returned when the recursive listing itself fails
var ErrListing = errors.New("catalog listing failed")

// Catalog is the classified result of one listing
type Catalog struct {
	Records    []FileRecord
	ByCategory map[string][]FileRecord

	Streams   int // stream record lines seen
	Malformed int
	Excluded  int
	Unmatched int
	Filtered  int // dropped by the category allow-list
}

// Categories returns the categories present, sorted
func (c *Catalog) Categories() []string {
	names := make([]string, 0, len(c.ByCategory))
	for name := range c.ByCategory {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lister runs the recursive listing and builds the catalog
type Lister struct {
	invoker  tool.Invoker
	resolver *Resolver
	logger   *zap.Logger
}

// NewLister creates a lister
func NewLister(invoker tool.Invoker, resolver *Resolver, logger *zap.Logger) *Lister {
	return &Lister{invoker: invoker, resolver: resolver, logger: logger}
}

var streamLine = regexp.MustCompile(`^\s*Stream\s*:?\s+(\S+)(?:\s+(\d+))?\s*$`)

// ListCatalog issues one recursive listing of the source root and returns
// the records whose category is in categoryFilters (all when empty).
func (l *Lister) ListCatalog(ctx context.Context, categoryFilters []string) (*Catalog, error) {
	l.logger.Info("Listing source",
		zap.String("root", l.resolver.SourceRoot),
		zap.Strings("categories", categoryFilters),
	)

	res, err := l.invoker.Invoke(ctx, "list", "-R", l.resolver.SourceRoot)
	if err != nil {
		detail := err.Error()
		if res != nil {
			detail = res.Diagnostic()
		}
		return nil, fmt.Errorf("%w: %s", ErrListing, detail)
	}

	cat, err := l.Parse(res.Stdout, categoryFilters)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Finished listing source",
		zap.Int("streams", cat.Streams),
		zap.Int("records", len(cat.Records)),
		zap.Int("malformed", cat.Malformed),
		zap.Int("excluded", cat.Excluded),
		zap.Int("unmatched", cat.Unmatched),
		zap.Int("filtered", cat.Filtered),
	)
	return cat, nil
}

// Parse classifies listing output. It never fails on individual lines.
func (l *Lister) Parse(output string, categoryFilters []string) (*Catalog, error) {
	allow := make(map[string]bool, len(categoryFilters))
	for _, c := range categoryFilters {
		allow[strings.ToLower(c)] = true
	}

	cat := &Catalog{ByCategory: make(map[string][]FileRecord)}
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(strings.TrimSpace(line), "Stream") {
			continue
		}
		cat.Streams++

		address, size, ok := parseStreamLine(line)
		if !ok {
			cat.Malformed++
			l.logger.Debug("Skipping malformed stream line", zap.String("line", line))
			continue
		}
		rel, ok := l.resolver.Relative(address)
		if !ok || strings.HasSuffix(rel, "/") {
			cat.Malformed++
			l.logger.Debug("Skipping stream outside source root", zap.String("address", address))
			continue
		}

		m, matched, excluded := l.resolver.Resolve(rel)
		switch {
		case excluded:
			cat.Excluded++
			continue
		case !matched:
			cat.Unmatched++
			continue
		}
		if len(allow) > 0 && !allow[strings.ToLower(m.Rule.Name)] {
			cat.Filtered++
			continue
		}

		rec := l.resolver.build(rel, m.Rule.Name, m.Remainder, size)
		cat.Records = append(cat.Records, rec)
		cat.ByCategory[rec.Category] = append(cat.ByCategory[rec.Category], rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read listing output: %w", err)
	}
	return cat, nil
}

func parseStreamLine(line string) (address string, size int64, ok bool) {
	m := streamLine.FindStringSubmatch(line)
	if m == nil {
		return "", 0, false
	}
	size = UnknownSize
	if m[2] != "" {
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return "", 0, false
		}
		size = n
	}
	return m[1], size, true
}
