package catalog

import (
	"path"
	"path/filepath"
	"strings"
)

// Rule maps a path prefix below the source root to a category
type Rule struct {
	Name    string   `yaml:"name"`
	Prefix  string   `yaml:"prefix"`
	Exclude []string `yaml:"exclude"`
}

// Match is the result of resolving a relative path against the rules
type Match struct {
	Rule      Rule
	Remainder string // the part of the path below the rule prefix
}

// Resolver classifies relative paths and derives addresses and staging paths
type Resolver struct {
	Rules           []Rule
	SourceRoot      string
	DestinationRoot string
	StagingDir      string
}

// UncategorizedDir holds staged files whose path matches no rule
const UncategorizedDir = "uncategorized"

// Resolve selects the rule with the longest prefix matching rel. excluded
// is true when that rule's exclude patterns reject the path; shorter rules
// are not consulted in that case.
func (r *Resolver) Resolve(rel string) (m Match, ok bool, excluded bool) {
	rel = cleanRel(rel)
	best := -1
	bestLen := -1
	for i, rule := range r.Rules {
		prefix := cleanRel(rule.Prefix)
		if !hasPathPrefix(rel, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = i, len(prefix)
		}
	}
	if best < 0 {
		return Match{}, false, false
	}

	rule := r.Rules[best]
	remainder := strings.TrimPrefix(strings.TrimPrefix(rel, cleanRel(rule.Prefix)), "/")
	if excludedBy(rule, remainder) {
		return Match{}, false, true
	}
	return Match{Rule: rule, Remainder: remainder}, true, false
}

func excludedBy(rule Rule, remainder string) bool {
	if len(rule.Exclude) == 0 {
		return false
	}
	for _, seg := range strings.Split(remainder, "/") {
		if seg == "" {
			continue
		}
		for _, pattern := range rule.Exclude {
			if ok, _ := path.Match(pattern, seg); ok {
				return true
			}
		}
	}
	return false
}

// hasPathPrefix matches on segment boundaries; an empty prefix matches everything
func hasPathPrefix(rel, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(rel, prefix) {
		return false
	}
	return len(rel) == len(prefix) || rel[len(prefix)] == '/'
}

func cleanRel(p string) string {
	return strings.Trim(p, "/")
}

// Relative returns the path of address below the source root
func (r *Resolver) Relative(address string) (string, bool) {
	root := strings.TrimSuffix(r.SourceRoot, "/")
	if !strings.HasPrefix(address, root+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(address, root+"/")
	if rel == "" {
		return "", false
	}
	return rel, true
}

// SourceAddress rebuilds the remote source address of a relative path
func (r *Resolver) SourceAddress(rel string) string {
	return joinAddress(r.SourceRoot, rel)
}

// DestinationAddress builds the destination address of a relative path
func (r *Resolver) DestinationAddress(rel string) string {
	return joinAddress(r.DestinationRoot, rel)
}

// LocalPath is where a file of the given category is staged
func (r *Resolver) LocalPath(category, remainder string) string {
	if category == "" {
		category = UncategorizedDir
	}
	return filepath.Join(r.StagingDir, category, filepath.FromSlash(remainder))
}

// Record builds a FileRecord for a relative path. ok is false when the
// path matches no rule or is excluded.
func (r *Resolver) Record(rel string, size int64) (FileRecord, bool) {
	m, ok, _ := r.Resolve(rel)
	if !ok {
		return FileRecord{}, false
	}
	return r.build(rel, m.Rule.Name, m.Remainder, size), true
}

// RecordAnyCategory builds a FileRecord even when no rule matches, staging
// the file under UncategorizedDir.
func (r *Resolver) RecordAnyCategory(rel string, size int64) FileRecord {
	if rec, ok := r.Record(rel, size); ok {
		return rec
	}
	return r.build(rel, "", cleanRel(rel), size)
}

func (r *Resolver) build(rel, category, remainder string, size int64) FileRecord {
	rel = cleanRel(rel)
	name := path.Base(rel)
	rec := FileRecord{
		FileName:           name,
		Category:           category,
		RelativePath:       rel,
		Extension:          extensionOf(name),
		SourceAddress:      r.SourceAddress(rel),
		DestinationAddress: r.DestinationAddress(rel),
		LocalPath:          r.LocalPath(category, remainder),
		Size:               size,
	}
	if t, ok := ParseNameTimestamp(name); ok {
		rec.CreatedAt = t
	}
	return rec
}

// StagingCandidates lists the local paths tried for a file when its
// staging location was not recorded, in the order they are tried.
func (r *Resolver) StagingCandidates(rel, fileName string) []string {
	rel = cleanRel(rel)
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	if m, ok, _ := r.Resolve(rel); ok {
		add(r.LocalPath(m.Rule.Name, m.Remainder))
	}
	for _, rule := range r.Rules {
		prefix := cleanRel(rule.Prefix)
		if hasPathPrefix(rel, prefix) {
			add(r.LocalPath(rule.Name, strings.TrimPrefix(strings.TrimPrefix(rel, prefix), "/")))
		}
		add(r.LocalPath(rule.Name, fileName))
	}
	add(r.LocalPath("", rel))
	add(r.LocalPath("", fileName))
	return out
}

// Categories returns the configured category names in rule order
func (r *Resolver) Categories() []string {
	names := make([]string, 0, len(r.Rules))
	for _, rule := range r.Rules {
		names = append(names, rule.Name)
	}
	return names
}

func joinAddress(root, rel string) string {
	return strings.TrimSuffix(root, "/") + "/" + cleanRel(rel)
}
