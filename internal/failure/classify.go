// Package failure classifies failed transfers and persists them to a
// retry file that a later run reads back.
package failure

import (
	"fmt"
	"regexp"
	"strings"

	"bulkxfer/internal/job"
)

// Category of a failure diagnostic
type Category string

const (
	Authentication Category = "Authentication"
	AccessDenied   Category = "AccessDenied"
	NotFound       Category = "NotFound"
	Timeout        Category = "Timeout"
	CommandSyntax  Category = "CommandSyntax"
	Network        Category = "Network"
	Other          Category = "Other"
)

// Rule maps diagnostic patterns to a category
type Rule struct {
	Category Category
	Patterns []*regexp.Regexp
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// DefaultRules is evaluated in order; the first matching rule wins.
var DefaultRules = []Rule{
	{Authentication, patterns(
		`unauthori[sz]ed`, `authentication`, `\b401\b`, `token (has )?expired`,
		`invalid (bearer )?token`, `login required`, `not authenticated`,
		`credential`, `auth(entication)? failed`,
	)},
	{AccessDenied, patterns(
		`access (is )?denied`, `permission denied`, `forbidden`, `\b403\b`,
		`not authorized`, `insufficient privileges`,
	)},
	{NotFound, patterns(
		`not found`, `no such file`, `does not exist`, `\b404\b`, `cannot find`,
	)},
	{Timeout, patterns(
		`timed? ?out`, `deadline exceeded`,
	)},
	{CommandSyntax, patterns(
		`usage:`, `unknown (option|flag|command)`, `invalid (option|argument)`,
		`syntax error`, `unrecognized`, `missing argument`,
	)},
	{Network, patterns(
		`connection (refused|reset|closed|aborted)`, `network`, `no route to host`,
		`\bdns\b`, `name resolution`, `broken pipe`, `unexpected eof`,
		`temporarily unavailable`, `tls handshake`, `\b50[234]\b`,
	)},
}

// Order lists every category in classification priority
var Order = []Category{Authentication, AccessDenied, NotFound, Timeout, CommandSyntax, Network, Other}

// Classifier applies an ordered rule table
type Classifier struct {
	Rules []Rule
}

// NewClassifier returns a classifier with DefaultRules
func NewClassifier() *Classifier {
	return &Classifier{Rules: DefaultRules}
}

// timeoutMarker is the last line the runner adds to the output of a killed invocation
var timeoutMarker = regexp.MustCompile(`(?:^|\n)timed out after \S+\s*$`)

// ClassifyMessage returns Timeout for a diagnostic ending with the runner's
// timeout line, otherwise the category of the first rule matching msg
func (c *Classifier) ClassifyMessage(msg string) Category {
	if timeoutMarker.MatchString(msg) {
		return Timeout
	}
	for _, rule := range c.Rules {
		for _, p := range rule.Patterns {
			if p.MatchString(msg) {
				return rule.Category
			}
		}
	}
	return Other
}

// Classify groups the failed jobs of a result set. The result set is not modified.
func (c *Classifier) Classify(rs *job.ResultSet) map[Category][]ErrorRecord {
	grouped := make(map[Category][]ErrorRecord)
	for _, j := range rs.Failed() {
		rec := Project(j)
		rec.Category = c.ClassifyMessage(j.Outcome.Message)
		grouped[rec.Category] = append(grouped[rec.Category], rec)
	}
	return grouped
}

var defaultClassifier = NewClassifier()

// ClassifyMessage classifies with DefaultRules
func ClassifyMessage(msg string) Category {
	return defaultClassifier.ClassifyMessage(msg)
}

// IsAuth reports whether a diagnostic looks like an authentication failure
func IsAuth(msg string) bool {
	return ClassifyMessage(msg) == Authentication
}

var alreadyExists = regexp.MustCompile(`(?i)already exists|file exists|exists already`)

// IsAlreadyExists reports whether a mkdir diagnostic means the directory is present
func IsAlreadyExists(msg string) bool {
	return alreadyExists.MatchString(msg)
}

// Flatten returns all records in category priority order
func Flatten(grouped map[Category][]ErrorRecord) []ErrorRecord {
	var out []ErrorRecord
	for _, cat := range Order {
		out = append(out, grouped[cat]...)
	}
	return out
}

// Summary renders one line per non-empty category in priority order
func Summary(grouped map[Category][]ErrorRecord) []string {
	var lines []string
	for _, cat := range Order {
		if n := len(grouped[cat]); n > 0 {
			lines = append(lines, fmt.Sprintf("%s: %d", cat, n))
		}
	}
	return lines
}

// SummaryLine joins Summary into a single line
func SummaryLine(grouped map[Category][]ErrorRecord) string {
	return strings.Join(Summary(grouped), ", ")
}
