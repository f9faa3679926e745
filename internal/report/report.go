// Package report renders self-contained HTML reports of transfer phases.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"time"

	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"

	"github.com/dustin/go-humanize"
)

// Kind of report
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
	KindSummary  Kind = "summary"
)

// Stats aggregates the jobs of one or more result sets
type Stats struct {
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Bytes       int64
	TotalTime   time.Duration // summed transfer durations
	SuccessRate float64
	Failures    map[failure.Category]int
}

// SizeLabel renders Bytes
func (s Stats) SizeLabel() string { return humanize.IBytes(uint64(s.Bytes)) }

// Row is one per-file line of the results table
type Row struct {
	FileName     string
	Category     string
	RelativePath string
	Direction    string
	Status       string
	Size         string
	Duration     string
	Failure      string
	Message      string
}

// Compute builds the statistics of the given result sets
func Compute(sets ...*job.ResultSet) Stats {
	s := Stats{Failures: make(map[failure.Category]int)}
	for _, rs := range sets {
		if rs == nil {
			continue
		}
		c := rs.Counts()
		s.Total += c.Total
		s.Succeeded += c.Succeeded
		s.Failed += c.Failed
		s.Skipped += c.Skipped
		s.Bytes += c.Bytes
		for _, j := range rs.Jobs() {
			s.TotalTime += j.Outcome.Duration
			if j.Status == job.StatusFailed {
				s.Failures[failure.ClassifyMessage(j.Outcome.Message)]++
			}
		}
	}
	if done := s.Succeeded + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(done) * 100
	}
	return s
}

func rows(sets []*job.ResultSet) []Row {
	var out []Row
	for _, rs := range sets {
		if rs == nil {
			continue
		}
		for _, j := range rs.Jobs() {
			r := Row{
				FileName:     j.Record.FileName,
				Category:     j.Record.Category,
				RelativePath: j.Record.RelativePath,
				Direction:    string(j.Direction),
				Status:       string(j.Status),
				Size:         j.Outcome.SizeLabel,
				Duration:     j.Outcome.Duration.Round(time.Millisecond).String(),
				Message:      j.Outcome.Message,
			}
			if r.Size == "" {
				r.Size = j.Record.SizeLabel()
			}
			if j.Status == job.StatusFailed {
				r.Failure = string(failure.ClassifyMessage(j.Outcome.Message))
			}
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Status != out[b].Status {
			return out[a].Status == string(job.StatusFailed)
		}
		return out[a].RelativePath < out[b].RelativePath
	})
	return out
}

// Generator writes reports into Dir
type Generator struct {
	Dir   string
	RunID string
	now   func() time.Time
}

// NewGenerator creates a generator writing into dir
func NewGenerator(dir, runID string) *Generator {
	return &Generator{Dir: dir, RunID: runID, now: time.Now}
}

type page struct {
	Title     string
	RunID     string
	Generated string
	Stats     Stats
	Failures  []failureCount
	Rows      []Row
	Phases    []phaseRow
}

type failureCount struct {
	Category string
	Count    int
}

type phaseRow struct {
	Phase      string
	Duration   string
	Listed     int
	Downloaded int
	Uploaded   int
	Failed     int
	Skipped    int
	Size       string
	RetryFile  string
	Error      string
}

// Generate renders the report of a transfer phase and returns its path
func (g *Generator) Generate(kind Kind, sets ...*job.ResultSet) (string, error) {
	if kind == KindSummary {
		return "", fmt.Errorf("summary reports are built from phase summaries")
	}
	stats := Compute(sets...)
	p := page{
		Title: fmt.Sprintf("%s report", kind),
		Stats: stats,
		Rows:  rows(sets),
	}
	for _, cat := range failure.Order {
		if n := stats.Failures[cat]; n > 0 {
			p.Failures = append(p.Failures, failureCount{string(cat), n})
		}
	}
	return g.write(kind, p)
}

// GenerateSummary renders the overall report of a run. sets adds the
// per-file table of every transfer phase.
func (g *Generator) GenerateSummary(summaries []job.PhaseSummary, sets ...*job.ResultSet) (string, error) {
	p := page{
		Title: "run summary",
		Stats: Compute(sets...),
		Rows:  rows(sets),
	}
	for _, s := range summaries {
		pr := phaseRow{
			Phase:      s.Phase,
			Duration:   s.Duration.Round(time.Second).String(),
			Listed:     s.Listed,
			Downloaded: s.Downloaded,
			Uploaded:   s.Uploaded,
			Failed:     s.Failed,
			Skipped:    s.Skipped,
			Size:       humanize.IBytes(uint64(s.Bytes)),
			RetryFile:  s.RetryFile,
		}
		if s.Err != nil {
			pr.Error = s.Err.Error()
		}
		p.Phases = append(p.Phases, pr)
	}
	for _, cat := range failure.Order {
		if n := p.Stats.Failures[cat]; n > 0 {
			p.Failures = append(p.Failures, failureCount{string(cat), n})
		}
	}
	return g.write(KindSummary, p)
}

func (g *Generator) write(kind Kind, p page) (string, error) {
	now := g.now()
	p.RunID = g.RunID
	p.Generated = now.Format(time.RFC1123)

	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(g.Dir, fmt.Sprintf("%s_report_%s.html", kind, now.Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}
	if err := pageTemplate.Execute(f, p); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to render %s report: %w", kind, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close report: %w", err)
	}
	return path, nil
}

var pageTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.1f%%", f) },
}).Parse(pageHTML))
