package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/failure"
	"bulkxfer/internal/job"
	"bulkxfer/internal/tool"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ToolConfig configures the external-tool transport
type ToolConfig struct {
	TextExtensions []string // transferred with -text, everything else with -binary
	ExpireDays     int      // adds -expire on uploads when positive
}

// ToolTransport copies files with the external tool, one invocation per job
type ToolTransport struct {
	invoker tool.Invoker
	config  ToolConfig
	text    map[string]bool
	logger  *zap.Logger

	remoteDirs sync.Map // remote directories known to exist
}

// NewToolTransport creates a transport running through invoker, normally
// the authentication chain.
func NewToolTransport(invoker tool.Invoker, config ToolConfig, logger *zap.Logger) *ToolTransport {
	text := make(map[string]bool, len(config.TextExtensions))
	for _, ext := range config.TextExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		text[ext] = true
	}
	return &ToolTransport{invoker: invoker, config: config, text: text, logger: logger}
}

// ModeFlag selects -text or -binary from the file extension
func (t *ToolTransport) ModeFlag(extension string) string {
	if t.text[strings.ToLower(extension)] {
		return "-text"
	}
	return "-binary"
}

// Transfer implements Transport
func (t *ToolTransport) Transfer(ctx context.Context, j *job.Job) (job.Outcome, error) {
	if err := t.prepare(ctx, j); err != nil {
		return job.Outcome{Message: err.Error(), ExitCode: -1}, err
	}

	args := []string{"copy", j.Source(), j.Target(), t.ModeFlag(j.Record.Extension)}
	if j.Direction == job.Upload && t.config.ExpireDays > 0 {
		args = append(args, "-expire", strconv.Itoa(t.config.ExpireDays))
	}

	res, err := t.invoker.Invoke(ctx, args...)
	var out job.Outcome
	if res != nil {
		out.Duration = res.Duration
		out.ExitCode = res.ExitCode
	}
	if err != nil {
		out.Message = diagnostic(res, err)
		return out, err
	}

	out.Bytes, out.SizeLabel = localSize(j)
	return out, nil
}

// prepare creates the target directory: locally for downloads, remotely
// once per directory for uploads.
func (t *ToolTransport) prepare(ctx context.Context, j *job.Job) error {
	if j.Direction == job.Download {
		if err := os.MkdirAll(filepath.Dir(j.Record.LocalPath), 0o755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		return nil
	}

	dir := remoteDir(j.Record.DestinationAddress)
	if _, ok := t.remoteDirs.Load(dir); ok {
		return nil
	}
	res, err := t.invoker.Invoke(ctx, "mkdir", dir)
	if err != nil {
		msg := diagnostic(res, err)
		if !failure.IsAlreadyExists(msg) {
			return fmt.Errorf("mkdir %s failed: %s", dir, msg)
		}
	}
	t.remoteDirs.Store(dir, struct{}{})
	t.logger.Debug("Destination directory ready", zap.String("dir", dir))
	return nil
}

// remoteDir returns the parent of address, keeping the scheme's "//" intact
func remoteDir(address string) string {
	if i := strings.LastIndex(address, "/"); i > 0 {
		return address[:i]
	}
	return address
}

// localSize inspects the staged file: the download's result or the upload's source
func localSize(j *job.Job) (int64, string) {
	if info, err := os.Stat(j.Record.LocalPath); err == nil && info.Mode().IsRegular() {
		return info.Size(), humanize.IBytes(uint64(info.Size()))
	}
	if j.Record.Size != catalog.UnknownSize {
		return j.Record.Size, j.Record.SizeLabel()
	}
	return 0, "unknown"
}

func diagnostic(res *tool.Result, err error) string {
	if res != nil {
		return res.Diagnostic()
	}
	return err.Error()
}
