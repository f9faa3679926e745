package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"bulkxfer/internal/catalog"
	"bulkxfer/internal/storage"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Phase names
const (
	PhaseList     = "list"
	PhaseDownload = "download"
	PhaseUpload   = "upload"
)

// Destination kinds
const (
	DestinationTool = "tool"
	DestinationS3   = "s3"
)

var phaseOrder = []string{PhaseList, PhaseDownload, PhaseUpload}

// Config represents the application configuration
type Config struct {
	Tool        ToolConfig        `yaml:"tool"`
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	Auth        AuthConfig        `yaml:"auth"`
	Categories  []catalog.Rule    `yaml:"categories"`
	Run         RunConfig         `yaml:"run"`
	LogLevel    string            `yaml:"log_level"`
	MetricsAddr string            `yaml:"metrics_addr"`
}

// ToolConfig describes the external transfer tool
type ToolConfig struct {
	Path           string        `yaml:"path"`
	Timeout        time.Duration `yaml:"timeout"`
	ListTimeout    time.Duration `yaml:"list_timeout"`
	TextExtensions []string      `yaml:"text_extensions"`
	ExpireDays     int           `yaml:"expire_days"`
}

// SourceConfig locates the remote data store
type SourceConfig struct {
	Root string `yaml:"root"`
}

// DestinationConfig selects where uploads go
type DestinationConfig struct {
	Kind string         `yaml:"kind"`
	Root string         `yaml:"root"`
	S3   storage.Config `yaml:"s3"`
}

// AuthConfig configures token acquisition and the strategy chain
type AuthConfig struct {
	UseToken     bool          `yaml:"use_token"`
	TokenCommand []string      `yaml:"token_command"`
	TokenEnv     string        `yaml:"token_env"`
	RefreshAfter time.Duration `yaml:"refresh_after"`
	User         string        `yaml:"user"`
	TokenDir     string        `yaml:"token_dir"`
}

// RunConfig holds the per-invocation parameters
type RunConfig struct {
	Phases           []string      `yaml:"phases"`
	Categories       []string      `yaml:"categories"`
	Threads          int           `yaml:"threads"`
	InputFile        string        `yaml:"input_file"`
	ErrorFile        string        `yaml:"error_file"`
	Retry            bool          `yaml:"retry"`
	DaysBack         int           `yaml:"days_back"`
	StagingDir       string        `yaml:"staging_dir"`
	OutputDir        string        `yaml:"output_dir"`
	ShowProgress     bool          `yaml:"show_progress"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	Ledger           string        `yaml:"ledger"`
	SkipCompleted    bool          `yaml:"skip_completed"`
	SkipExisting     bool          `yaml:"skip_existing"`
	GracePeriod      time.Duration `yaml:"grace_period"`
}

// Default returns the configuration before any file or flag is applied
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Tool: ToolConfig{
			Timeout:        30 * time.Minute,
			ListTimeout:    2 * time.Hour,
			TextExtensions: []string{".txt", ".log", ".csv", ".json", ".xml", ".yaml", ".yml"},
		},
		Destination: DestinationConfig{Kind: DestinationTool},
		Auth: AuthConfig{
			RefreshAfter: 50 * time.Minute,
		},
		Run: RunConfig{
			Phases:           []string{PhaseList, PhaseDownload, PhaseUpload},
			Threads:          8,
			StagingDir:       "./staging",
			OutputDir:        "./output",
			ShowProgress:     true,
			ProgressInterval: 5 * time.Second,
			GracePeriod:      30 * time.Second,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg.Run.Phases = normalizePhases(cfg.Run.Phases)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// RegisterFlags adds the run flags. Flag values only override the file
// when they are set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.StringSlice("phase", d.Run.Phases, "Phases to run: list, download, upload or all")
	fs.StringSlice("category", nil, "Only transfer these categories (default all)")
	fs.Int("threads", d.Run.Threads, "Number of concurrent transfers")
	fs.String("input-file", "", "Saved list file to build jobs from instead of listing")
	fs.String("destination", d.Destination.Kind, "Destination kind (tool/s3)")
	fs.String("error-file", "", "Retry file for retry mode (default latest in output dir)")
	fs.Bool("retry", false, "Retry the files recorded in a retry file")
	fs.Bool("use-token", false, "Start with managed-token authentication")
	fs.Int("days-back", 0, "Skip files created more than this many days ago (0 disables)")

	fs.String("tool", "", "Path of the transfer tool")
	fs.String("user", "", "User id for interactive authentication")
	fs.String("staging-dir", d.Run.StagingDir, "Local staging directory")
	fs.String("output-dir", d.Run.OutputDir, "Directory for list files, retry files and reports")
	fs.String("ledger", "", "SQLite ledger of transfer outcomes (disabled when empty)")
	fs.Bool("skip-completed", false, "Skip files the ledger records as transferred")
	fs.Bool("skip-existing", false, "Skip downloads already staged with the same size")

	fs.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
	fs.Bool("show-progress", d.Run.ShowProgress, "Show the live progress line")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("phase") {
		cfg.Run.Phases, _ = flags.GetStringSlice("phase")
	}
	if flags.Changed("category") {
		cfg.Run.Categories, _ = flags.GetStringSlice("category")
	}
	if flags.Changed("threads") {
		cfg.Run.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("input-file") {
		cfg.Run.InputFile, _ = flags.GetString("input-file")
	}
	if flags.Changed("destination") {
		cfg.Destination.Kind, _ = flags.GetString("destination")
	}
	if flags.Changed("error-file") {
		cfg.Run.ErrorFile, _ = flags.GetString("error-file")
	}
	if flags.Changed("retry") {
		cfg.Run.Retry, _ = flags.GetBool("retry")
	}
	if flags.Changed("use-token") {
		cfg.Auth.UseToken, _ = flags.GetBool("use-token")
	}
	if flags.Changed("days-back") {
		cfg.Run.DaysBack, _ = flags.GetInt("days-back")
	}

	if flags.Changed("tool") {
		cfg.Tool.Path, _ = flags.GetString("tool")
	}
	if flags.Changed("user") {
		cfg.Auth.User, _ = flags.GetString("user")
	}
	if flags.Changed("staging-dir") {
		cfg.Run.StagingDir, _ = flags.GetString("staging-dir")
	}
	if flags.Changed("output-dir") {
		cfg.Run.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("ledger") {
		cfg.Run.Ledger, _ = flags.GetString("ledger")
	}
	if flags.Changed("skip-completed") {
		cfg.Run.SkipCompleted, _ = flags.GetBool("skip-completed")
	}
	if flags.Changed("skip-existing") {
		cfg.Run.SkipExisting, _ = flags.GetBool("skip-existing")
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("show-progress") {
		cfg.Run.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

// normalizePhases lowercases, expands "all" and sorts into execution order
func normalizePhases(phases []string) []string {
	want := make(map[string]bool)
	var unknown []string
	for _, p := range phases {
		p = strings.ToLower(strings.TrimSpace(p))
		switch p {
		case "":
		case "all":
			for _, name := range phaseOrder {
				want[name] = true
			}
		case PhaseList, PhaseDownload, PhaseUpload:
			want[p] = true
		default:
			unknown = append(unknown, p)
		}
	}
	out := make([]string, 0, len(phaseOrder)+len(unknown))
	for _, name := range phaseOrder {
		if want[name] {
			out = append(out, name)
		}
	}
	return append(out, unknown...)
}

// HasPhase reports whether the run includes phase
func (c *Config) HasPhase(phase string) bool {
	for _, p := range c.Run.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Resolver builds the category resolver of this configuration
func (c *Config) Resolver() *catalog.Resolver {
	return &catalog.Resolver{
		Rules:           c.Categories,
		SourceRoot:      c.Source.Root,
		DestinationRoot: c.destinationRoot(),
		StagingDir:      c.Run.StagingDir,
	}
}

func (c *Config) destinationRoot() string {
	if c.Destination.Kind == DestinationS3 && c.Destination.Root == "" {
		root := "s3://" + c.Destination.S3.Bucket
		if p := strings.Trim(c.Destination.S3.Prefix, "/"); p != "" {
			root += "/" + p
		}
		return root
	}
	return c.Destination.Root
}

func (c *Config) validate() error {
	if len(c.Run.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	for _, p := range c.Run.Phases {
		switch p {
		case PhaseList, PhaseDownload, PhaseUpload:
		default:
			return fmt.Errorf("unknown phase %q", p)
		}
	}

	if c.Tool.Path == "" {
		return fmt.Errorf("tool path is required")
	}
	if c.Source.Root == "" {
		return fmt.Errorf("source root is required")
	}
	if c.Run.Threads <= 0 {
		return fmt.Errorf("threads must be positive")
	}
	if c.Run.DaysBack < 0 {
		return fmt.Errorf("days back cannot be negative")
	}
	if c.Run.StagingDir == "" || c.Run.OutputDir == "" {
		return fmt.Errorf("staging and output directories are required")
	}

	switch c.Destination.Kind {
	case DestinationTool:
		if c.Destination.Root == "" {
			return fmt.Errorf("destination root is required")
		}
	case DestinationS3:
		if c.Destination.S3.Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required")
		}
		if c.Destination.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
	default:
		return fmt.Errorf("unknown destination kind %q", c.Destination.Kind)
	}

	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category rule is required")
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, rule := range c.Categories {
		if rule.Name == "" {
			return fmt.Errorf("category rule with prefix %q has no name", rule.Prefix)
		}
		key := strings.ToLower(rule.Name)
		if seen[key] {
			return fmt.Errorf("duplicate category %q", rule.Name)
		}
		seen[key] = true
	}

	if c.Auth.UseToken && len(c.Auth.TokenCommand) == 0 && c.Auth.TokenEnv == "" {
		return fmt.Errorf("token auth needs auth.token_command or auth.token_env")
	}

	return nil
}
