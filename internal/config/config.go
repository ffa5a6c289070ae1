package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/command"
)

// Leftover-worktree startup policies. Exactly one applies per run.
const (
	LeftoverMergePending = "merge-pending"  // queue leftover branches for merging
	LeftoverCleanStart   = "clean-start"    // wipe leftover worktrees and branches
	LeftoverIgnore       = "ignore-pending" // report them and continue
)

// Config holds all application configuration.
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Run           RunConfig           `toml:"run"`
	Agent         AgentConfig         `toml:"agent"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Batches       []BatchConfig       `toml:"batch"`
}

// GeneralConfig holds paths and repository settings.
type GeneralConfig struct {
	ProjectRoot  string `toml:"project_root"`
	WorktreeDir  string `toml:"worktree_dir"`
	StatePath    string `toml:"state_path"`
	DatabasePath string `toml:"database_path"`
	TrunkBranch  string `toml:"trunk_branch"`
}

// RunConfig holds per-run orchestration settings.
type RunConfig struct {
	Concurrency         int      `toml:"concurrency"`
	P0Exclusive         bool     `toml:"p0_exclusive"`
	MaxMergeRetries     int      `toml:"max_merge_retries"`
	PriorityFilter      int      `toml:"priority_filter"` // -1 runs all classes
	MaxIssues           int      `toml:"max_issues"`      // 0 is unlimited
	IssueTimeoutMinutes int      `toml:"issue_timeout_minutes"`
	StreamOutput        bool     `toml:"stream_output"`
	RequireCodeChanges  bool     `toml:"require_code_changes"`
	LeftoverPolicy      string   `toml:"leftover_policy"`
	Include             []string `toml:"include"`
	Exclude             []string `toml:"exclude"`
	CopyFiles           []string `toml:"copy_files"`
}

// AgentConfig holds the external agent command templates.
type AgentConfig struct {
	CommandPrefix     string `toml:"command_prefix"`
	ValidateTemplate  string `toml:"validate_template"`
	ImplementTemplate string `toml:"implement_template"`
}

// NotificationsConfig holds notification settings.
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings.
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BatchConfig describes one scheduled unattended run.
type BatchConfig struct {
	Name        string `toml:"name"`
	Cron        string `toml:"cron"`
	WaveFile    string `toml:"wave_file"`
	Concurrency int    `toml:"concurrency"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectRoot:  "",
			WorktreeDir:  filepath.Join(home, ".ll-orch", "worktrees"),
			StatePath:    filepath.Join(home, ".ll-orch", "state.json"),
			DatabasePath: filepath.Join(home, ".ll-orch", "history.db"),
			TrunkBranch:  "main",
		},
		Run: RunConfig{
			Concurrency:         3,
			P0Exclusive:         true,
			MaxMergeRetries:     2,
			PriorityFilter:      -1,
			IssueTimeoutMinutes: 30,
			RequireCodeChanges:  true,
			LeftoverPolicy:      LeftoverIgnore,
			CopyFiles:           []string{".env", ".claude/settings.local.json"},
		},
		Agent: AgentConfig{
			ValidateTemplate:  "agent validate {{id}}",
			ImplementTemplate: "agent implement {{id}} --category {{category}} --action {{action}}",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.WorktreeDir = ExpandPath(cfg.General.WorktreeDir)
	cfg.General.StatePath = ExpandPath(cfg.General.StatePath)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a TOML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks settings that would otherwise fail mid-run.
func (c *Config) Validate() error {
	switch c.Run.LeftoverPolicy {
	case LeftoverMergePending, LeftoverCleanStart, LeftoverIgnore:
	default:
		return fmt.Errorf("invalid leftover_policy %q (want %s, %s or %s)",
			c.Run.LeftoverPolicy, LeftoverMergePending, LeftoverCleanStart, LeftoverIgnore)
	}

	if c.Run.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Run.Concurrency)
	}
	if c.Run.MaxMergeRetries < 0 {
		return fmt.Errorf("max_merge_retries must not be negative, got %d", c.Run.MaxMergeRetries)
	}

	if _, err := command.Parse(c.Agent.ValidateTemplate); err != nil {
		return fmt.Errorf("validate_template: %w", err)
	}
	if _, err := command.Parse(c.Agent.ImplementTemplate); err != nil {
		return fmt.Errorf("implement_template: %w", err)
	}

	for _, b := range c.Batches {
		if b.Name == "" {
			return fmt.Errorf("batch entry missing name")
		}
		if b.Cron == "" {
			return fmt.Errorf("batch %s missing cron expression", b.Name)
		}
		if b.WaveFile == "" {
			return fmt.Errorf("batch %s missing wave_file", b.Name)
		}
	}

	return nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ll-orch", "config.toml")
}
