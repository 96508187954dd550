package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gatewarden/gatewarden/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Workspace string        `toml:"workspace" mapstructure:"workspace"`
	Agent     AgentConfig   `toml:"agent" mapstructure:"agent"`
	Skills    SkillsConfig  `toml:"skills" mapstructure:"skills"`
	Secrets   SecretsConfig `toml:"secrets" mapstructure:"secrets"`
	Server    ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Journal   JournalConfig `toml:"journal" mapstructure:"journal"`
	Log       LogConfig     `toml:"log" mapstructure:"log"`
}

type AgentConfig struct {
	Name           string        `toml:"name" mapstructure:"name"`
	Command        string        `toml:"command" mapstructure:"command"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	Env            []string      `toml:"env" mapstructure:"env"`
	StopTimeout    time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	KillWait       time.Duration `toml:"kill_wait" mapstructure:"kill_wait"`
	RestartBackoff time.Duration `toml:"restart_backoff" mapstructure:"restart_backoff"`
	MinUptime      time.Duration `toml:"min_uptime" mapstructure:"min_uptime"`
	// RequiredSecrets are resolved at startup and injected into the
	// agent's environment on every spawn.
	RequiredSecrets []string `toml:"required_secrets" mapstructure:"required_secrets"`
}

type SkillsConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	RepoURL     string        `toml:"repo_url" mapstructure:"repo_url"`
	Ref         string        `toml:"ref" mapstructure:"ref"`
	Subdir      string        `toml:"subdir" mapstructure:"subdir"`
	TokenSecret string        `toml:"token_secret" mapstructure:"token_secret"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
}

type SecretsConfig struct {
	// BackendURL points at the secrets service; empty means environment
	// variables only.
	BackendURL string        `toml:"backend_url" mapstructure:"backend_url"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	Path    string `toml:"path" mapstructure:"path"`
}

type JournalConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type LogConfig struct {
	Level   string               `toml:"level" mapstructure:"level"`
	Capture logger.CaptureConfig `toml:"capture" mapstructure:"capture"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("agent.name", "agent")
	v.SetDefault("agent.stop_timeout", "5s")
	v.SetDefault("agent.kill_wait", "2s")
	v.SetDefault("agent.restart_backoff", "3s")
	v.SetDefault("agent.min_uptime", "30s")
	v.SetDefault("skills.subdir", "skills")
	v.SetDefault("skills.interval", "5m")
	v.SetDefault("secrets.timeout", "5s")
	v.SetDefault("server.listen", "127.0.0.1:7580")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (fc *FileConfig) Validate() error {
	if strings.TrimSpace(fc.Workspace) == "" {
		return fmt.Errorf("workspace path is required")
	}
	if strings.TrimSpace(fc.Agent.Command) == "" {
		return fmt.Errorf("agent.command is required")
	}
	if fc.Agent.StopTimeout < 0 || fc.Agent.KillWait < 0 || fc.Agent.RestartBackoff < 0 || fc.Agent.MinUptime < 0 {
		return fmt.Errorf("agent durations must not be negative")
	}
	if fc.Skills.Enabled {
		if fc.Skills.RepoURL == "" {
			return fmt.Errorf("skills.repo_url is required when skills.enabled is true")
		}
		if _, err := url.Parse(fc.Skills.RepoURL); err != nil {
			return fmt.Errorf("skills.repo_url: %w", err)
		}
		if fc.Skills.Interval < time.Second {
			return fmt.Errorf("skills.interval must be at least 1s")
		}
	}
	if fc.Secrets.BackendURL != "" {
		u, err := url.Parse(fc.Secrets.BackendURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("secrets.backend_url must be an http(s) URL")
		}
	}
	return nil
}
