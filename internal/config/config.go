package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server configuration loaded from <data-dir>/config.yaml.
// Every field can be overridden with a CARAPACE_-prefixed environment
// variable, e.g. CARAPACE_SERVER_PORT=9000.
type Config struct {
	Carapace    CarapaceConfig    `mapstructure:"carapace"`
	Server      ServerConfig      `mapstructure:"server"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
}

type CarapaceConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type AgentConfig struct {
	Model           string `mapstructure:"model"`
	ClassifierModel string `mapstructure:"classifier_model"`
	APIKeyEnv       string `mapstructure:"api_key_env"`
	BaseURL         string `mapstructure:"base_url"`
	MaxTokens       int    `mapstructure:"max_tokens"`
}

type CredentialsConfig struct {
	Backend string `mapstructure:"backend"`
}

type SandboxConfig struct {
	BaseImage          string `mapstructure:"base_image"`
	NetworkName        string `mapstructure:"network_name"`
	IdleTimeoutMinutes int    `mapstructure:"idle_timeout_minutes"`
}

type SessionsConfig struct {
	HistoryRetentionDays int `mapstructure:"history_retention_days"`
}

// Default returns the built-in configuration used when config.yaml is absent.
func Default() *Config {
	return &Config{
		Carapace: CarapaceConfig{LogLevel: "info"},
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8321},
		Proxy:    ProxyConfig{Host: "0.0.0.0", Port: 3128},
		Agent: AgentConfig{
			Model:           "claude-sonnet-4-5",
			ClassifierModel: "claude-haiku-4-5",
			APIKeyEnv:       "ANTHROPIC_API_KEY",
			BaseURL:         "https://api.anthropic.com",
			MaxTokens:       4096,
		},
		Credentials: CredentialsConfig{Backend: "mock"},
		Sandbox: SandboxConfig{
			BaseImage:          "carapace-sandbox:latest",
			NetworkName:        "carapace-sandbox",
			IdleTimeoutMinutes: 15,
		},
		Sessions: SessionsConfig{HistoryRetentionDays: 90},
	}
}

// DataDir resolves the data directory from CARAPACE_DATA_DIR (default ./data).
func DataDir() string {
	dir := os.Getenv("CARAPACE_DATA_DIR")
	if dir == "" {
		dir = "./data"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// HostDataDir returns the host-side data directory override used for bind
// mounts when the server itself runs inside a container, or "" when unset.
func HostDataDir() string {
	return os.Getenv("CARAPACE_HOST_DATA_DIR")
}

// Load reads <dataDir>/config.yaml on top of the defaults. A missing file is
// not an error; a malformed one is.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix("CARAPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("carapace.log_level", d.Carapace.LogLevel)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("proxy.host", d.Proxy.Host)
	v.SetDefault("proxy.port", d.Proxy.Port)
	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.classifier_model", d.Agent.ClassifierModel)
	v.SetDefault("agent.api_key_env", d.Agent.APIKeyEnv)
	v.SetDefault("agent.base_url", d.Agent.BaseURL)
	v.SetDefault("agent.max_tokens", d.Agent.MaxTokens)
	v.SetDefault("credentials.backend", d.Credentials.Backend)
	v.SetDefault("sandbox.base_image", d.Sandbox.BaseImage)
	v.SetDefault("sandbox.network_name", d.Sandbox.NetworkName)
	v.SetDefault("sandbox.idle_timeout_minutes", d.Sandbox.IdleTimeoutMinutes)
	v.SetDefault("sessions.history_retention_days", d.Sessions.HistoryRetentionDays)
}

// LoadWorkspaceFile reads a top-level workspace file such as AGENTS.md.
// Returns "" when the file does not exist.
func LoadWorkspaceFile(dataDir, name string) string {
	data, err := os.ReadFile(filepath.Join(dataDir, name))
	if err != nil {
		return ""
	}
	return string(data)
}
