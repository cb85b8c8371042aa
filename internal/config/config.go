// Package config loads the papertracker configuration. The embedded
// default.yaml is always the base layer; a user file and the environment
// are merged on top.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PAPERTRACKER"

type Config struct {
	Topics       []Topic      `mapstructure:"topics" yaml:"topics"`
	Discovery    Discovery    `mapstructure:"discovery" yaml:"discovery"`
	Analysis     Analysis     `mapstructure:"analysis" yaml:"analysis"`
	Artifacts    Artifacts    `mapstructure:"artifacts" yaml:"artifacts"`
	History      History      `mapstructure:"history" yaml:"history"`
	Notification Notification `mapstructure:"notification" yaml:"notification"`
	Output       Output       `mapstructure:"output" yaml:"output"`
	Metrics      Metrics      `mapstructure:"metrics" yaml:"metrics"`
	Server       Server       `mapstructure:"server" yaml:"server"`
	Logging      Logging      `mapstructure:"logging" yaml:"logging"`
}

// Topic groups catalog filters with per-run caps.
type Topic struct {
	Label      string   `mapstructure:"label" yaml:"label"`
	Filters    []string `mapstructure:"filters" yaml:"filters"`
	SearchCap  int      `mapstructure:"search_cap" yaml:"search_cap"`
	AnalyzeCap int      `mapstructure:"analyze_cap" yaml:"analyze_cap"`
}

type Discovery struct {
	Backend        string `mapstructure:"backend" yaml:"backend"`
	APIURL         string `mapstructure:"api_url" yaml:"api_url"`
	ListingURL     string `mapstructure:"listing_url" yaml:"listing_url"`
	RecencyDays    int    `mapstructure:"recency_days" yaml:"recency_days"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent" yaml:"user_agent"`
}

type Analysis struct {
	Provider               string  `mapstructure:"provider" yaml:"provider"`
	Model                  string  `mapstructure:"model" yaml:"model"`
	OpenAIURL              string  `mapstructure:"openai_url" yaml:"openai_url"`
	OllamaURL              string  `mapstructure:"ollama_url" yaml:"ollama_url"`
	GeminiModel            string  `mapstructure:"gemini_model" yaml:"gemini_model"`
	GeminiBaseURL          string  `mapstructure:"gemini_base_url" yaml:"gemini_base_url"`
	AttachPDF              bool    `mapstructure:"attach_pdf" yaml:"attach_pdf"`
	MaxTokens              int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature            float64 `mapstructure:"temperature" yaml:"temperature"`
	DelaySeconds           int     `mapstructure:"delay_seconds" yaml:"delay_seconds"`
	DocumentTimeoutSeconds int     `mapstructure:"document_timeout_seconds" yaml:"document_timeout_seconds"`
	FullText               bool    `mapstructure:"full_text" yaml:"full_text"`
	FullTextURL            string  `mapstructure:"full_text_url" yaml:"full_text_url"`
	FullTextChars          int     `mapstructure:"full_text_chars" yaml:"full_text_chars"`
	SystemPrompt           string  `mapstructure:"system_prompt" yaml:"system_prompt"`

	APIKey       string `mapstructure:"api_key" yaml:"-"`
	GeminiAPIKey string `mapstructure:"gemini_api_key" yaml:"-"`
}

type Artifacts struct {
	Dir            string `mapstructure:"dir" yaml:"dir"`
	PDFURL         string `mapstructure:"pdf_url" yaml:"pdf_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

type History struct {
	Path           string `mapstructure:"path" yaml:"path"`
	CatalogDomain  string `mapstructure:"catalog_domain" yaml:"catalog_domain"`
	LockTTLMinutes int    `mapstructure:"lock_ttl_minutes" yaml:"lock_ttl_minutes"`
}

type Notification struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string   `mapstructure:"username" yaml:"username"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`

	Password string `mapstructure:"password" yaml:"-"`
}

type Output struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

type Metrics struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

type Server struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type Logging struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// envAliases maps config keys to the variable names used by existing
// deployments, checked after the prefixed name.
var envAliases = map[string][]string{
	"analysis.api_key":        {"OPENAI_API_KEY"},
	"analysis.gemini_api_key": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"notification.smtp_host":  {"SMTP_SERVER"},
	"notification.smtp_port":  {"SMTP_PORT"},
	"notification.username":   {"SMTP_USERNAME"},
	"notification.password":   {"SMTP_PASSWORD"},
	"notification.from":       {"EMAIL_FROM"},
	"notification.to":         {"EMAIL_TO"},
}

// Secret reports whether a sensitive setting resolved to a value. Name is
// the environment variable existing deployments set it with.
type Secret struct {
	Name string
	Set  bool
}

// Secrets lists the sensitive settings and whether each one has a value,
// from whichever source it came.
func (c *Config) Secrets() []Secret {
	return []Secret{
		{"OPENAI_API_KEY", c.Analysis.APIKey != ""},
		{"GEMINI_API_KEY", c.Analysis.GeminiAPIKey != ""},
		{"SMTP_SERVER", c.Notification.SMTPHost != ""},
		{"SMTP_USERNAME", c.Notification.Username != ""},
		{"SMTP_PASSWORD", c.Notification.Password != ""},
		{"EMAIL_FROM", c.Notification.From != ""},
		{"EMAIL_TO", len(c.Notification.To) > 0},
	}
}

// ConfigDir returns the XDG config directory for papertracker.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "papertracker")
}

// DataDir returns the XDG data directory for papertracker.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "papertracker")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/papertracker/config.yaml > ./config.yaml.
// An empty result means only the embedded defaults and the environment apply.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}
	return "", nil
}

// Load builds a Config from the embedded defaults, the file at path (if
// any) and the environment.
func Load(path string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

// parse merges YAML bytes over the defaults.
func parse(data []byte) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return decode(v)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(DefaultConfigYAML)); err != nil {
		return nil, fmt.Errorf("parsing default config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Notification.To = cleanList(cfg.Notification.To)
	for i := range cfg.Topics {
		cfg.Topics[i].Filters = cleanList(cfg.Topics[i].Filters)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic must be configured")
	}
	seen := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if strings.TrimSpace(t.Label) == "" {
			return fmt.Errorf("topics[%d].label must be set", i)
		}
		if seen[t.Label] {
			return fmt.Errorf("topic %q is configured twice", t.Label)
		}
		seen[t.Label] = true
		if len(t.Filters) == 0 {
			return fmt.Errorf("topic %q needs at least one filter", t.Label)
		}
		if t.SearchCap <= 0 {
			return fmt.Errorf("topic %q: search_cap must be > 0", t.Label)
		}
		if t.AnalyzeCap <= 0 {
			return fmt.Errorf("topic %q: analyze_cap must be > 0", t.Label)
		}
	}

	switch c.Discovery.Backend {
	case "api", "listing":
	default:
		return fmt.Errorf("discovery.backend must be api or listing, got %q", c.Discovery.Backend)
	}
	if c.Discovery.RecencyDays <= 0 {
		return fmt.Errorf("discovery.recency_days must be > 0")
	}

	switch strings.ToLower(c.Analysis.Provider) {
	case "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("analysis.provider must be openai, ollama or gemini, got %q", c.Analysis.Provider)
	}
	if c.Analysis.DelaySeconds < 0 {
		return fmt.Errorf("analysis.delay_seconds must be >= 0")
	}
	if c.History.Path == "" {
		return fmt.Errorf("history.path must be set")
	}
	if c.History.CatalogDomain == "" {
		return fmt.Errorf("history.catalog_domain must be set")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// RecencyWindow is the discovery lookback.
func (d Discovery) RecencyWindow() time.Duration {
	return time.Duration(d.RecencyDays) * 24 * time.Hour
}

func (d Discovery) Timeout() time.Duration {
	return seconds(d.TimeoutSeconds, 60)
}

// Delay is the minimum spacing between analysis calls.
func (a Analysis) Delay() time.Duration {
	return time.Duration(a.DelaySeconds) * time.Second
}

func (a Analysis) DocumentTimeout() time.Duration {
	return seconds(a.DocumentTimeoutSeconds, 180)
}

func (a Artifacts) Timeout() time.Duration {
	return seconds(a.TimeoutSeconds, 120)
}

func (h History) LockTTL() time.Duration {
	return time.Duration(h.LockTTLMinutes) * time.Minute
}

// Complete reports whether every field needed to send mail is present.
func (n Notification) Complete() bool {
	return n.SMTPHost != "" && n.SMTPPort > 0 && n.Username != "" &&
		n.Password != "" && n.From != "" && len(n.To) > 0
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
