// Package config loads and validates the Mailroom configuration.
//
// Settings live in a YAML file (./config.yaml, or the path in the
// MAILROOM_CONFIG environment variable). Credentials come exclusively
// from MAILROOM_-prefixed environment variables so they never end up in
// the config file.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "MAILROOM_CONFIG"

	defaultConfigPath = "config.yaml"

	defaultErrorLabel   = "@MailroomError"
	defaultWarningLabel = "@MailroomWarning"
)

// Credentials holds secrets read from the environment.
type Credentials struct {
	JMAPToken       string
	CardDAVUsername string
	CardDAVPassword string
}

// fileConfig mirrors the YAML schema.
type fileConfig struct {
	JMAPHostname    string `yaml:"jmap_hostname"`
	CardDAVHostname string `yaml:"carddav_hostname"`

	ScreenerMailbox string `yaml:"screener_mailbox"`
	ErrorLabel      string `yaml:"error_label"`
	WarningLabel    string `yaml:"warning_label"`
	WarningsEnabled *bool  `yaml:"warnings_enabled"`

	PollIntervalSeconds int `yaml:"poll_interval"`
	DebounceSeconds     int `yaml:"debounce_seconds"`
	HealthPort          int `yaml:"health_port"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Categories []Category `yaml:"categories"`
}

// Config is the immutable runtime configuration.
type Config struct {
	JMAPHostname    string
	CardDAVHostname string

	ScreenerMailbox string
	ErrorLabel      string
	WarningLabel    string
	WarningsEnabled bool

	PollIntervalSeconds int
	DebounceSeconds     int
	HealthPort          int

	LogLevel  string
	LogFormat string

	Categories  []ResolvedCategory
	Credentials Credentials
}

// Load reads the YAML config and environment credentials, applies
// defaults, and validates everything. A missing config file is a fatal
// error with a hint about where the file is expected.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = defaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf(
				"config file %s not found (create it, or point %s at it): %w",
				path, EnvConfigPath, err)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return build(fc, credentialsFromEnv())
}

func credentialsFromEnv() Credentials {
	return Credentials{
		JMAPToken:       os.Getenv("MAILROOM_JMAP_TOKEN"),
		CardDAVUsername: os.Getenv("MAILROOM_CARDDAV_USERNAME"),
		CardDAVPassword: os.Getenv("MAILROOM_CARDDAV_PASSWORD"),
	}
}

func build(fc fileConfig, creds Credentials) (*Config, error) {
	cfg := &Config{
		JMAPHostname:        withDefault(fc.JMAPHostname, "api.fastmail.com"),
		CardDAVHostname:     withDefault(fc.CardDAVHostname, "carddav.fastmail.com"),
		ScreenerMailbox:     withDefault(fc.ScreenerMailbox, "Screener"),
		ErrorLabel:          withDefault(fc.ErrorLabel, defaultErrorLabel),
		WarningLabel:        withDefault(fc.WarningLabel, defaultWarningLabel),
		WarningsEnabled:     true,
		PollIntervalSeconds: fc.PollIntervalSeconds,
		DebounceSeconds:     fc.DebounceSeconds,
		HealthPort:          fc.HealthPort,
		LogLevel:            withDefault(fc.LogLevel, "info"),
		LogFormat:           withDefault(fc.LogFormat, "json"),
		Credentials:         creds,
	}
	if fc.WarningsEnabled != nil {
		cfg.WarningsEnabled = *fc.WarningsEnabled
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 300
	}
	if cfg.DebounceSeconds == 0 {
		cfg.DebounceSeconds = 5
	}
	if cfg.HealthPort == 0 {
		cfg.HealthPort = 8080
	}

	var errs []error

	resolved, err := ResolveCategories(fc.Categories)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Categories = resolved

	if cfg.Credentials.JMAPToken == "" {
		errs = append(errs, errors.New("config: MAILROOM_JMAP_TOKEN is not set"))
	}
	if cfg.Credentials.CardDAVUsername == "" {
		errs = append(errs, errors.New("config: MAILROOM_CARDDAV_USERNAME is not set"))
	}
	if cfg.Credentials.CardDAVPassword == "" {
		errs = append(errs, errors.New("config: MAILROOM_CARDDAV_PASSWORD is not set"))
	}
	if cfg.PollIntervalSeconds < 0 {
		errs = append(errs, errors.New("config: poll_interval must be positive"))
	}
	if cfg.DebounceSeconds < 0 {
		errs = append(errs, errors.New("config: debounce_seconds must be positive"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// TriageLabels returns every category's action label, in config order.
func (c *Config) TriageLabels() []string {
	labels := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		labels = append(labels, cat.Label)
	}
	return labels
}

// RequiredMailboxes returns every mailbox name that must exist at
// startup: Inbox, the screener, the error label, all action labels, all
// destination mailboxes, and the warning label when warnings are on.
// Order is stable; duplicates are removed.
func (c *Config) RequiredMailboxes() []string {
	names := []string{"Inbox", c.ScreenerMailbox, c.ErrorLabel}
	names = append(names, c.TriageLabels()...)
	for _, cat := range c.Categories {
		names = append(names, cat.DestinationMailbox)
	}
	if c.WarningsEnabled {
		names = append(names, c.WarningLabel)
	}

	seen := make(map[string]bool, len(names))
	uniq := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	return uniq
}

// ContactGroups returns the unique contact group names across all
// categories, in config order.
func (c *Config) ContactGroups() []string {
	seen := make(map[string]bool, len(c.Categories))
	groups := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		if !seen[cat.ContactGroup] {
			seen[cat.ContactGroup] = true
			groups = append(groups, cat.ContactGroup)
		}
	}
	return groups
}

// CategoryByLabel returns the category whose action label matches, or nil.
func (c *Config) CategoryByLabel(label string) *ResolvedCategory {
	for i := range c.Categories {
		if c.Categories[i].Label == label {
			return &c.Categories[i]
		}
	}
	return nil
}
