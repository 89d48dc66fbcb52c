package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"filebrowser-cdc/internal/filebrowser"
	"filebrowser-cdc/internal/filter"
	"filebrowser-cdc/internal/notify"
	"filebrowser-cdc/internal/store"
)

type Config struct {
	FileBrowser FileBrowserConfig `yaml:"filebrowser"`
	Store       StoreConfig       `yaml:"store"`
	Discord     DiscordConfig     `yaml:"discord"`
	NATS        NATSConfig        `yaml:"nats"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FileBrowserConfig struct {
	URL        string        `yaml:"url"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Root       string        `yaml:"root"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

type StoreConfig struct {
	Driver   string      `yaml:"driver"` // sqlite, mysql
	Path     string      `yaml:"path"`
	LockFile string      `yaml:"lock_file"`
	MySQL    MySQLConfig `yaml:"mysql"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
	RetryCount int    `yaml:"retry_count"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type MonitoringConfig struct {
	IntervalSeconds  int      `yaml:"interval_seconds"`
	DenylistDirs     []string `yaml:"denylist_dirs"`
	DenylistSuffixes []string `yaml:"denylist_suffixes"`
	IgnoreRules      []string `yaml:"ignore_rules"` // gitignore syntax
	Script           string   `yaml:"script"`       // optional JavaScript predicate
}

type NotifyConfig struct {
	EntriesPerGroup    int `yaml:"entries_per_group"`
	GroupsPerMessage   int `yaml:"groups_per_message"`
	MaxCharsPerMessage int `yaml:"max_chars_per_message"`
	MaxGroupsPerType   int `yaml:"max_groups_per_type"` // 0 = unlimited
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${NAME} references to set variables. Anything else,
// including a bare $ in a password, is left as written.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		if v, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
			return v
		}
		return ref
	})
}

// LoadConfig reads the YAML file at path. A .env file next to it is loaded
// first and ${VAR} references in the YAML are expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.FileBrowser.Root == "" {
		c.FileBrowser.Root = "/"
	}
	if c.FileBrowser.Timeout == 0 {
		c.FileBrowser.Timeout = 30 * time.Second
	}
	if c.FileBrowser.RetryCount == 0 {
		c.FileBrowser.RetryCount = 3
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "file_tracker.db"
	}
	if c.Store.MySQL.Port == 0 {
		c.Store.MySQL.Port = 3306
	}
	if c.Discord.Username == "" {
		c.Discord.Username = "File Monitor"
	}
	if c.Discord.RetryCount == 0 {
		c.Discord.RetryCount = 3
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "filebrowser.changes"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Monitoring.IntervalSeconds == 0 {
		c.Monitoring.IntervalSeconds = 1800
	}
	if c.Notify.EntriesPerGroup == 0 {
		c.Notify.EntriesPerGroup = notify.DefaultEntriesPerGroup
	}
	if c.Notify.GroupsPerMessage == 0 {
		c.Notify.GroupsPerMessage = notify.DefaultGroupsPerUnit
	}
	if c.Notify.MaxCharsPerMessage == 0 {
		c.Notify.MaxCharsPerMessage = notify.DefaultCharsPerUnit
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error
	if c.FileBrowser.URL == "" {
		errs = append(errs, errors.New("filebrowser.url is required"))
	}
	if c.FileBrowser.Username == "" || c.FileBrowser.Password == "" {
		errs = append(errs, errors.New("filebrowser.username and filebrowser.password are required"))
	}
	if c.Discord.WebhookURL == "" && c.NATS.URL == "" {
		errs = append(errs, errors.New("at least one of discord.webhook_url or nats.url is required"))
	}

	switch c.Store.Driver {
	case store.DriverSQLite:
	case store.DriverMySQL:
		if c.Store.MySQL.Host == "" || c.Store.MySQL.User == "" || c.Store.MySQL.Database == "" {
			errs = append(errs, errors.New("store.mysql.host, user and database are required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Monitoring.IntervalSeconds < 0 {
		errs = append(errs, errors.New("monitoring.interval_seconds must be positive"))
	}
	if c.Notify.EntriesPerGroup < 0 || c.Notify.GroupsPerMessage < 0 ||
		c.Notify.MaxCharsPerMessage < 0 || c.Notify.MaxGroupsPerType < 0 {
		errs = append(errs, errors.New("notify limits cannot be negative"))
	}
	if c.Notify.EntriesPerGroup > notify.DefaultEntriesPerGroup {
		errs = append(errs, fmt.Errorf("notify.entries_per_group cannot exceed %d", notify.DefaultEntriesPerGroup))
	}
	if c.Notify.GroupsPerMessage > notify.DefaultGroupsPerUnit {
		errs = append(errs, fmt.Errorf("notify.groups_per_message cannot exceed %d", notify.DefaultGroupsPerUnit))
	}
	if c.Notify.MaxCharsPerMessage > notify.DefaultCharsPerUnit {
		errs = append(errs, fmt.Errorf("notify.max_chars_per_message cannot exceed %d", notify.DefaultCharsPerUnit))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	if err := filter.Validate(c.FilterConfig()); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.Monitoring.IntervalSeconds) * time.Second
}

func (c *Config) FilterConfig() filter.Config {
	return filter.Config{
		DenylistDirs:     c.Monitoring.DenylistDirs,
		DenylistSuffixes: c.Monitoring.DenylistSuffixes,
		IgnoreRules:      c.Monitoring.IgnoreRules,
		Script:           c.Monitoring.Script,
	}
}

func (c *Config) Limits() notify.Limits {
	return notify.Limits{
		EntriesPerGroup:  c.Notify.EntriesPerGroup,
		GroupsPerUnit:    c.Notify.GroupsPerMessage,
		CharsPerUnit:     c.Notify.MaxCharsPerMessage,
		MaxGroupsPerType: c.Notify.MaxGroupsPerType,
	}
}

func (c *Config) FileBrowserClientConfig() filebrowser.Config {
	return filebrowser.Config{
		URL:        c.FileBrowser.URL,
		Username:   c.FileBrowser.Username,
		Password:   c.FileBrowser.Password,
		Root:       c.FileBrowser.Root,
		Timeout:    c.FileBrowser.Timeout,
		RetryCount: c.FileBrowser.RetryCount,
	}
}

func (c *Config) DiscordSinkConfig() notify.DiscordConfig {
	return notify.DiscordConfig{
		WebhookURL: c.Discord.WebhookURL,
		Username:   c.Discord.Username,
		RetryCount: c.Discord.RetryCount,
	}
}

func (c *Config) StoreConfig() store.Config {
	cfg := store.Config{Driver: c.Store.Driver, Path: c.Store.Path}
	if c.Store.Driver == store.DriverMySQL {
		cfg.DSN = c.Store.MySQL.DSN()
	}
	return cfg
}

// LockPath is the file guarding against a second instance on the same state
func (c *Config) LockPath() string {
	if c.Store.LockFile != "" {
		return c.Store.LockFile
	}
	if c.Store.Driver == store.DriverMySQL {
		return "filebrowser-cdc.lock"
	}
	return c.Store.Path + ".lock"
}

// DSN builds a go-sql-driver data source name
func (m MySQLConfig) DSN() string {
	mc := mysql.NewConfig()
	mc.User = m.User
	mc.Passwd = m.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	mc.DBName = m.Database
	mc.Timeout = 10 * time.Second
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

const configTemplate = `filebrowser:
  url: http://localhost:8080
  username: admin
  password: ${FILEBROWSER_PASSWORD}
  root: /
  timeout: 30s
  retry_count: 3

store:
  driver: sqlite            # sqlite or mysql
  path: file_tracker.db
  # mysql:
  #   host: 127.0.0.1
  #   port: 3306
  #   user: cdc
  #   password: ${MYSQL_PASSWORD}
  #   database: filebrowser_cdc

discord:
  webhook_url: https://discord.com/api/webhooks/YOUR_WEBHOOK_ID/YOUR_WEBHOOK_TOKEN
  username: File Monitor

# nats:
#   url: nats://localhost:4222
#   subject: filebrowser.changes
#   max_reconnect: 10
#   reconnect_wait: 2s

monitoring:
  interval_seconds: 1800
  denylist_dirs: [".git", "__pycache__", "node_modules"]
  denylist_suffixes: [".tmp", ".cache"]
  ignore_rules: []
  # script: filter.js

notify:
  entries_per_group: 15
  groups_per_message: 10
  max_chars_per_message: 6000
  max_groups_per_type: 0

logging:
  level: info
  format: text
`

// WriteTemplate writes an example configuration. It refuses to overwrite.
func WriteTemplate(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config template: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strings.TrimLeft(configTemplate, "\n")); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}
	return nil
}
