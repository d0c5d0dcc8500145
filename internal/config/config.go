// Package config loads runtime settings for the lifemanager daemon and CLI.
//
// Sources, later wins:
//
//  1. Built-in defaults (see Default).
//  2. A TOML or YAML file chosen by extension. A missing file is created
//     with the defaults on first run.
//  3. Command-line flags registered with RegisterFlags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dmitrijs2005/lifemanager/internal/common"
)

// Provider kinds.
const (
	KindGoogle = "google"
	KindCalDAV = "caldav"
	KindBucket = "bucket"
)

const (
	DefaultCalendar = "primary"
	DefaultTaskList = "@default"
)

// Provider configures one remote system. Which fields apply depends on Kind.
type Provider struct {
	Name string `toml:"name" yaml:"name"`
	Kind string `toml:"kind" yaml:"kind"`

	CalendarIDs []string `toml:"calendar_ids,omitempty" yaml:"calendar_ids,omitempty"`
	TaskListIDs []string `toml:"task_list_ids,omitempty" yaml:"task_list_ids,omitempty"`

	// OAuth2 client. Google always needs it; CalDAV uses it when AuthURL is
	// set instead of basic auth.
	ClientID     string   `toml:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `toml:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	AuthURL      string   `toml:"auth_url,omitempty" yaml:"auth_url,omitempty"`
	TokenURL     string   `toml:"token_url,omitempty" yaml:"token_url,omitempty"`
	Scopes       []string `toml:"scopes,omitempty" yaml:"scopes,omitempty"`

	// CalDAV.
	URL      string `toml:"url,omitempty" yaml:"url,omitempty"`
	Username string `toml:"username,omitempty" yaml:"username,omitempty"`
	Password string `toml:"password,omitempty" yaml:"password,omitempty"`

	// Bucket.
	Endpoint  string `toml:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Region    string `toml:"region,omitempty" yaml:"region,omitempty"`
	Bucket    string `toml:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix    string `toml:"prefix,omitempty" yaml:"prefix,omitempty"`
	AccessKey string `toml:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `toml:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	PathStyle bool   `toml:"path_style,omitempty" yaml:"path_style,omitempty"`
}

// Collections lists what the provider syncs: its calendars, then its task
// lists.
func (p Provider) Collections() []string {
	return append(slices.Clone(p.CalendarIDs), p.TaskListIDs...)
}

// UsesOAuth reports whether credentials for p come from the interactive
// flow.
func (p Provider) UsesOAuth() bool {
	return p.Kind == KindGoogle || (p.Kind == KindCalDAV && p.AuthURL != "")
}

type Sync struct {
	AutoSync bool `toml:"auto_sync" yaml:"auto_sync"`
	// Interval is used when Schedule is empty.
	Interval     Duration `toml:"interval" yaml:"interval"`
	Schedule     string   `toml:"schedule,omitempty" yaml:"schedule,omitempty"`
	BackoffBase  Duration `toml:"backoff_base" yaml:"backoff_base"`
	BackoffCap   Duration `toml:"backoff_cap" yaml:"backoff_cap"`
	BackoffAfter int      `toml:"backoff_after" yaml:"backoff_after"`
	CallTimeout  Duration `toml:"call_timeout" yaml:"call_timeout"`
	// WatchDebounce delays the sync triggered by a local edit.
	WatchDebounce Duration `toml:"watch_debounce" yaml:"watch_debounce"`
}

type Auth struct {
	MinTokenLifetime Duration `toml:"min_token_lifetime" yaml:"min_token_lifetime"`
	FlowTimeout      Duration `toml:"flow_timeout" yaml:"flow_timeout"`
}

// Config holds runtime settings.
type Config struct {
	DataDir     string `toml:"data_dir" yaml:"data_dir"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	ControlAddr string `toml:"control_addr" yaml:"control_addr"`

	Sync      Sync       `toml:"sync" yaml:"sync"`
	Auth      Auth       `toml:"auth" yaml:"auth"`
	Providers []Provider `toml:"providers" yaml:"providers"`

	// Passphrase, when set, derives the credential sealing key instead of
	// the key file. Only read from the environment.
	Passphrase string `toml:"-" yaml:"-"`

	// path the config was loaded from
	path string
}

// LoadDefaults populates c with defaults. Providers are left empty.
func (c *Config) LoadDefaults() {
	c.DataDir = defaultDataDir()
	c.LogLevel = "info"
	c.ControlAddr = "127.0.0.1:50551"
	c.Sync = Sync{
		AutoSync:      true,
		Interval:      Duration(5 * time.Minute),
		BackoffBase:   Duration(30 * time.Second),
		BackoffCap:    Duration(15 * time.Minute),
		BackoffAfter:  2,
		CallTimeout:   Duration(30 * time.Second),
		WatchDebounce: Duration(2 * time.Second),
	}
	c.Auth = Auth{
		MinTokenLifetime: Duration(common.MinTokenLifetime),
		FlowTimeout:      Duration(5 * time.Minute),
	}
}

func Default() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

// Normalize fills values a partial file left empty.
func (c *Config) Normalize() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.ControlAddr == "" {
		c.ControlAddr = d.ControlAddr
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = d.Sync.Interval
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = d.Sync.BackoffBase
	}
	if c.Sync.BackoffCap <= 0 {
		c.Sync.BackoffCap = d.Sync.BackoffCap
	}
	if c.Sync.BackoffAfter <= 0 {
		c.Sync.BackoffAfter = d.Sync.BackoffAfter
	}
	if c.Sync.CallTimeout <= 0 {
		c.Sync.CallTimeout = d.Sync.CallTimeout
	}
	if c.Sync.WatchDebounce <= 0 {
		c.Sync.WatchDebounce = d.Sync.WatchDebounce
	}
	if c.Auth.MinTokenLifetime <= 0 {
		c.Auth.MinTokenLifetime = d.Auth.MinTokenLifetime
	}
	if c.Auth.FlowTimeout <= 0 {
		c.Auth.FlowTimeout = d.Auth.FlowTimeout
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = p.Kind
		}
		if len(p.CalendarIDs) == 0 {
			p.CalendarIDs = []string{DefaultCalendar}
		}
		if len(p.TaskListIDs) == 0 {
			p.TaskListIDs = []string{DefaultTaskList}
		}
		if p.Kind == KindBucket && p.Region == "" {
			p.Region = "us-east-1"
		}
	}
}

// Schedule returns the cron spec of the sync timer, or "" when auto sync is
// off.
func (c *Config) Schedule() string {
	switch {
	case !c.Sync.AutoSync:
		return ""
	case c.Sync.Schedule != "":
		return c.Sync.Schedule
	}
	return "@every " + c.Sync.Interval.String()
}

var (
	ErrDuplicateProvider = errors.New("duplicate provider name")
	ErrUnknownKind       = errors.New("unknown provider kind")
	ErrMissingField      = errors.New("missing required field")
	ErrSharedCollection  = errors.New("collection is both a calendar and a task list")
)

// Validate checks the provider list.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name)
		}
		seen[p.Name] = true

		var missing string
		switch p.Kind {
		case KindGoogle:
			if p.ClientID == "" {
				missing = "client_id"
			}
		case KindCalDAV:
			switch {
			case p.URL == "":
				missing = "url"
			case p.AuthURL == "" && p.Username == "":
				missing = "username"
			case p.AuthURL != "" && (p.TokenURL == "" || p.ClientID == ""):
				missing = "token_url/client_id"
			}
		case KindBucket:
			if p.Bucket == "" {
				missing = "bucket"
			}
		default:
			return fmt.Errorf("%w %q for provider %s", ErrUnknownKind, p.Kind, p.Name)
		}
		if missing != "" {
			return fmt.Errorf("provider %s: %w %s", p.Name, ErrMissingField, missing)
		}
		for _, id := range p.TaskListIDs {
			if slices.Contains(p.CalendarIDs, id) {
				return fmt.Errorf("provider %s: %w: %s", p.Name, ErrSharedCollection, id)
			}
		}
	}
	return nil
}

// Provider returns the provider called name.
func (c *Config) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, common.DatabaseFileName)
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, common.LogFileName)
}

func (c *Config) ControlSecretPath() string {
	return filepath.Join(c.DataDir, common.ControlSecretFileName)
}

func (c *Config) SealKeyPath() string {
	return filepath.Join(c.DataDir, common.SealKeyFileName)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "lifemanager")
	}
	return ".lifemanager"
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}
