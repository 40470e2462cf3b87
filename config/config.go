// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package config loads the daemon configuration: which lease and
// configuration backends to open, the server tag, the threading mode and
// the engine knobs.
package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/leasecore/leasecore/logger"
)

var log = logger.GetLogger("config")

// BackendConfig names one storage backend and its data source.
type BackendConfig struct {
	Kind string
	DSN  string
}

// Config holds the daemon configuration.
type Config struct {
	v *viper.Viper

	// ServerTag scopes configuration reads; empty means all servers.
	ServerTag string

	// MultiThreaded enables internal locking in stores and backends.
	MultiThreaded bool

	// EnableV4 and EnableV6 select the served address families.
	EnableV4 bool
	EnableV6 bool

	LeaseBackend  BackendConfig
	ConfigBackend BackendConfig

	// Allocator is the candidate picker: iterative, random or hashed.
	Allocator string

	// RetryLimit bounds allocation attempts per subnet.
	RetryLimit int

	AuditPollInterval time.Duration
	ReclaimInterval   time.Duration
	ReclaimHorizon    time.Duration
	DeclineQuarantine time.Duration
}

// New returns a new initialized instance of a Config object
func New() *Config {
	return &Config{v: viper.New()}
}

// Load reads a configuration file and returns a Config object, or an
// error if any.
func Load(pathOverride string) (*Config, error) {
	log.Print("Loading configuration")
	c := New()
	c.v.SetConfigType("yml")
	if pathOverride != "" {
		c.v.SetConfigFile(pathOverride)
	} else {
		c.v.SetConfigName("config")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath("$XDG_CONFIG_HOME/leasecore/")
		c.v.AddConfigPath("$HOME/.leasecore/")
		c.v.AddConfigPath("/etc/leasecore/")
	}
	if err := c.v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := c.parse(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse() error {
	c.ServerTag = cast.ToString(c.v.Get("server-tag"))
	c.MultiThreaded = cast.ToBool(c.v.Get("multi-threading"))
	c.EnableV4 = c.v.Get("dhcp4") != nil
	c.EnableV6 = c.v.Get("dhcp6") != nil
	if !c.EnableV4 && !c.EnableV6 {
		return ConfigErrorFromString("need at least one of the dhcp4/dhcp6 sections")
	}

	var err error
	if c.LeaseBackend, err = c.parseBackend("lease-database", "memory"); err != nil {
		return err
	}
	if c.ConfigBackend, err = c.parseBackend("config-database", "memory"); err != nil {
		return err
	}

	c.Allocator = cast.ToString(c.v.Get("allocator"))
	c.RetryLimit = cast.ToInt(c.v.Get("allocation-retries"))
	c.AuditPollInterval = c.parseDuration("config-fetch-wait-time", 5*time.Second)
	c.ReclaimInterval = c.parseDuration("reclaim-timer-wait-time", 10*time.Second)
	c.ReclaimHorizon = c.parseDuration("hold-reclaimed-time", time.Hour)
	c.DeclineQuarantine = c.parseDuration("decline-probation-period", time.Hour)
	return nil
}

func (c *Config) parseBackend(section, defaultKind string) (BackendConfig, error) {
	raw := c.v.Get(section)
	if raw == nil {
		return BackendConfig{Kind: defaultKind}, nil
	}
	conf := cast.ToStringMap(raw)
	if conf == nil {
		return BackendConfig{}, ConfigErrorFromString("%s: not a map", section)
	}
	b := BackendConfig{
		Kind: cast.ToString(conf["type"]),
		DSN:  cast.ToString(conf["name"]),
	}
	if b.Kind == "" {
		return BackendConfig{}, ConfigErrorFromString("%s: missing backend type", section)
	}
	switch b.Kind {
	case "memory":
	case "sqlite", "redis", "bolt":
		if b.DSN == "" {
			return BackendConfig{}, ConfigErrorFromString("%s: backend %q needs a name", section, b.Kind)
		}
	default:
		return BackendConfig{}, ConfigErrorFromString("%s: unknown backend %q", section, b.Kind)
	}
	return b, nil
}

func (c *Config) parseDuration(key string, fallback time.Duration) time.Duration {
	raw := c.v.Get(key)
	if raw == nil {
		return fallback
	}
	if d, err := time.ParseDuration(cast.ToString(raw)); err == nil {
		return d
	}
	// bare numbers are seconds
	if n := cast.ToInt(raw); n > 0 {
		return time.Duration(n) * time.Second
	}
	log.Warningf("invalid duration for %s, using %s", key, fallback)
	return fallback
}

// Watch invokes onChange whenever the loaded configuration file changes
// on disk. The callback runs on fsnotify's goroutine.
func (c *Config) Watch(onChange func()) error {
	if onChange == nil {
		return ConfigErrorFromString("watch needs a callback")
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		log.Infof("configuration file %s changed", e.Name)
		onChange()
	})
	c.v.WatchConfig()
	return nil
}
