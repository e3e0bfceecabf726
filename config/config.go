// Package config is the JSON configuration format vellumd loads at startup
// (it is read once; SIGHUP does not reload it): listen address, hostname, TLS certificate paths,
// queue storage root, dispatch tuning, and the optional MySQL audit log /
// Redis dedup cache collaborators.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vellum-mta/vellum/session"
)

// Config is the full on-disk configuration for a vellumd instance.
type Config struct {
	ListenInterface string   `json:"listen_interface"`
	Hostname        string   `json:"host_name"`
	AllowedHosts    []string `json:"allowed_hosts"`

	PrivateKeyFile string `json:"private_key_file,omitempty"`
	PublicKeyFile  string `json:"public_key_file,omitempty"`
	RequireTLS     bool   `json:"require_tls,omitempty"`
	AdvertiseTLS   bool   `json:"advertise_tls,omitempty"`

	SessionTimeoutSecs int `json:"session_timeout_secs,omitempty"`

	QueueRoot          string `json:"queue_root"`
	QueueWorkers       int    `json:"queue_workers,omitempty"`
	PollIntervalSecs   int    `json:"poll_interval_secs,omitempty"`
	RecoveryGraceSecs  int    `json:"recovery_grace_secs,omitempty"`
	CleanupPeriodSecs  int    `json:"cleanup_period_secs,omitempty"`

	PidFile  string `json:"pid_file,omitempty"`
	LogFile  string `json:"log_file,omitempty"`
	LogLevel string `json:"log_level,omitempty"`

	// WasmBlob is the path to the optional sandboxed filter-host
	// module. When empty, vellumd falls back to session's permissive
	// DefaultHooks.
	WasmBlob string `json:"wasm_blob,omitempty"`

	AuditLog   *AuditLogConfig   `json:"audit_log,omitempty"`
	DedupCache *DedupCacheConfig `json:"dedup_cache,omitempty"`
}

// AuditLogConfig configures the optional MySQL delivery-history sink.
type AuditLogConfig struct {
	Host  string `json:"host"`
	User  string `json:"user"`
	Pass  string `json:"pass"`
	DB    string `json:"db"`
	Table string `json:"table,omitempty"`
}

// DedupCacheConfig configures the optional Redis recipient cache.
type DedupCacheConfig struct {
	Addr       string `json:"addr"`
	TTLSeconds int    `json:"ttl_secs,omitempty"`
}

// ConfigLoadTime records when the running config was last (re)loaded,
// so a SIGHUP handler can report it without threading a value through.
var ConfigLoadTime time.Time

// Load reads and validates the configuration file at path. iface and
// pidFile, when non-empty, override the corresponding file values.
func Load(path, iface, pidFile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file: %w", err)
	}
	if len(cfg.AllowedHosts) == 0 {
		return nil, errors.New("empty allowed_hosts is not allowed")
	}
	if cfg.QueueRoot == "" {
		return nil, errors.New("queue_root is required")
	}
	if iface != "" {
		cfg.ListenInterface = iface
	}
	if pidFile != "" {
		cfg.PidFile = pidFile
	}
	cfg.setDefaults()
	ConfigLoadTime = time.Now()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.ListenInterface == "" {
		c.ListenInterface = "127.0.0.1:2525"
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.LogFile == "" {
		c.LogFile = "stderr"
	}
}

// TLSEnabled reports whether this config names a certificate pair.
func (c *Config) TLSEnabled() bool {
	return c.PrivateKeyFile != "" && c.PublicKeyFile != ""
}

// SessionTimeouts builds the per-step deadlines the session package wants,
// falling back to session.DefaultTimeouts() when unset.
func (c *Config) SessionTimeouts() session.Timeouts {
	if c.SessionTimeoutSecs <= 0 {
		return session.DefaultTimeouts()
	}
	d := time.Duration(c.SessionTimeoutSecs) * time.Second
	return session.Timeouts{ReplyWrite: d, CommandRead: d}
}
