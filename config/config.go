// Package config loads and validates the broker configuration. The file is
// JSON; defaults are applied at load time so the rest of the code never
// checks for zero values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Config represents the complete broker configuration.
type Config struct {
	Version   string           `json:"version"`
	Broker    BrokerConfig     `json:"broker"`
	DB        DBConfig         `json:"db"`
	Transport TransportConfig  `json:"transport"`
	Stats     StatsConfig      `json:"stats"`
	Endpoints []EndpointConfig `json:"endpoints"`
}

// BrokerConfig identifies this broker node.
type BrokerConfig struct {
	// ID stamps the source_id of frames emitted by this node.
	ID uint32 `json:"id"`
	// Name appears in logs and the stats snapshot.
	Name string `json:"name"`
	// SpoolDir hosts every muxer's overflow files.
	SpoolDir string `json:"spool_dir"`
}

// DBConfig configures the SQL persister.
type DBConfig struct {
	// Path of the SQLite database file.
	Path string `json:"path"`
	// Connections is the number of logical worker connections.
	Connections int `json:"connections"`
	// QueriesPerTransaction is the soft batch size before an explicit commit.
	QueriesPerTransaction int `json:"queries_per_transaction"`
	// InstanceTimeoutSeconds marks an instance outdated after this many
	// seconds without a status; 0 disables the check.
	InstanceTimeoutSeconds int `json:"instance_timeout"`
	// StoreInHostsServices writes the legacy per-object tables.
	StoreInHostsServices *bool `json:"store_in_hosts_services,omitempty"`
	// StoreInResources mirrors state into the unified resources table.
	StoreInResources *bool `json:"store_in_resources,omitempty"`
	// StoreInDataBin persists raw perfdata rows.
	StoreInDataBin *bool `json:"store_in_data_bin,omitempty"`
	// RRDLen is the default retention in seconds assigned to new indexes.
	RRDLen int `json:"rrd_len"`
	// IntervalLength is the seconds per check-interval unit.
	IntervalLength int `json:"interval_length"`
	// FlushIntervalSeconds paces the bulk-load flusher.
	FlushIntervalSeconds int `json:"flush_interval"`
}

// TransportConfig holds the wire-level knobs shared by every endpoint.
type TransportConfig struct {
	// MaxFrameSize caps a single BBDO frame in bytes.
	MaxFrameSize uint32 `json:"max_frame_size"`
	// RetryIntervalSeconds spaces reconnection attempts.
	RetryIntervalSeconds int `json:"retry_interval"`
	// BufferingTimeoutSeconds delays failover activation after a failure.
	BufferingTimeoutSeconds int `json:"buffering_timeout"`
	// AckInterval is the number of events between two acknowledgement
	// frames.
	AckInterval uint32 `json:"ack_interval"`
	// Compression enables the zlib extension during negotiation.
	Compression bool `json:"compression"`
}

// StatsConfig configures the named-pipe reporter.
type StatsConfig struct {
	// FifoPath is the well-known pipe the text snapshot is written to.
	// Empty disables the reporter.
	FifoPath string `json:"fifo_path"`
	// IntervalSeconds paces snapshots.
	IntervalSeconds int `json:"interval"`
}

// EndpointConfig describes one configured input or output endpoint.
type EndpointConfig struct {
	Name string `json:"name"`
	// Mode is "in" (events flow from the peer to the bus) or "out" (from
	// the bus to the peer).
	Mode string `json:"mode"`
	// Proto selects the transport: tcp, tcp-listen, ws, nats.
	Proto string `json:"proto"`
	// Address is the dial or listen address (tcp, tcp-listen, ws) or the
	// server URL (nats).
	Address string `json:"address"`
	// Subject is the NATS subject for the nats proto.
	Subject string `json:"subject,omitempty"`
	// Categories filters what the endpoint consumes from the bus ("neb",
	// "storage", "bbdo"). Empty accepts everything.
	Categories []string `json:"categories,omitempty"`
	// Failover names another endpoint definition used while this one is
	// down.
	Failover string `json:"failover,omitempty"`
	// QueueLimit overrides the muxer's in-memory cap.
	QueueLimit int `json:"queue_limit,omitempty"`
	// RetryIntervalSeconds overrides the shared retry interval.
	RetryIntervalSeconds int `json:"retry_interval,omitempty"`
}

// Durations derived from the integer-second knobs.

// InstanceTimeout returns the outdated-instance timeout.
func (d DBConfig) InstanceTimeout() time.Duration {
	return time.Duration(d.InstanceTimeoutSeconds) * time.Second
}

// FlushInterval returns the bulk flusher period.
func (d DBConfig) FlushInterval() time.Duration {
	return time.Duration(d.FlushIntervalSeconds) * time.Second
}

// RetryInterval returns the reconnect spacing.
func (t TransportConfig) RetryInterval() time.Duration {
	return time.Duration(t.RetryIntervalSeconds) * time.Second
}

// BufferingTimeout returns the failover activation delay.
func (t TransportConfig) BufferingTimeout() time.Duration {
	return time.Duration(t.BufferingTimeoutSeconds) * time.Second
}

// Interval returns the stats snapshot period.
func (s StatsConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills every unset knob with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Broker.Name == "" {
		c.Broker.Name = "eventbroker"
	}
	if c.Broker.SpoolDir == "" {
		c.Broker.SpoolDir = "/var/lib/eventbroker/spool"
	}
	if c.DB.Connections <= 0 {
		c.DB.Connections = 3
	}
	if c.DB.QueriesPerTransaction <= 0 {
		c.DB.QueriesPerTransaction = 2000
	}
	if c.DB.StoreInHostsServices == nil {
		c.DB.StoreInHostsServices = boolPtr(true)
	}
	if c.DB.StoreInResources == nil {
		c.DB.StoreInResources = boolPtr(true)
	}
	if c.DB.StoreInDataBin == nil {
		c.DB.StoreInDataBin = boolPtr(true)
	}
	if c.DB.RRDLen <= 0 {
		c.DB.RRDLen = 15552000 // 180 days
	}
	if c.DB.IntervalLength <= 0 {
		c.DB.IntervalLength = 60
	}
	if c.DB.FlushIntervalSeconds <= 0 {
		c.DB.FlushIntervalSeconds = 10
	}
	if c.Transport.MaxFrameSize == 0 {
		c.Transport.MaxFrameSize = 16 * 1024 * 1024
	}
	if c.Transport.RetryIntervalSeconds <= 0 {
		c.Transport.RetryIntervalSeconds = 30
	}
	if c.Transport.BufferingTimeoutSeconds < 0 {
		c.Transport.BufferingTimeoutSeconds = 0
	}
	if c.Transport.AckInterval == 0 {
		c.Transport.AckInterval = 1000
	}
	if c.Stats.IntervalSeconds <= 0 {
		c.Stats.IntervalSeconds = 10
	}
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.DB.Connections > 32 {
		return fmt.Errorf("db.connections must be at most 32, got %d", c.DB.Connections)
	}
	names := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Name == "" {
			return fmt.Errorf("endpoint %d: name is required", i)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoint %q defined twice", ep.Name)
		}
		names[ep.Name] = true
		switch ep.Mode {
		case "in", "out":
		default:
			return fmt.Errorf("endpoint %q: mode must be \"in\" or \"out\", got %q", ep.Name, ep.Mode)
		}
		switch ep.Proto {
		case "tcp", "tcp-listen", "ws":
			if ep.Address == "" {
				return fmt.Errorf("endpoint %q: address is required for proto %q", ep.Name, ep.Proto)
			}
		case "nats":
			if ep.Address == "" || ep.Subject == "" {
				return fmt.Errorf("endpoint %q: address and subject are required for proto nats", ep.Name)
			}
			if ep.Mode != "out" {
				return fmt.Errorf("endpoint %q: proto nats is output-only", ep.Name)
			}
		default:
			return fmt.Errorf("endpoint %q: unknown proto %q", ep.Name, ep.Proto)
		}
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Failover != "" && !names[ep.Failover] {
			return fmt.Errorf("endpoint %q: failover %q is not defined", ep.Name, ep.Failover)
		}
		if ep.Failover == ep.Name && ep.Name != "" {
			return fmt.Errorf("endpoint %q: cannot fail over to itself", ep.Name)
		}
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
