package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProtocolPeriod      = 400 * time.Millisecond
	DefaultAckTimeout          = 1000 * time.Millisecond
	DefaultRereplicateInterval = 1500 * time.Millisecond
	DefaultCleanupInterval     = 500 * time.Millisecond
	DefaultSignalTimeout       = 30 * time.Second
	DefaultTransferTimeout     = 2 * time.Minute
	DefaultReplicationFactor   = 4
	DefaultMaxTransferSize     = "4GiB"
	DefaultDataDir             = "./sdfs-data"
)

type Config struct {
	Node   NodeConfig   `json:"node" yaml:"node"`
	Client ClientConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

type NodeConfig struct {
	// Address is the node identity and its command listener, host:port.
	Address    string `json:"address" yaml:"address"`
	Introducer string `json:"introducer" yaml:"introducer"`
	DataDir    string `json:"data_dir" yaml:"data_dir"`

	ProtocolPeriod      Duration `json:"protocol_period,omitempty" yaml:"protocol_period,omitempty"`
	AckTimeout          Duration `json:"ack_timeout,omitempty" yaml:"ack_timeout,omitempty"`
	JoinTimeout         Duration `json:"join_timeout,omitempty" yaml:"join_timeout,omitempty"`
	SignalTimeout       Duration `json:"signal_timeout,omitempty" yaml:"signal_timeout,omitempty"`
	TransferTimeout     Duration `json:"transfer_timeout,omitempty" yaml:"transfer_timeout,omitempty"`
	RereplicateInterval Duration `json:"rereplicate_interval,omitempty" yaml:"rereplicate_interval,omitempty"`
	CleanupInterval     Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`

	ReplicationFactor int    `json:"replication_factor,omitempty" yaml:"replication_factor,omitempty"`
	MaxTransferSize   string `json:"max_transfer_size,omitempty" yaml:"max_transfer_size,omitempty"`

	// PortOffsets overrides the per-role offsets from the base port, keyed by role name.
	PortOffsets    map[string]int `json:"port_offsets,omitempty" yaml:"port_offsets,omitempty"`
	MetricsEnabled bool           `json:"metrics_enabled" yaml:"metrics_enabled"`
}

type ClientConfig struct {
	Servers []string `json:"servers" yaml:"servers"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Default returns a configuration populated with the reference constants.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:             DefaultDataDir,
			ProtocolPeriod:      Duration(DefaultProtocolPeriod),
			AckTimeout:          Duration(DefaultAckTimeout),
			JoinTimeout:         Duration(DefaultProtocolPeriod),
			SignalTimeout:       Duration(DefaultSignalTimeout),
			TransferTimeout:     Duration(DefaultTransferTimeout),
			RereplicateInterval: Duration(DefaultRereplicateInterval),
			CleanupInterval:     Duration(DefaultCleanupInterval),
			ReplicationFactor:   DefaultReplicationFactor,
			MaxTransferSize:     DefaultMaxTransferSize,
			MetricsEnabled:      true,
		},
		Client: ClientConfig{
			Timeout: Duration(DefaultTransferTimeout),
		},
	}
}

// LoadConfig reads a JSON or YAML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	return cfg, nil
}

// LoadFromEnv builds a configuration from SDFS_* variables on top of the defaults.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields for which an SDFS_* variable is set.
func (c *Config) ApplyEnv() {
	n := &c.Node
	n.Address = getEnv("SDFS_ADDRESS", n.Address)
	n.Introducer = getEnv("SDFS_INTRODUCER", n.Introducer)
	n.DataDir = getEnv("SDFS_DATA_DIR", n.DataDir)
	n.MaxTransferSize = getEnv("SDFS_MAX_TRANSFER_SIZE", n.MaxTransferSize)

	if v := os.Getenv("SDFS_REPLICATION_FACTOR"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			n.ReplicationFactor = r
		}
	}
	envDuration("SDFS_PROTOCOL_PERIOD", &n.ProtocolPeriod)
	envDuration("SDFS_ACK_TIMEOUT", &n.AckTimeout)
	envDuration("SDFS_JOIN_TIMEOUT", &n.JoinTimeout)

	if servers := os.Getenv("SDFS_SERVERS"); servers != "" {
		c.Client.Servers = splitList(servers)
	}
}

// Validate checks that the node section can run.
func (n *NodeConfig) Validate() error {
	if _, err := types.ParseNodeID(n.Address); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if _, err := types.ParseNodeID(n.Introducer); err != nil {
		return fmt.Errorf("invalid introducer: %w", err)
	}
	if n.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if n.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1, got %d", n.ReplicationFactor)
	}
	if n.ProtocolPeriod <= 0 || n.AckTimeout <= 0 {
		return fmt.Errorf("protocol_period and ack_timeout must be positive")
	}
	if n.RereplicateInterval <= 0 || n.CleanupInterval <= 0 {
		return fmt.Errorf("rereplicate_interval and cleanup_interval must be positive")
	}
	if _, err := n.MaxTransferBytes(); err != nil {
		return err
	}
	if _, err := n.Offsets(); err != nil {
		return err
	}
	return nil
}

// ID returns the node identity.
func (n *NodeConfig) ID() types.NodeID {
	return types.NodeID(n.Address)
}

// IntroducerID returns the introducer identity.
func (n *NodeConfig) IntroducerID() types.NodeID {
	return types.NodeID(n.Introducer)
}

// IsIntroducer reports whether this node is the well-known introducer.
func (n *NodeConfig) IsIntroducer() bool {
	return n.Address == n.Introducer
}

// MaxTransferBytes parses MaxTransferSize, e.g. "512MiB".
func (n *NodeConfig) MaxTransferBytes() (int64, error) {
	if n.MaxTransferSize == "" {
		n.MaxTransferSize = DefaultMaxTransferSize
	}
	size, err := humanize.ParseBytes(n.MaxTransferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_transfer_size %q: %w", n.MaxTransferSize, err)
	}
	if size == 0 || size > 1<<62 {
		return 0, fmt.Errorf("max_transfer_size %q out of range", n.MaxTransferSize)
	}
	return int64(size), nil
}

// Offsets resolves the role port offsets, applying overrides by role name.
func (n *NodeConfig) Offsets() (map[transport.Role]int, error) {
	offsets := transport.DefaultOffsets()
	byName := make(map[string]transport.Role, len(offsets))
	for _, r := range transport.Roles() {
		byName[r.String()] = r
	}
	for name, off := range n.PortOffsets {
		role, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown role %q in port_offsets", name)
		}
		offsets[role] = off
	}
	seen := make(map[int]transport.Role, len(offsets))
	for role, off := range offsets {
		if other, dup := seen[off]; dup {
			return nil, fmt.Errorf("roles %s and %s share port offset %d", other, role, off)
		}
		seen[off] = role
	}
	return offsets, nil
}

// Duration is a time.Duration that reads "400ms" style strings or integer milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if ms, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = Duration(parsed)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
