// Package config loads the TOML configuration shared by cmd/gateway,
// cmd/seqnum, and cmd/scheduler, per SPEC_FULL.md §6.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/prim-im/corechat/internal/log"
)

// RPCEndpoint names one RPC peer this process dials.
type RPCEndpoint struct {
	Address string `toml:"address"`
}

// ServerConfig carries this node's own identity and listen addresses.
type ServerConfig struct {
	NodeID         uint32 `toml:"node_id"`
	ServiceAddress string `toml:"service_address"`
	ClusterAddress string `toml:"cluster_address"`
	AppendDir      string `toml:"append_dir"`

	// ClusterCertPath/ClusterKeyPath, when both set, turn on TLS for the
	// cluster-facing listeners and dials (spec §9(c)); ClusterCAPath adds
	// client-certificate verification (mTLS). Left unset, cluster
	// connections are plain TCP with no peer authentication.
	ClusterCertPath string `toml:"cluster_cert_path"`
	ClusterKeyPath  string `toml:"cluster_key_path"`
	ClusterCAPath   string `toml:"cluster_ca_path"`
}

// TransportConfig tunes the frame layer (SPEC_FULL.md §4.1).
type TransportConfig struct {
	Mode                 string `toml:"mode"` // "strict" or "resync"
	QUIC                 bool   `toml:"quic"` // preferred client transport; false falls back to TCP
	IdleTimeoutMs        int    `toml:"idle_timeout_ms"`
	KeepAliveIntervalMs  int    `toml:"keep_alive_interval_ms"`
	ChannelDepth         int    `toml:"channel_depth"`
}

// RedisConfig points at the cache collaborator.
type RedisConfig struct {
	Address  string `toml:"address"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// SchedulerConfig tunes the directory's own storage.
type SchedulerConfig struct {
	AssignmentDir string `toml:"assignment_dir"`
}

// SeqnumConfig tunes the seqnum shard's own storage.
type SeqnumConfig struct {
	AppendDir        string `toml:"append_dir"`
	MaxSegmentBytes  int64  `toml:"max_segment_bytes"`
}

// RPCConfig names the peers this node calls into.
type RPCConfig struct {
	Scheduler RPCEndpoint `toml:"scheduler"`
	API       RPCEndpoint `toml:"api"`
}

// MessageQueueConfig points at the async queue collaborator.
type MessageQueueConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// AuthToken pre-provisions one credential for a TokenAuthenticator.
type AuthToken struct {
	Token  string `toml:"token"`
	UserID uint64 `toml:"user_id"`
}

// AuthConfig configures the gateway's client Authenticator (spec §6). When
// TokenKeyHex is empty the gateway falls back to StaticAuthenticator,
// suitable only for local development.
type AuthConfig struct {
	TokenKeyHex string      `toml:"token_key_hex"`
	Tokens      []AuthToken `toml:"tokens"`
}

// Config is the top-level shape of gateway.toml/seqnum.toml/scheduler.toml.
// Every subsystem reads only the sections it needs; unused sections are
// simply left at their zero value.
type Config struct {
	LogLevel log.Level `toml:"log_level"`

	Server       ServerConfig       `toml:"server"`
	Transport    TransportConfig    `toml:"transport"`
	Redis        RedisConfig        `toml:"redis"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Seqnum       SeqnumConfig       `toml:"seqnum"`
	RPC          RPCConfig          `toml:"rpc"`
	MessageQueue MessageQueueConfig `toml:"message_queue"`
	Auth         AuthConfig         `toml:"auth"`
}

func defaults() Config {
	return Config{
		LogLevel: log.Info,
		Transport: TransportConfig{
			Mode:                "resync",
			QUIC:                true,
			IdleTimeoutMs:       90_000,
			KeepAliveIntervalMs: 30_000,
			ChannelDepth:        16384,
		},
		Seqnum: SeqnumConfig{MaxSegmentBytes: 64 << 20},
	}
}

// Load parses path as TOML into a Config seeded with defaults, then
// applies CLUSTER_ADDRESS/SERVICE_ADDRESS environment overrides (for
// container deployments that inject addresses post-render).
func Load(path string) (Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLUSTER_ADDRESS"); v != "" {
		cfg.Server.ClusterAddress = v
	}
	if v := os.Getenv("SERVICE_ADDRESS"); v != "" {
		cfg.Server.ServiceAddress = v
	}
}
