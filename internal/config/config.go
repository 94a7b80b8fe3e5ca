package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratakv/strata/internal/model"
)

// NodeConfig identifies this node in the replica set
type NodeConfig struct {
	ID       string `yaml:"id"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// PromotionConfig holds the hot-entry thresholds that move entries up a tier
type PromotionConfig struct {
	LFUMinFrequency     int64         `yaml:"lfu_min_frequency"`
	LRURecencyWindow    time.Duration `yaml:"lru_recency_window"`
	HybridMinFrequency  int64         `yaml:"hybrid_min_frequency"`
	HybridRecencyWindow time.Duration `yaml:"hybrid_recency_window"`
	DefaultMinHits      int64         `yaml:"default_min_hits"`
}

// CacheConfig holds multi-tier cache configuration
type CacheConfig struct {
	EvictionStrategy model.EvictionStrategy `yaml:"eviction_strategy"`
	WriteMode        model.WriteMode        `yaml:"write_mode"`
	L1MaxSize        int                    `yaml:"l1_max_size"`
	L2MaxSize        int                    `yaml:"l2_max_size"`
	L3MaxSize        int                    `yaml:"l3_max_size"`
	DefaultTTL       time.Duration          `yaml:"default_ttl"`
	FlushInterval    time.Duration          `yaml:"flush_interval"`
	Promotion        PromotionConfig        `yaml:"promotion"`
}

// BadgerConfig holds embedded store configuration
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// PostgresConfig holds PostgreSQL store configuration
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// MemoryStoreConfig holds in-memory store configuration
type MemoryStoreConfig struct {
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// StoreConfig selects and configures the backing store
type StoreConfig struct {
	Backend  string            `yaml:"backend"` // memory | badger | redis | postgres
	Badger   BadgerConfig      `yaml:"badger"`
	Redis    RedisConfig       `yaml:"redis"`
	Postgres PostgresConfig    `yaml:"postgres"`
	Memory   MemoryStoreConfig `yaml:"memory"`
}

// ReplicationConfig holds replication coordinator configuration
type ReplicationConfig struct {
	Enabled             bool                   `yaml:"enabled"`
	Mode                model.ReplicationMode  `yaml:"mode"`
	Consistency         model.ConsistencyLevel `yaml:"consistency"`
	ConflictStrategy    model.ConflictStrategy `yaml:"conflict_strategy"`
	SyncInterval        time.Duration          `yaml:"sync_interval"`
	HeartbeatInterval   time.Duration          `yaml:"heartbeat_interval"`
	HealthCheckInterval time.Duration          `yaml:"health_check_interval"`
	SnapshotInterval    time.Duration          `yaml:"snapshot_interval"`
	RetentionPeriod     time.Duration          `yaml:"retention_period"`
	MaxSnapshots        int                    `yaml:"max_snapshots"`
	WriteQuorum         int                    `yaml:"write_quorum"`
	ReadQuorum          int                    `yaml:"read_quorum"`
	MaxLag              time.Duration          `yaml:"max_lag"`
	CompressThreshold   int                    `yaml:"compress_threshold"` // payload bytes above which deltas and snapshots are compressed
}

// ClusterConfig holds gossip membership configuration
type ClusterConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	AdvertisePort  int           `yaml:"advertise_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TelemetryConfig holds the fire-and-forget collector configuration
type TelemetryConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a strata node
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Replication ReplicationConfig `yaml:"replication"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides lets deploy-time knobs override the file
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("STRATA_NODE_ID"); nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if endpoint := os.Getenv("STRATA_NODE_ENDPOINT"); endpoint != "" {
		cfg.Node.Endpoint = endpoint
	}
	if backend := os.Getenv("STRATA_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if addr := os.Getenv("STRATA_REDIS_ADDR"); addr != "" {
		cfg.Store.Redis.Addr = addr
	}
	if password := os.Getenv("STRATA_REDIS_PASSWORD"); password != "" {
		cfg.Store.Redis.Password = password
	}
	if dsn := os.Getenv("STRATA_POSTGRES_DSN"); dsn != "" {
		cfg.Store.Postgres.DSN = dsn
	}
	if bindAddr := os.Getenv("STRATA_CLUSTER_BIND_ADDR"); bindAddr != "" {
		cfg.Cluster.BindAddr = bindAddr
	}
	if bindPort := os.Getenv("STRATA_CLUSTER_BIND_PORT"); bindPort != "" {
		if p, err := strconv.Atoi(bindPort); err == nil {
			cfg.Cluster.BindPort = p
		}
	}
	if metricsPort := os.Getenv("STRATA_METRICS_PORT"); metricsPort != "" {
		if p, err := strconv.Atoi(metricsPort); err == nil {
			cfg.Metrics.Port = p
		}
	}
	if level := os.Getenv("STRATA_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Cache.EvictionStrategy == "" {
		cfg.Cache.EvictionStrategy = model.EvictionLRU
	}
	if cfg.Cache.WriteMode == "" {
		cfg.Cache.WriteMode = model.WriteThrough
	}
	if cfg.Cache.L1MaxSize == 0 {
		cfg.Cache.L1MaxSize = 1000
	}
	if cfg.Cache.L2MaxSize == 0 {
		cfg.Cache.L2MaxSize = 10000
	}
	if cfg.Cache.L3MaxSize == 0 {
		cfg.Cache.L3MaxSize = 100000
	}
	if cfg.Cache.FlushInterval == 0 {
		cfg.Cache.FlushInterval = 5 * time.Second
	}
	if cfg.Cache.Promotion.LFUMinFrequency == 0 {
		cfg.Cache.Promotion.LFUMinFrequency = 5
	}
	if cfg.Cache.Promotion.LRURecencyWindow == 0 {
		cfg.Cache.Promotion.LRURecencyWindow = 60 * time.Second
	}
	if cfg.Cache.Promotion.HybridMinFrequency == 0 {
		cfg.Cache.Promotion.HybridMinFrequency = 3
	}
	if cfg.Cache.Promotion.HybridRecencyWindow == 0 {
		cfg.Cache.Promotion.HybridRecencyWindow = 120 * time.Second
	}
	if cfg.Cache.Promotion.DefaultMinHits == 0 {
		cfg.Cache.Promotion.DefaultMinHits = 10
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Memory.JanitorInterval == 0 {
		cfg.Store.Memory.JanitorInterval = time.Minute
	}
	if cfg.Store.Badger.Path == "" {
		cfg.Store.Badger.Path = "/var/lib/strata"
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "localhost:6379"
	}
	if cfg.Store.Redis.DialTimeout == 0 {
		cfg.Store.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Store.Postgres.MaxConns == 0 {
		cfg.Store.Postgres.MaxConns = 10
	}

	if cfg.Replication.Mode == "" {
		cfg.Replication.Mode = model.PrimaryReplica
	}
	if cfg.Replication.Consistency == "" {
		cfg.Replication.Consistency = model.ConsistencyEventual
	}
	if cfg.Replication.ConflictStrategy == "" {
		cfg.Replication.ConflictStrategy = model.LastWriteWins
	}
	if cfg.Replication.SyncInterval == 0 {
		cfg.Replication.SyncInterval = 5 * time.Second
	}
	if cfg.Replication.HeartbeatInterval == 0 {
		cfg.Replication.HeartbeatInterval = time.Second
	}
	if cfg.Replication.HealthCheckInterval == 0 {
		cfg.Replication.HealthCheckInterval = 10 * time.Second
	}
	if cfg.Replication.SnapshotInterval == 0 {
		cfg.Replication.SnapshotInterval = time.Minute
	}
	if cfg.Replication.RetentionPeriod == 0 {
		cfg.Replication.RetentionPeriod = time.Hour
	}
	if cfg.Replication.MaxSnapshots == 0 {
		cfg.Replication.MaxSnapshots = 10
	}
	if cfg.Replication.WriteQuorum == 0 {
		cfg.Replication.WriteQuorum = 1
	}
	if cfg.Replication.ReadQuorum == 0 {
		cfg.Replication.ReadQuorum = 1
	}
	if cfg.Replication.MaxLag == 0 {
		cfg.Replication.MaxLag = 30 * time.Second
	}
	if cfg.Replication.CompressThreshold == 0 {
		cfg.Replication.CompressThreshold = 1024
	}

	if cfg.Cluster.BindAddr == "" {
		cfg.Cluster.BindAddr = "0.0.0.0"
	}
	if cfg.Cluster.BindPort == 0 {
		cfg.Cluster.BindPort = 7946
	}
	if cfg.Cluster.GossipInterval == 0 {
		cfg.Cluster.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Cluster.ProbeInterval == 0 {
		cfg.Cluster.ProbeInterval = time.Second
	}
	if cfg.Cluster.ProbeTimeout == 0 {
		cfg.Cluster.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Cluster.RequestTimeout == 0 {
		cfg.Cluster.RequestTimeout = 5 * time.Second
	}

	if cfg.Telemetry.BufferSize == 0 {
		cfg.Telemetry.BufferSize = 1024
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}

	switch c.Cache.EvictionStrategy {
	case model.EvictionLRU, model.EvictionLFU, model.EvictionFIFO,
		model.EvictionTTL, model.EvictionSize, model.EvictionHybrid:
	default:
		return fmt.Errorf("cache.eviction_strategy %q is not recognized", c.Cache.EvictionStrategy)
	}

	switch c.Cache.WriteMode {
	case model.WriteThrough, model.WriteBack:
	default:
		return fmt.Errorf("cache.write_mode %q is not recognized", c.Cache.WriteMode)
	}

	if c.Cache.L1MaxSize < 1 || c.Cache.L2MaxSize < 1 || c.Cache.L3MaxSize < 1 {
		return fmt.Errorf("cache tier sizes must be at least 1 entry")
	}
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must not be negative")
	}
	if c.Cache.WriteMode == model.WriteBack && c.Cache.FlushInterval <= 0 {
		return fmt.Errorf("cache.flush_interval is required for write-back mode")
	}

	switch c.Store.Backend {
	case "memory", "badger", "redis", "postgres":
	default:
		return fmt.Errorf("store.backend %q is not recognized", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
	}

	switch c.Replication.Mode {
	case model.PrimaryReplica, model.MultiPrimary:
	default:
		return fmt.Errorf("replication.mode %q is not recognized", c.Replication.Mode)
	}

	switch c.Replication.Consistency {
	case model.ConsistencyEventual, model.ConsistencyStrong, model.ConsistencyCausal:
	default:
		return fmt.Errorf("replication.consistency %q is not recognized", c.Replication.Consistency)
	}

	switch c.Replication.ConflictStrategy {
	case model.LastWriteWins, model.FirstWriteWins, model.VectorClockWins,
		model.MergeValues, model.CustomResolution:
	default:
		return fmt.Errorf("replication.conflict_strategy %q is not recognized", c.Replication.ConflictStrategy)
	}

	if c.Replication.WriteQuorum < 1 {
		return fmt.Errorf("replication.write_quorum must be at least 1")
	}
	if c.Replication.ReadQuorum < 1 {
		return fmt.Errorf("replication.read_quorum must be at least 1")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	return nil
}
