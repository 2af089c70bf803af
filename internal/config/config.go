package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/concord/internal/conflict"
	"github.com/hyperengineering/concord/internal/shard"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Storage         StorageConfig         `yaml:"storage"`
	Node            NodeConfig            `yaml:"node"`
	Auth            AuthConfig            `yaml:"auth"`
	Cluster         ClusterConfig         `yaml:"cluster"`
	Sync            SyncConfig            `yaml:"sync"`
	Sharding        ShardingConfig        `yaml:"sharding"`
	Replication     ReplicationConfig     `yaml:"replication"`
	Worker          WorkerConfig          `yaml:"worker"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
	Log             LogConfig             `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the node database (log, vectors, conflicts).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig locates the document engine.
type StorageConfig struct {
	RootPath string `yaml:"root_path"`
}

// NodeConfig identifies this node in the cluster.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// PeerConfig is one cluster peer.
type PeerConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// ClusterConfig contains peer replication settings.
type ClusterConfig struct {
	Secret           string       `yaml:"-"` // env-only, never in YAML
	Peers            []PeerConfig `yaml:"peers"`
	GossipInterval   Duration     `yaml:"gossip_interval"`
	BatchSize        int          `yaml:"batch_size"`
	RetryMaxAttempts int          `yaml:"retry_max_attempts"`
	Compress         bool         `yaml:"compress"`
}

// PeerIDs returns the configured peer ids.
func (c ClusterConfig) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// SyncConfig contains client sync settings.
type SyncConfig struct {
	SessionSecret        string            `yaml:"-"` // env-only, never in YAML
	SessionTTL           Duration          `yaml:"session_ttl"`
	DefaultPullLimit     int               `yaml:"default_pull_limit"`
	MaxPullLimit         int               `yaml:"max_pull_limit"`
	DefaultStrategy      string            `yaml:"default_strategy"`
	CollectionStrategies map[string]string `yaml:"collection_strategies"`
}

// Strategies parses the configured conflict strategies.
func (c SyncConfig) Strategies() (conflict.Strategy, map[string]conflict.Strategy, error) {
	def, err := conflict.ParseStrategy(c.DefaultStrategy)
	if err != nil {
		return conflict.Strategy{}, nil, fmt.Errorf("sync.default_strategy: %w", err)
	}
	out := make(map[string]conflict.Strategy, len(c.CollectionStrategies))
	for coll, name := range c.CollectionStrategies {
		st, err := conflict.ParseStrategy(name)
		if err != nil {
			return conflict.Strategy{}, nil, fmt.Errorf("sync.collection_strategies[%s]: %w", coll, err)
		}
		out[coll] = st
	}
	return def, out, nil
}

// ShardingConfig maps "database/collection" to shard settings.
type ShardingConfig struct {
	Collections map[string]shard.Config `yaml:"collections"`
}

// Registry builds the shard registry.
func (c ShardingConfig) Registry() (*shard.Registry, error) {
	return shard.NewRegistry(c.Collections)
}

// ReplicationConfig contains replication log retention settings.
type ReplicationConfig struct {
	MaxLogEntries     int      `yaml:"max_log_entries"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SessionExpiryInterval Duration `yaml:"session_expiry_interval"`
	SnapshotInterval      Duration `yaml:"snapshot_interval"`
}

// SnapshotStorageConfig contains S3-compatible snapshot upload settings.
// An empty bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CONCORD_CONFIG_PATH", "config/concord.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadLocal loads configuration for offline admin commands. It applies the
// same defaults, YAML file and env overrides as Load but skips validation, so
// secrets need not be set.
func LoadLocal() (*Config, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, getEnv("CONCORD_CONFIG_PATH", "config/concord.yaml")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/concord.db",
		},
		Storage: StorageConfig{
			RootPath: "~/.concord/databases",
		},
		Node: NodeConfig{
			ID: defaultNodeID(),
		},
		Cluster: ClusterConfig{
			GossipInterval:   Duration(100 * time.Millisecond),
			BatchSize:        10000,
			RetryMaxAttempts: 3,
			Compress:         true,
		},
		Sync: SyncConfig{
			SessionTTL:       Duration(7 * 24 * time.Hour),
			DefaultPullLimit: 100,
			MaxPullLimit:     1000,
			DefaultStrategy:  "last_write_wins",
		},
		Replication: ReplicationConfig{
			MaxLogEntries:     1_000_000,
			RetentionInterval: Duration(10 * time.Minute),
		},
		Worker: WorkerConfig{
			SessionExpiryInterval: Duration(1 * time.Hour),
			SnapshotInterval:      Duration(1 * time.Hour),
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-1"
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// parsePeers parses "id=url,id=url".
func parsePeers(v string) []PeerConfig {
	var peers []PeerConfig
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		peers = append(peers, PeerConfig{ID: strings.TrimSpace(id), URL: strings.TrimSpace(url)})
	}
	return peers
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("CONCORD_PORT", &cfg.Server.Port)
	envDuration("CONCORD_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("CONCORD_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("CONCORD_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Storage
	envString("CONCORD_DB_PATH", &cfg.Database.Path)
	envString("CONCORD_STORAGE_ROOT", &cfg.Storage.RootPath)
	envString("CONCORD_NODE_ID", &cfg.Node.ID)

	// Secrets
	envString("CONCORD_API_KEY", &cfg.Auth.APIKey)
	envString("CONCORD_CLUSTER_SECRET", &cfg.Cluster.Secret)
	envString("CONCORD_SESSION_SECRET", &cfg.Sync.SessionSecret)

	// Cluster
	if v := os.Getenv("CONCORD_CLUSTER_PEERS"); v != "" {
		cfg.Cluster.Peers = parsePeers(v)
	}
	envDuration("CONCORD_GOSSIP_INTERVAL", &cfg.Cluster.GossipInterval)
	envInt("CONCORD_GOSSIP_BATCH_SIZE", &cfg.Cluster.BatchSize)
	envInt("CONCORD_GOSSIP_RETRY_MAX_ATTEMPTS", &cfg.Cluster.RetryMaxAttempts)
	envBool("CONCORD_GOSSIP_COMPRESS", &cfg.Cluster.Compress)

	// Sync
	envDuration("CONCORD_SESSION_TTL", &cfg.Sync.SessionTTL)
	envInt("CONCORD_DEFAULT_PULL_LIMIT", &cfg.Sync.DefaultPullLimit)
	envInt("CONCORD_MAX_PULL_LIMIT", &cfg.Sync.MaxPullLimit)
	envString("CONCORD_DEFAULT_STRATEGY", &cfg.Sync.DefaultStrategy)

	// Replication and workers
	envInt("CONCORD_MAX_LOG_ENTRIES", &cfg.Replication.MaxLogEntries)
	envDuration("CONCORD_RETENTION_INTERVAL", &cfg.Replication.RetentionInterval)
	envDuration("CONCORD_SESSION_EXPIRY_INTERVAL", &cfg.Worker.SessionExpiryInterval)
	envDuration("CONCORD_SNAPSHOT_INTERVAL", &cfg.Worker.SnapshotInterval)

	// Snapshot storage
	envString("CONCORD_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("CONCORD_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("CONCORD_S3_REGION", &cfg.SnapshotStorage.Region)
	envString("CONCORD_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("CONCORD_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	if v := os.Getenv("CONCORD_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("CONCORD_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)

	// Log
	envString("CONCORD_LOG_LEVEL", &cfg.Log.Level)
	envString("CONCORD_LOG_FORMAT", &cfg.Log.Format)
}

// DevMode reports whether CONCORD_DEV_MODE is set.
func DevMode() bool {
	return os.Getenv("CONCORD_DEV_MODE") == "true"
}

// validate checks structural settings always and secrets outside dev mode.
func (c *Config) validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if c.Sync.DefaultPullLimit <= 0 || c.Sync.MaxPullLimit <= 0 {
		return errors.New("sync pull limits must be positive")
	}
	if c.Sync.DefaultPullLimit > c.Sync.MaxPullLimit {
		return fmt.Errorf("sync.default_pull_limit %d exceeds sync.max_pull_limit %d",
			c.Sync.DefaultPullLimit, c.Sync.MaxPullLimit)
	}
	if _, _, err := c.Sync.Strategies(); err != nil {
		return err
	}
	if _, err := c.Sharding.Registry(); err != nil {
		return fmt.Errorf("sharding: %w", err)
	}
	seen := make(map[string]bool, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		if p.ID == "" || p.URL == "" {
			return errors.New("cluster.peers entries need id and url")
		}
		if p.ID == c.Node.ID {
			return fmt.Errorf("cluster.peers lists this node (%s)", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("cluster.peers lists %s twice", p.ID)
		}
		seen[p.ID] = true
	}

	// Dev mode bypasses secret validation
	if DevMode() {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("CONCORD_API_KEY is required")
	}
	if len(c.Cluster.Peers) > 0 && c.Cluster.Secret == "" {
		return errors.New("CONCORD_CLUSTER_SECRET is required when peers are configured")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
