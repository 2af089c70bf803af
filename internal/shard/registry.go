package shard

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// KeyField is the ShardKey value that routes on the document key itself.
const KeyField = "_key"

// Config is the sharding setup of one collection.
type Config struct {
	NumShards         uint16 `yaml:"num_shards" json:"num_shards"`
	ReplicationFactor uint16 `yaml:"replication_factor" json:"replication_factor"`
	ShardKey          string `yaml:"shard_key" json:"shard_key"`
}

// RoutesByField reports whether documents route on a data field rather than
// on their key.
func (c Config) RoutesByField() bool {
	return c.ShardKey != "" && c.ShardKey != KeyField
}

// RoutingKey returns the value routed for a document. A ShardKey other than
// _key selects a field of data by gjson path, falling back to the key when
// the field is absent.
func (c Config) RoutingKey(key string, data json.RawMessage) string {
	if !c.RoutesByField() || len(data) == 0 {
		return key
	}
	res := gjson.GetBytes(data, c.ShardKey)
	if !res.Exists() {
		return key
	}
	return res.String()
}

// Registry holds shard configs keyed by database and collection.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewRegistry builds a registry from "database/collection" keyed configs.
func NewRegistry(configs map[string]Config) (*Registry, error) {
	r := &Registry{configs: make(map[string]Config, len(configs))}
	for name, cfg := range configs {
		db, coll, ok := strings.Cut(name, "/")
		if !ok || db == "" || coll == "" {
			return nil, fmt.Errorf("shard config %q: expected database/collection", name)
		}
		if cfg.NumShards == 0 {
			return nil, fmt.Errorf("shard config %q: num_shards must be positive", name)
		}
		if cfg.ReplicationFactor == 0 {
			cfg.ReplicationFactor = 1
		}
		r.configs[name] = cfg
	}
	return r, nil
}

// Get returns the config for a collection, if it is sharded.
func (r *Registry) Get(database, collection string) (Config, bool) {
	if r == nil {
		return Config{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[database+"/"+collection]
	return cfg, ok
}

// Set installs or replaces the config for a collection.
func (r *Registry) Set(database, collection string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[database+"/"+collection] = cfg
}
