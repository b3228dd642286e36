// Package config loads and hot-reloads the proxy's YAML configuration:
// clusters, shards, sharded-table rules, pool sizing, and auth settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PoolerMode controls when a server connection returns to its pool.
type PoolerMode string

const (
	PoolerTransaction PoolerMode = "transaction"
	PoolerSession     PoolerMode = "session"
)

// LoadBalancingStrategy selects how replicas are picked within a role set.
type LoadBalancingStrategy string

const (
	LBRandom     LoadBalancingStrategy = "random"
	LBRoundRobin LoadBalancingStrategy = "round_robin"
)

// ReadWriteSplit controls whether the primary is a read candidate.
type ReadWriteSplit string

const (
	SplitIncludePrimary                ReadWriteSplit = "include_primary"
	SplitExcludePrimary                ReadWriteSplit = "exclude_primary"
	SplitIncludePrimaryIfReplicaBanned ReadWriteSplit = "include_primary_if_replica_banned"
)

// ShardKeyUpdatePolicy controls cross-shard UPDATE-of-key behavior.
type ShardKeyUpdatePolicy string

const (
	RewriteShardKey ShardKeyUpdatePolicy = "rewrite"
	ErrorShardKey   ShardKeyUpdatePolicy = "error"
	IgnoreShardKey  ShardKeyUpdatePolicy = "ignore"
)

// AuthType is the default server authentication method for a database.
type AuthType string

const (
	AuthScram     AuthType = "scram"
	AuthMD5       AuthType = "md5"
	AuthTrust     AuthType = "trust"
	AuthCleartext AuthType = "cleartext"
)

// PreparedStatementsMode controls the proxy cache's aggressiveness.
type PreparedStatementsMode string

const (
	PreparedExtended PreparedStatementsMode = "extended"
	PreparedFull     PreparedStatementsMode = "full"
	PreparedDisabled PreparedStatementsMode = "disabled"
)

// General holds process-wide settings, the union of the external
// interface's configuration surface.
type General struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Workers int    `yaml:"workers"`

	DefaultPoolSize int        `yaml:"default_pool_size"`
	MinPoolSize     int        `yaml:"min_pool_size"`
	PoolerMode      PoolerMode `yaml:"pooler_mode"`

	HealthcheckInterval time.Duration `yaml:"healthcheck_interval"`
	HealthcheckTimeout  time.Duration `yaml:"healthcheck_timeout"`
	HealthcheckDelay    time.Duration `yaml:"healthcheck_delay"`
	BanTimeout          time.Duration `yaml:"ban_timeout"`
	RollbackTimeout     time.Duration `yaml:"rollback_timeout"`

	LoadBalancingStrategy LoadBalancingStrategy `yaml:"load_balancing_strategy"`
	ReadWriteSplit        ReadWriteSplit        `yaml:"read_write_split"`

	TLSCert       string `yaml:"tls_cert"`
	TLSKey        string `yaml:"tls_key"`
	TLSVerifyMode string `yaml:"tls_verify_mode"`

	ShutdownTimeout            time.Duration `yaml:"shutdown_timeout"`
	ShutdownTerminationTimeout time.Duration `yaml:"shutdown_termination_timeout"`

	PreparedStatements      PreparedStatementsMode `yaml:"prepared_statements"`
	PreparedStatementsLimit int                    `yaml:"prepared_statements_limit"`
	QueryCacheLimit         int                    `yaml:"query_cache_limit"`

	PassthroughAuth string `yaml:"passthrough_auth"`

	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ConnectAttempts     int           `yaml:"connect_attempts"`
	ConnectAttemptDelay time.Duration `yaml:"connect_attempt_delay"`

	QueryTimeout                   time.Duration `yaml:"query_timeout"`
	CheckoutTimeout                time.Duration `yaml:"checkout_timeout"`
	ClientLoginTimeout             time.Duration `yaml:"client_login_timeout"`
	IdleTimeout                    time.Duration `yaml:"idle_timeout"`
	ClientIdleTimeout              time.Duration `yaml:"client_idle_timeout"`
	ClientIdleInTransactionTimeout time.Duration `yaml:"client_idle_in_transaction_timeout"`
	ServerLifetime                 time.Duration `yaml:"server_lifetime"`

	MirrorQueueSize int     `yaml:"mirror_queue"`
	MirrorExposure  float64 `yaml:"mirror_exposure"`

	AuthType AuthType `yaml:"auth_type"`

	CrossShardDisabled bool `yaml:"cross_shard_disabled"`
	DryRun             bool `yaml:"dry_run"`
	OmniShardedSticky  bool `yaml:"omnisharded_sticky"`
	ExpandedExplain    bool `yaml:"expanded_explain"`

	TwoPhaseCommit         bool                 `yaml:"two_phase_commit"`
	TwoPhaseCommitAuto     bool                 `yaml:"two_phase_commit_auto"`
	RewriteShardKeyUpdates ShardKeyUpdatePolicy `yaml:"rewrite_shard_key_updates"`

	StatsPeriod time.Duration `yaml:"stats_period"`

	APIBind string `yaml:"api_bind"`
	APIPort int    `yaml:"api_port"`
	APIKey  string `yaml:"api_key"`
}

// AddressConfig is one upstream Postgres endpoint.
type AddressConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ShardConfig is one shard of a sharded database: one primary, N replicas.
type ShardConfig struct {
	Primary  AddressConfig   `yaml:"primary"`
	Replicas []AddressConfig `yaml:"replicas"`
}

// ShardedTableConfig mirrors the data model's ShardedTable: a column-to-
// shard mapping rule, optionally scoped to a schema/table name.
type ShardedTableConfig struct {
	Schema   string         `yaml:"schema,omitempty"`
	Table    string         `yaml:"table,omitempty"`
	Column   string         `yaml:"column"`
	DataType string         `yaml:"data_type"`
	Hasher   string         `yaml:"hasher,omitempty"` // "xxhash" (default) or "murmur3"
	Mapping  string         `yaml:"mapping"`          // "hash" | "list" | "range"
	List     map[string]int `yaml:"list,omitempty"`
	Ranges   []RangeBound   `yaml:"ranges,omitempty"`
}

// RangeBound is one half-open interval [Start, End) mapped to Shard.
type RangeBound struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Shard int    `yaml:"shard"`
}

// SchemaRuleConfig maps an entire schema to one shard, regardless of columns.
type SchemaRuleConfig struct {
	Schema string `yaml:"schema"`
	Shard  int    `yaml:"shard"`
}

// MirrorConfig names a shadow cluster receiving a sampled copy of traffic.
type MirrorConfig struct {
	DatabaseKey string  `yaml:"database_key"`
	Exposure    float64 `yaml:"exposure"`
}

// DatabaseConfig is one (user, database) cluster: its shards, sharding
// schema, and per-cluster overrides of General.
type DatabaseConfig struct {
	User     string   `yaml:"user"`
	Database string   `yaml:"database"`
	Password string   `yaml:"password"`
	AuthType AuthType `yaml:"auth_type,omitempty"`

	Shards []ShardConfig `yaml:"shards"`

	Tables  []ShardedTableConfig `yaml:"tables,omitempty"`
	Schemas []SchemaRuleConfig   `yaml:"schemas,omitempty"`

	Mirrors []MirrorConfig `yaml:"mirrors,omitempty"`

	PoolerMode      *PoolerMode    `yaml:"pooler_mode,omitempty"`
	MinPoolSize     *int           `yaml:"min_pool_size,omitempty"`
	MaxPoolSize     *int           `yaml:"max_pool_size,omitempty"`
	CheckoutTimeout *time.Duration `yaml:"checkout_timeout,omitempty"`
}

// Key returns the (user, database) identity used by the registry.
func (d DatabaseConfig) Key() string { return d.User + "@" + d.Database }

// EffectivePoolerMode resolves the per-database override or the default.
func (d DatabaseConfig) EffectivePoolerMode(g General) PoolerMode {
	if d.PoolerMode != nil {
		return *d.PoolerMode
	}
	return g.PoolerMode
}

// EffectiveMinPoolSize resolves the per-database override or the default.
func (d DatabaseConfig) EffectiveMinPoolSize(g General) int {
	if d.MinPoolSize != nil {
		return *d.MinPoolSize
	}
	return g.MinPoolSize
}

// EffectiveMaxPoolSize resolves the per-database override or the default.
func (d DatabaseConfig) EffectiveMaxPoolSize(g General) int {
	if d.MaxPoolSize != nil {
		return *d.MaxPoolSize
	}
	return g.DefaultPoolSize
}

// EffectiveCheckoutTimeout resolves the per-database override or the default.
func (d DatabaseConfig) EffectiveCheckoutTimeout(g General) time.Duration {
	if d.CheckoutTimeout != nil {
		return *d.CheckoutTimeout
	}
	return g.CheckoutTimeout
}

// Redacted returns a copy with the password masked, for logs/admin API.
func (d DatabaseConfig) Redacted() DatabaseConfig {
	c := d
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (g General) TLSEnabled() bool {
	return g.TLSCert != "" && g.TLSKey != ""
}

// Config is the top-level configuration object.
type Config struct {
	General   General                   `yaml:"general"`
	Databases map[string]DatabaseConfig `yaml:"databases"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, applying ${VAR} substitution,
// PGDOG_-prefixed environment overrides, defaults, and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets a PGDOG_<NAME> environment variable override a
// General field. Only host, port, workers, default_pool_size,
// min_pool_size, pooler_mode, ban_timeout, auth_type, two_phase_commit and
// dry_run are read; other PGDOG_ variables and all database/table settings
// are not overridable from the environment.
func applyEnvOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "PGDOG_") {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(k, "PGDOG_"))
		setGeneralField(&cfg.General, field, v)
	}
}

func setGeneralField(g *General, field, val string) {
	switch field {
	case "host":
		g.Host = val
	case "port":
		if n, err := strconv.Atoi(val); err == nil {
			g.Port = n
		}
	case "workers":
		if n, err := strconv.Atoi(val); err == nil {
			g.Workers = n
		}
	case "default_pool_size":
		if n, err := strconv.Atoi(val); err == nil {
			g.DefaultPoolSize = n
		}
	case "min_pool_size":
		if n, err := strconv.Atoi(val); err == nil {
			g.MinPoolSize = n
		}
	case "pooler_mode":
		g.PoolerMode = PoolerMode(val)
	case "ban_timeout":
		if d, err := time.ParseDuration(val); err == nil {
			g.BanTimeout = d
		}
	case "auth_type":
		g.AuthType = AuthType(val)
	case "two_phase_commit":
		g.TwoPhaseCommit = val == "true" || val == "1"
	case "dry_run":
		g.DryRun = val == "true" || val == "1"
	}
}

func applyDefaults(cfg *Config) {
	g := &cfg.General
	if g.Host == "" {
		g.Host = "0.0.0.0"
	}
	if g.Port == 0 {
		g.Port = 6432
	}
	if g.Workers == 0 {
		g.Workers = 4
	}
	if g.DefaultPoolSize == 0 {
		g.DefaultPoolSize = 10
	}
	if g.PoolerMode == "" {
		g.PoolerMode = PoolerTransaction
	}
	if g.HealthcheckInterval == 0 {
		g.HealthcheckInterval = 333 * time.Millisecond
	}
	if g.HealthcheckTimeout == 0 {
		g.HealthcheckTimeout = 5 * time.Second
	}
	if g.BanTimeout == 0 {
		g.BanTimeout = 300 * time.Second
	}
	if g.LoadBalancingStrategy == "" {
		g.LoadBalancingStrategy = LBRoundRobin
	}
	if g.ReadWriteSplit == "" {
		g.ReadWriteSplit = SplitExcludePrimary
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = 5 * time.Second
	}
	if g.ConnectAttempts == 0 {
		g.ConnectAttempts = 3
	}
	if g.ConnectAttemptDelay == 0 {
		g.ConnectAttemptDelay = 100 * time.Millisecond
	}
	if g.CheckoutTimeout == 0 {
		g.CheckoutTimeout = 5 * time.Second
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = 5 * time.Minute
	}
	if g.ServerLifetime == 0 {
		g.ServerLifetime = time.Hour
	}
	if g.AuthType == "" {
		g.AuthType = AuthScram
	}
	if g.RewriteShardKeyUpdates == "" {
		g.RewriteShardKeyUpdates = ErrorShardKey
	}
	if g.StatsPeriod == 0 {
		g.StatsPeriod = 15 * time.Second
	}
	if g.APIPort == 0 {
		g.APIPort = 8080
	}
	if g.APIBind == "" {
		g.APIBind = "127.0.0.1"
	}
	if g.MirrorQueueSize == 0 {
		g.MirrorQueueSize = 1024
	}
}

func validate(cfg *Config) error {
	for key, db := range cfg.Databases {
		if db.User == "" || db.Database == "" {
			return fmt.Errorf("database %q: user and database are required", key)
		}
		if len(db.Shards) == 0 {
			return fmt.Errorf("database %q: at least one shard is required", key)
		}
		for i, shard := range db.Shards {
			if shard.Primary.Host == "" || shard.Primary.Port == 0 {
				return fmt.Errorf("database %q shard %d: primary host/port required", key, i)
			}
		}
		for _, tbl := range db.Tables {
			if tbl.Column == "" {
				return fmt.Errorf("database %q: sharded table rule missing column", key)
			}
			switch tbl.Mapping {
			case "hash", "list", "range":
			default:
				return fmt.Errorf("database %q: unknown mapping %q for column %q", key, tbl.Mapping, tbl.Column)
			}
		}
	}
	return nil
}

// Watcher watches the config file and invokes callback with the reloaded
// Config, debounced to absorb editor-driven multi-write bursts.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
