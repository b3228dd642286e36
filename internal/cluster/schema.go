package cluster

import (
	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/router"
	"github.com/pgdogdev/pgdog/internal/router/sharding"
)

// BuildSchema turns a database's sharded-table and schema-rule
// configuration into a router.Schema.
func BuildSchema(db config.DatabaseConfig) *router.Schema {
	schema := router.NewSchema(len(db.Shards))
	for _, tbl := range db.Tables {
		schema.AddTable(router.TableRule{
			Table:  tbl.Table,
			Column: tbl.Column,
			Rule:   buildShardingTable(tbl, len(db.Shards)),
		})
	}
	for _, rule := range db.Schemas {
		schema.SchemaShards[rule.Schema] = rule.Shard
	}
	return schema
}

func buildShardingTable(tbl config.ShardedTableConfig, shardCount int) sharding.Table {
	t := sharding.Table{
		Column:   tbl.Column,
		DataType: tbl.DataType,
		Hasher:   sharding.HasherByName(tbl.Hasher),
	}
	switch tbl.Mapping {
	case "list":
		t.Mapping = sharding.MappingList
		t.List = tbl.List
		t.DefaultList = -1
	case "range":
		t.Mapping = sharding.MappingRange
		t.DefaultRange = -1
		for _, rb := range tbl.Ranges {
			t.Ranges = append(t.Ranges, sharding.RangeBound{Start: rb.Start, End: rb.End, Shard: rb.Shard})
		}
	default:
		t.Mapping = sharding.MappingHash
		t.Shards = shardCount
	}
	return t
}

// Registry composes the Databases registry with the per-cluster schema and
// database-config lookups the frontend session needs, implementing
// frontend.Schemas without internal/frontend importing internal/config.
type Registry struct {
	*Databases
	schemas  map[UserKey]*router.Schema
	dbConfig map[UserKey]config.DatabaseConfig
}

// NewRegistry builds a Registry from a loaded configuration, constructing
// one Cluster and one router.Schema per database entry. checkHealth is the
// probe each balancer's monitor (lb.Balancer.StartMonitor) runs on every
// tick; targets start out healthy until a tick says otherwise. Pass
// health.Checker.CheckHealth in production.
func NewRegistry(cfg *config.Config, checkHealth func(*lb.Target) bool) (*Registry, error) {
	reg := &Registry{Databases: NewDatabases()}
	if err := reg.Reload(cfg, checkHealth); err != nil {
		return nil, err
	}
	return reg, nil
}

// Reload rebuilds the schema/config maps and swaps the live cluster set,
// for use from a config.Watcher callback.
func (r *Registry) Reload(cfg *config.Config, checkHealth func(*lb.Target) bool) error {
	clusters, err := BuildAll(cfg, r.Databases)
	if err != nil {
		return err
	}
	schemas := make(map[UserKey]*router.Schema, len(cfg.Databases))
	dbConfig := make(map[UserKey]config.DatabaseConfig, len(cfg.Databases))
	for _, db := range cfg.Databases {
		key := UserKey{User: db.User, Database: db.Database}
		schemas[key] = BuildSchema(db)
		dbConfig[key] = db
	}
	wasEmpty := r.schemas == nil
	r.schemas = schemas
	r.dbConfig = dbConfig
	r.Databases.ReplaceDatabases(clusters, !wasEmpty, checkHealth)
	return nil
}

// SchemaFor returns the sharding schema built for key's cluster.
func (r *Registry) SchemaFor(key UserKey) (*router.Schema, bool) {
	s, ok := r.schemas[key]
	return s, ok
}

// DBConfigFor returns the raw DatabaseConfig for key, used for client-facing
// authentication.
func (r *Registry) DBConfigFor(key UserKey) (config.DatabaseConfig, bool) {
	c, ok := r.dbConfig[key]
	return c, ok
}
