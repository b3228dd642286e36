package cluster

import (
	"fmt"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/config"
)

// Build constructs a Cluster from a database's configuration, wiring one
// Shard per configured shard entry with its own primary/replica pools and
// load balancer. databases is the registry mirror queues resolve their
// shadow target against; it may be nil if this cluster has no mirrors.
func Build(db config.DatabaseConfig, general config.General, databases *Databases) (*Cluster, error) {
	if len(db.Shards) == 0 {
		return nil, fmt.Errorf("database %s: no shards configured", db.Key())
	}

	poolCfg := pool.Config{
		MinSize:         db.EffectiveMinPoolSize(general),
		MaxSize:         db.EffectiveMaxPoolSize(general),
		CheckoutTimeout: db.EffectiveCheckoutTimeout(general),
		IdleTimeout:     general.IdleTimeout,
		MaxAge:          general.ServerLifetime,
		BanTimeout:      general.BanTimeout,
		ConnectTimeout:  general.ConnectTimeout,
		ConnectAttempts: general.ConnectAttempts,
	}

	authType := string(general.AuthType)
	if db.AuthType != "" {
		authType = string(db.AuthType)
	}

	shards := make([]*Shard, 0, len(db.Shards))
	for i, shardCfg := range db.Shards {
		primaryAddr := backend.Address{
			Host: shardCfg.Primary.Host, Port: shardCfg.Primary.Port,
			User: db.User, Password: db.Password, Database: db.Database,
			Role: "primary", AuthType: authType,
		}
		primaryPool := pool.New(primaryAddr, poolCfg)

		targets := []*lb.Target{{Pool: primaryPool, Role: lb.RolePrimary}}
		replicaPools := make([]*pool.Pool, 0, len(shardCfg.Replicas))
		for _, r := range shardCfg.Replicas {
			addr := backend.Address{
				Host: r.Host, Port: r.Port,
				User: db.User, Password: db.Password, Database: db.Database,
				Role: "replica", AuthType: authType,
			}
			p := pool.New(addr, poolCfg)
			replicaPools = append(replicaPools, p)
			targets = append(targets, &lb.Target{Pool: p, Role: lb.RoleReplica})
		}

		balancer := lb.New(targets, lb.ReadWriteSplit(general.ReadWriteSplit), lb.Strategy(general.LoadBalancingStrategy), general.BanTimeout)

		shards = append(shards, &Shard{
			Index:    i,
			Primary:  primaryPool,
			Replicas: replicaPools,
			Balancer: balancer,
		})
	}

	var mirrors []Mirror
	var mirrorQueues []*MirrorQueue
	for _, m := range db.Mirrors {
		mirror := Mirror{
			Target:   parseMirrorKey(m.DatabaseKey),
			Exposure: m.Exposure,
		}
		mirrors = append(mirrors, mirror)
		if databases != nil {
			mirrorQueues = append(mirrorQueues, newMirrorQueue(mirror, general.MirrorQueueSize, databases))
		}
	}

	return &Cluster{
		Key:                    UserKey{User: db.User, Database: db.Database},
		Shards:                 shards,
		PoolerMode:             string(db.EffectivePoolerMode(general)),
		CrossShardDisabled:     general.CrossShardDisabled,
		TwoPhaseCommit:         general.TwoPhaseCommit,
		RewriteShardKeyUpdates: string(general.RewriteShardKeyUpdates),
		Mirrors:                mirrors,
		MirrorQueues:           mirrorQueues,
	}, nil
}

func parseMirrorKey(key string) UserKey {
	for i := 0; i < len(key); i++ {
		if key[i] == '@' {
			return UserKey{User: key[:i], Database: key[i+1:]}
		}
	}
	return UserKey{Database: key}
}

// BuildAll constructs a Cluster for every database in cfg.
func BuildAll(cfg *config.Config, databases *Databases) (map[UserKey]*Cluster, error) {
	out := make(map[UserKey]*Cluster, len(cfg.Databases))
	for _, db := range cfg.Databases {
		c, err := Build(db, cfg.General, databases)
		if err != nil {
			return nil, err
		}
		out[c.Key] = c
	}
	return out, nil
}
