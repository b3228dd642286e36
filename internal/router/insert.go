package router

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router/astutil"
)

// routeInsert resolves an INSERT's target shard(s) from its column list and
// VALUES rows. A single row routes directly; multiple rows spanning more
// than one shard are left as MatchMulti for the rewrite layer to split.
func (r *Router) routeInsert(raw *pg_query.RawStmt, stmt *pg_query.InsertStmt, binds []string) (Decision, error) {
	tableName := stmt.Relation.Relname
	rule, ok := r.ruleForTable(tableName)
	if !ok {
		if shard, ok := r.schemaOverride(stmt.Relation.Schemaname); ok {
			return Decision{Write: true, Statement: raw, Shard: astutil.Direct(shard)}, nil
		}
		return Decision{Write: true, Statement: raw, Shard: astutil.All(), Omnisharded: true}, nil
	}

	colIndex := -1
	for i, c := range stmt.Cols {
		if target := c.GetResTarget(); target != nil && target.Name == rule.Column {
			colIndex = i
			break
		}
	}
	if colIndex == -1 {
		// INSERT doesn't mention the sharding column: the empty string is
		// routed through the mapping (a hash mapping always picks the shard
		// hash("") lands on); when the mapping yields no shard, broadcast.
		shard, ok := rule.Rule.Route("")
		if ok {
			return Decision{Write: true, Statement: raw, Shard: astutil.Direct(shard)}, nil
		}
		return Decision{Write: true, Statement: raw, Shard: astutil.All()}, nil
	}

	selectStmt := stmt.SelectStmt.GetSelectStmt()
	if selectStmt == nil || len(selectStmt.ValuesLists) == 0 {
		// INSERT ... SELECT: the source rows aren't enumerable from the
		// AST; broadcast and let downstream execution enforce it.
		return Decision{Write: true, Statement: raw, Shard: astutil.All()}, nil
	}

	set := make(map[int]struct{})
	for _, row := range selectStmt.ValuesLists {
		list := row.GetList()
		if list == nil || colIndex >= len(list.Items) {
			return Decision{Write: true, Statement: raw, Shard: astutil.All()}, nil
		}
		shard, ok := r.shardFor(rule, list.Items[colIndex], binds)
		if !ok {
			return Decision{Write: true, Statement: raw, Shard: astutil.All()}, nil
		}
		set[shard] = struct{}{}
	}

	if len(set) == 1 {
		for shard := range set {
			return Decision{Write: true, Statement: raw, Shard: astutil.Direct(shard)}, nil
		}
	}
	return Decision{Write: true, Statement: raw, Shard: astutil.Multi(set)}, nil
}

// ShardKeyColumnIndex returns the position of rule's sharding column within
// an INSERT's column list, used by the rewrite layer to split multi-row
// inserts by shard. Returns -1 if the column isn't listed.
func ShardKeyColumnIndex(stmt *pg_query.InsertStmt, rule TableRule) int {
	for i, c := range stmt.Cols {
		if target := c.GetResTarget(); target != nil && target.Name == rule.Column {
			return i
		}
	}
	return -1
}
