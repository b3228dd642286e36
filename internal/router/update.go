package router

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router/astutil"
)

// routeUpdate resolves an UPDATE's target shard(s) from its WHERE clause.
// Whether the UPDATE itself writes to the sharding column is not part of
// the Decision; UpdatesShardKey reports that.
func (r *Router) routeUpdate(raw *pg_query.RawStmt, stmt *pg_query.UpdateStmt, binds []string) (Decision, error) {
	tableName := stmt.Relation.Relname
	rule, ok := r.ruleForTable(tableName)
	if !ok {
		if shard, ok := r.schemaOverride(stmt.Relation.Schemaname); ok {
			return Decision{Write: true, Statement: raw, Shard: astutil.Direct(shard)}, nil
		}
		return Decision{Write: true, Statement: raw, Shard: astutil.All(), Omnisharded: true}, nil
	}

	ctx := &astutil.SearchContext{SingleTable: tableName, CurrentTable: tableName}
	if stmt.WhereClause == nil {
		return Decision{Write: true, Statement: raw, Shard: astutil.All()}, nil
	}
	shard := r.walkPredicate(stmt.WhereClause, ctx, rule, binds)
	return Decision{Write: true, Statement: raw, Shard: shard}, nil
}

// UpdatesShardKey reports whether stmt's target list assigns a new value to
// rule's sharding column.
func UpdatesShardKey(stmt *pg_query.UpdateStmt, rule TableRule) (*pg_query.Node, bool) {
	for _, t := range stmt.TargetList {
		target := t.GetResTarget()
		if target != nil && target.Name == rule.Column {
			return target.Val, true
		}
	}
	return nil, false
}
