package router

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router/astutil"
)

// routeDelete resolves a DELETE's target shard(s) from its WHERE clause.
func (r *Router) routeDelete(raw *pg_query.RawStmt, stmt *pg_query.DeleteStmt, binds []string) (Decision, error) {
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
