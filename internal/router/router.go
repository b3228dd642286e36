// Package router walks a parsed statement's AST to decide which shard(s)
// it must be sent to, generalizing the sharding rules (hash/list/range
// column mappings, schema-scoped overrides) into a single Route call usable
// by the frontend session for every statement kind.
package router

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/pgerr"
	"github.com/pgdogdev/pgdog/internal/router/astutil"
	"github.com/pgdogdev/pgdog/internal/router/sharding"
)

// TableRule is the sharding rule attached to one table.
type TableRule struct {
	Table  string
	Column string
	Rule   sharding.Table
}

// Schema is the set of sharding rules and schema-level overrides a Router
// consults, built once per cluster from its configuration.
type Schema struct {
	ShardCount int
	// Tables is keyed by TableRule.Table exactly as configured; no case
	// folding is applied.
	Tables map[string]TableRule
	// SchemaShards routes every statement touching a given schema name to
	// a fixed shard, overriding column-based routing entirely.
	SchemaShards map[string]int
}

// NewSchema builds an empty Schema for shardCount shards.
func NewSchema(shardCount int) *Schema {
	return &Schema{
		ShardCount:   shardCount,
		Tables:       make(map[string]TableRule),
		SchemaShards: make(map[string]int),
	}
}

// AddTable registers a sharding rule for a table.
func (s *Schema) AddTable(rule TableRule) {
	s.Tables[rule.Table] = rule
}

// Decision is the outcome of routing one statement.
type Decision struct {
	Write     bool
	Statement *pg_query.RawStmt
	Shard     astutil.Shard
	// Shards is the resolved shard index list; it is the full set when
	// Shard.Kind is MatchAll or MatchNone.
	Shards []int
	// Copy is set only for COPY statements; nil for everything else.
	Copy *CopyInfo
	// Omnisharded is true when no table this statement touches carries a
	// sharding rule — omnisharded_sticky uses this to tell a genuinely
	// unsharded/reference-table statement (safe to pin to whatever shard
	// the transaction already chose) apart from a sharded table whose
	// predicate just didn't narrow (which must still broadcast).
	Omnisharded bool
	// TxBegin/TxEnd mark BEGIN/START TRANSACTION and COMMIT/ROLLBACK,
	// letting the frontend session track transaction boundaries without
	// re-parsing SQL itself.
	TxBegin bool
	TxEnd   bool
	// Explain is set only for EXPLAIN statements; it carries the routing
	// decision for the wrapped statement so expanded_explain can annotate
	// the client-visible plan with which shard(s) it actually ran on.
	Explain *ExplainInfo
}

// ExplainInfo is the routing summary expanded_explain attaches to an
// EXPLAIN statement's output.
type ExplainInfo struct {
	Analyze bool
	Write   bool
	Shards  []int
}

// AllShards returns every shard index 0..ShardCount-1.
func (s *Schema) AllShards() []int {
	out := make([]int, s.ShardCount)
	for i := range out {
		out[i] = i
	}
	return out
}

// Resolve expands a Shard result into concrete indexes using s.ShardCount.
func (s *Schema) Resolve(sh astutil.Shard) []int {
	if shards, ok := sh.Shards(); ok {
		return shards
	}
	return s.AllShards()
}

// Router parses and routes statements against a fixed Schema.
type Router struct {
	schema *Schema
}

// New creates a Router bound to schema.
func New(schema *Schema) *Router {
	return &Router{schema: schema}
}

// Route parses sql (a single statement) and returns its routing decision.
// binds supplies the text form of any bind parameters referenced via
// ParamRef nodes (Parse/Bind extended-query flow); it may be nil for a
// simple-query statement with no parameters.
func (r *Router) Route(sql string, binds []string) (Decision, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return Decision{}, pgerr.Wrap(pgerr.KindRouting, "parse statement", err)
	}
	if len(result.Stmts) != 1 {
		return Decision{}, pgerr.New(pgerr.KindRouting, "expected exactly one statement per route call")
	}
	raw := result.Stmts[0]

	decision, err := r.routeNode(raw, raw.Stmt, binds)
	if err != nil {
		return Decision{}, err
	}
	decision.Shards = r.schema.Resolve(decision.Shard)
	return decision, nil
}

// routeNode dispatches a single parsed statement node to its routing
// function. It's split out of Route so routeExplain can recurse into an
// EXPLAIN statement's wrapped inner statement without re-parsing SQL.
func (r *Router) routeNode(raw *pg_query.RawStmt, stmt *pg_query.Node, binds []string) (Decision, error) {
	switch {
	case stmt.GetSelectStmt() != nil:
		return r.routeSelect(raw, stmt.GetSelectStmt(), binds)
	case stmt.GetInsertStmt() != nil:
		return r.routeInsert(raw, stmt.GetInsertStmt(), binds)
	case stmt.GetUpdateStmt() != nil:
		return r.routeUpdate(raw, stmt.GetUpdateStmt(), binds)
	case stmt.GetDeleteStmt() != nil:
		return r.routeDelete(raw, stmt.GetDeleteStmt(), binds)
	case stmt.GetCopyStmt() != nil:
		return r.routeCopy(raw, stmt.GetCopyStmt())
	case stmt.GetTransactionStmt() != nil:
		return routeTransaction(raw, stmt.GetTransactionStmt()), nil
	case stmt.GetExplainStmt() != nil:
		return r.routeExplain(raw, stmt.GetExplainStmt(), binds)
	default:
		// DDL, SET, LISTEN/NOTIFY, etc.: nothing in the statement says
		// which shard it belongs to. Broadcast everywhere.
		return Decision{Write: true, Statement: raw, Shard: astutil.All()}, nil
	}
}

// routeExplain routes an EXPLAIN statement by routing the statement it
// wraps and carrying that decision's shard set as ExplainInfo, so
// expanded_explain can tell the client which shard(s) the plan actually
// ran against. The wrapped statement is executed (or not) exactly as
// routed; EXPLAIN ANALYZE still only plans/runs on those shards.
func (r *Router) routeExplain(raw *pg_query.RawStmt, stmt *pg_query.ExplainStmt, binds []string) (Decision, error) {
	inner, err := r.routeNode(raw, stmt.Query, binds)
	if err != nil {
		return Decision{}, err
	}
	inner.Shards = r.schema.Resolve(inner.Shard)
	inner.Explain = &ExplainInfo{
		Analyze: stmt.Analyze,
		Write:   inner.Write,
		Shards:  append([]int(nil), inner.Shards...),
	}
	// EXPLAIN (without ANALYZE) never mutates data even if the wrapped
	// statement would; only EXPLAIN ANALYZE actually runs it.
	if !stmt.Analyze {
		inner.Write = false
	}
	return inner, nil
}

// routeTransaction marks BEGIN/COMMIT/ROLLBACK boundaries so the frontend
// session can track when to start and clear an omnisharded_sticky pin,
// without parsing transaction-control SQL itself. It broadcasts like any
// other transaction-control statement; the distinction is the flags, not
// the shard set.
func routeTransaction(raw *pg_query.RawStmt, stmt *pg_query.TransactionStmt) Decision {
	d := Decision{Write: true, Statement: raw, Shard: astutil.All()}
	switch stmt.Kind {
	case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
		d.TxBegin = true
	case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT, pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
		d.TxEnd = true
	}
	return d
}

// ruleForTable looks up a table's sharding rule by name.
func (r *Router) ruleForTable(tableName string) (TableRule, bool) {
	rule, ok := r.schema.Tables[tableName]
	return rule, ok
}

// schemaOverride returns the fixed shard for a schema name, if configured.
func (r *Router) schemaOverride(schemaName string) (int, bool) {
	if schemaName == "" {
		return 0, false
	}
	shard, ok := r.schema.SchemaShards[schemaName]
	return shard, ok
}

func valueFromNode(n *pg_query.Node, binds []string) (string, bool) {
	if s, ok := astutil.LiteralString(n); ok {
		return s, true
	}
	if idx := astutil.ParamIndex(n); idx > 0 && idx <= len(binds) {
		return binds[idx-1], true
	}
	return "", false
}

func routingError(format string, args ...interface{}) error {
	return pgerr.New(pgerr.KindRouting, fmt.Sprintf(format, args...))
}
