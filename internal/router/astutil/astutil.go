// Package astutil holds the small AST-walking helpers shared by the
// SELECT/INSERT/UPDATE/DELETE routers: alias resolution, literal extraction,
// and the convergence rules for merging per-branch shard matches.
package astutil

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// SearchContext carries the alias-to-table bindings in scope while walking
// a statement's WHERE/JOIN tree, plus the single FROM table (if the query
// has exactly one), which lets an unqualified column reference be resolved
// without an explicit alias.
type SearchContext struct {
	Aliases      map[string]string // alias or table name -> table name
	SingleTable  string            // set only when FROM has exactly one relation
	CurrentTable string            // table a bare ColumnRef resolves against
}

// NewSearchContext builds a context from a list of range vars (FROM/JOIN
// items), recording alias bindings and the single-table shortcut.
func NewSearchContext(rangeVars []*pg_query.RangeVar) *SearchContext {
	ctx := &SearchContext{Aliases: make(map[string]string, len(rangeVars))}
	for _, rv := range rangeVars {
		name := rv.Relname
		alias := name
		if rv.Alias != nil && rv.Alias.Aliasname != "" {
			alias = rv.Alias.Aliasname
		}
		ctx.Aliases[alias] = name
		ctx.Aliases[name] = name
	}
	if len(rangeVars) == 1 {
		ctx.SingleTable = rangeVars[0].Relname
		ctx.CurrentTable = ctx.SingleTable
	}
	return ctx
}

// ResolveTable maps a column reference's qualifying alias (or "" for an
// unqualified reference) to the underlying table name.
func (c *SearchContext) ResolveTable(qualifier string) (string, bool) {
	if qualifier == "" {
		if c.SingleTable != "" {
			return c.SingleTable, true
		}
		return "", false
	}
	table, ok := c.Aliases[qualifier]
	return table, ok
}

// Match is the shard decision reached for one clause of a WHERE tree.
type Match int

const (
	// MatchNone means no sharding column was referenced in this branch.
	MatchNone Match = iota
	// MatchDirect means exactly one shard was identified.
	MatchDirect
	// MatchMulti means a specific subset of shards was identified.
	MatchMulti
	// MatchAll means the branch can't be narrowed: route to every shard.
	MatchAll
)

// Shard is the outcome of walking a statement's predicate tree: either no
// opinion, a single shard, an explicit set, or "all shards".
type Shard struct {
	Kind  Match
	One   int
	Set   map[int]struct{}
}

// None is the zero-value "no opinion" result.
func None() Shard { return Shard{Kind: MatchNone} }

// All collapses any combination to "route to every shard".
func All() Shard { return Shard{Kind: MatchAll} }

// Direct is a single resolved shard.
func Direct(shard int) Shard { return Shard{Kind: MatchDirect, One: shard} }

// Multi is an explicit set of shards.
func Multi(shards map[int]struct{}) Shard { return Shard{Kind: MatchMulti, Set: shards} }

// Shards returns the concrete shard indexes this result maps to. ok is false
// for MatchAll (caller must know the total shard count) and MatchNone.
func (s Shard) Shards() (shards []int, ok bool) {
	switch s.Kind {
	case MatchDirect:
		return []int{s.One}, true
	case MatchMulti:
		out := make([]int, 0, len(s.Set))
		for sh := range s.Set {
			out = append(out, sh)
		}
		return out, true
	default:
		return nil, false
	}
}

// And combines two branches joined by AND: the first branch with an opinion
// wins (spec's "first match wins" rule for conjunctions).
func And(a, b Shard) Shard {
	if a.Kind != MatchNone {
		return a
	}
	return b
}

// Or combines two branches joined by OR. A disjunct with no opinion on the
// sharding column can still be true for rows on any shard, so it widens the
// whole OR to All unless the other side is also None. Otherwise the result
// is the union of both branches' shard sets.
func Or(a, b Shard) Shard {
	if a.Kind == MatchNone && b.Kind == MatchNone {
		return None()
	}
	if a.Kind == MatchNone || b.Kind == MatchNone || a.Kind == MatchAll || b.Kind == MatchAll {
		return All()
	}
	set := make(map[int]struct{})
	for _, s := range mustShards(a) {
		set[s] = struct{}{}
	}
	for _, s := range mustShards(b) {
		set[s] = struct{}{}
	}
	if len(set) == 1 {
		for s := range set {
			return Direct(s)
		}
	}
	return Multi(set)
}

func mustShards(s Shard) []int {
	shards, _ := s.Shards()
	return shards
}

// LiteralString extracts a constant's text representation from an A_Const
// node, covering the Ival/Fval/Sval/Boolval/Bsval variants pg_query_go
// exposes for literal values. ok is false for anything else (sub-selects,
// function calls, NULL).
func LiteralString(n *pg_query.Node) (string, bool) {
	aconst := n.GetAConst()
	if aconst == nil {
		return "", false
	}
	if aconst.Isnull {
		return "", false
	}
	switch v := aconst.Val.(type) {
	case *pg_query.A_Const_Ival:
		return formatInt(v.Ival.Ival), true
	case *pg_query.A_Const_Fval:
		return v.Fval.Fval, true
	case *pg_query.A_Const_Sval:
		return v.Sval.Sval, true
	case *pg_query.A_Const_Boolval:
		if v.Boolval.Boolval {
			return "t", true
		}
		return "f", true
	case *pg_query.A_Const_Bsval:
		return v.Bsval.Bsval, true
	default:
		return "", false
	}
}

func formatInt(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ParamIndex returns the 1-based bind parameter position of a ParamRef
// node, or 0 if n isn't a ParamRef.
func ParamIndex(n *pg_query.Node) int {
	if p := n.GetParamRef(); p != nil {
		return int(p.Number)
	}
	return 0
}

// ColumnName returns the (qualifier, column) pair for a ColumnRef node's
// field list, e.g. "t.id" -> ("t", "id"), "id" -> ("", "id").
func ColumnName(n *pg_query.Node) (qualifier, column string, ok bool) {
	cref := n.GetColumnRef()
	if cref == nil {
		return "", "", false
	}
	fields := cref.Fields
	if len(fields) == 0 {
		return "", "", false
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := f.GetString_(); s != nil {
			names = append(names, s.Sval)
		}
	}
	switch len(names) {
	case 1:
		return "", names[0], true
	case 2:
		return names[0], names[1], true
	default:
		return "", "", false
	}
}
