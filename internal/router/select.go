package router

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router/astutil"
)

// routeSelect resolves a SELECT statement's target shard(s) by walking its
// FROM list for the table(s) and its WHERE tree for sharding-column
// predicates.
func (r *Router) routeSelect(raw *pg_query.RawStmt, stmt *pg_query.SelectStmt, binds []string) (Decision, error) {
	// Set operations (UNION/INTERSECT/EXCEPT): union the branches' shard
	// results the same way an OR clause does.
	if stmt.Larg != nil && stmt.Rarg != nil {
		left, err := r.routeSelect(raw, stmt.Larg, binds)
		if err != nil {
			return Decision{}, err
		}
		right, err := r.routeSelect(raw, stmt.Rarg, binds)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Write: false, Statement: raw, Shard: astutil.Or(left.Shard, right.Shard),
			Omnisharded: left.Omnisharded && right.Omnisharded}, nil
	}

	rangeVars := collectRangeVars(stmt.FromClause)
	ctx := astutil.NewSearchContext(rangeVars)

	shard := astutil.None()
	for _, rv := range rangeVars {
		if s, ok := r.schemaOverride(rv.Schemaname); ok {
			shard = astutil.And(shard, astutil.Direct(s))
			continue
		}
	}

	anySharded := false
	if stmt.WhereClause != nil {
		for _, rv := range rangeVars {
			rule, ok := r.ruleForTable(rv.Relname)
			if !ok {
				continue
			}
			anySharded = true
			branch := r.walkPredicate(stmt.WhereClause, ctx, rule, binds)
			shard = astutil.And(shard, branch)
		}
	}
	if !anySharded {
		for _, rv := range rangeVars {
			if _, ok := r.ruleForTable(rv.Relname); ok {
				anySharded = true
				break
			}
		}
	}

	return Decision{Write: false, Statement: raw, Shard: shard, Omnisharded: !anySharded}, nil
}

// collectRangeVars flattens a FROM clause's range vars, descending through
// JoinExpr nodes. Subselects and CTEs contribute no range vars, and the
// statements inside them are not routed.
func collectRangeVars(fromClause []*pg_query.Node) []*pg_query.RangeVar {
	var out []*pg_query.RangeVar
	for _, n := range fromClause {
		out = append(out, rangeVarsIn(n)...)
	}
	return out
}

func rangeVarsIn(n *pg_query.Node) []*pg_query.RangeVar {
	if rv := n.GetRangeVar(); rv != nil {
		return []*pg_query.RangeVar{rv}
	}
	if join := n.GetJoinExpr(); join != nil {
		var out []*pg_query.RangeVar
		out = append(out, rangeVarsIn(join.Larg)...)
		out = append(out, rangeVarsIn(join.Rarg)...)
		return out
	}
	// RangeSubselect, RangeFunction, etc: no direct table to attribute a
	// sharding rule to from here.
	return nil
}

// walkPredicate walks a WHERE-tree node and returns the shard opinion it
// expresses about rule's sharding column under ctx.
func (r *Router) walkPredicate(n *pg_query.Node, ctx *astutil.SearchContext, rule TableRule, binds []string) astutil.Shard {
	if boolExpr := n.GetBoolExpr(); boolExpr != nil {
		return r.walkBoolExpr(boolExpr, ctx, rule, binds)
	}
	if aexpr := n.GetAExpr(); aexpr != nil {
		return r.walkAExpr(aexpr, ctx, rule, binds)
	}
	if sublink := n.GetSubLink(); sublink != nil {
		// A correlated or uncorrelated subquery predicate carries no
		// sharding information about the outer table by itself.
		return astutil.None()
	}
	return astutil.None()
}

func (r *Router) walkBoolExpr(b *pg_query.BoolExpr, ctx *astutil.SearchContext, rule TableRule, binds []string) astutil.Shard {
	result := astutil.None()
	first := true
	for _, arg := range b.Args {
		branch := r.walkPredicate(arg, ctx, rule, binds)
		switch b.Boolop {
		case pg_query.BoolExprType_AND_EXPR:
			if first {
				result = branch
			} else {
				result = astutil.And(result, branch)
			}
		case pg_query.BoolExprType_OR_EXPR:
			if first {
				result = branch
			} else {
				result = astutil.Or(result, branch)
			}
		case pg_query.BoolExprType_NOT_EXPR:
			// Negation can't be narrowed without a default/All fallback;
			// conservatively broadcast.
			return astutil.All()
		}
		first = false
	}
	return result
}

func (r *Router) walkAExpr(a *pg_query.A_Expr, ctx *astutil.SearchContext, rule TableRule, binds []string) astutil.Shard {
	col := a.Lexpr
	val := a.Rexpr
	qualifier, column, ok := astutil.ColumnName(col)
	if !ok {
		// Maybe reversed: literal = column.
		qualifier, column, ok = astutil.ColumnName(val)
		if ok {
			val = a.Lexpr
		}
	}
	if !ok {
		return astutil.None()
	}
	table, resolved := ctx.ResolveTable(qualifier)
	if !resolved || table != rule.Table || column != rule.Column {
		return astutil.None()
	}

	switch a.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		if len(a.Name) != 1 {
			return astutil.None()
		}
		opName := a.Name[0].GetString_()
		if opName == nil || opName.Sval != "=" {
			return astutil.None()
		}
		return directOrAll(r.shardFor(rule, val, binds))
	case pg_query.A_Expr_Kind_AEXPR_IN:
		list := val.GetList()
		if list == nil {
			return astutil.None()
		}
		set := make(map[int]struct{})
		for _, item := range list.Items {
			shard, ok := r.shardFor(rule, item, binds)
			if !ok {
				return astutil.All()
			}
			set[shard] = struct{}{}
		}
		if len(set) == 0 {
			return astutil.None()
		}
		return astutil.Multi(set)
	case pg_query.A_Expr_Kind_AEXPR_OP_ANY, pg_query.A_Expr_Kind_AEXPR_OP_ALL:
		// `col = ANY(array)`/`col = ALL(array)`: the array's contents
		// aren't enumerable from the AST alone (it's usually a bound
		// parameter array), so every shard must be consulted.
		return astutil.All()
	default:
		return astutil.None()
	}
}

func directOrAll(shard int, ok bool) astutil.Shard {
	if !ok {
		return astutil.All()
	}
	return astutil.Direct(shard)
}

// shardFor computes the shard a literal/placeholder value routes to under
// rule's mapping.
func (r *Router) shardFor(rule TableRule, n *pg_query.Node, binds []string) (int, bool) {
	value, ok := valueFromNode(n, binds)
	if !ok {
		return 0, false
	}
	return rule.Rule.Route(value)
}
