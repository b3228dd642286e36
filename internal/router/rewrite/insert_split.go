// Package rewrite synthesizes the statement variants the router's routing
// decision alone can't express: a multi-row INSERT spanning shards split
// into one statement per shard, and a cross-shard UPDATE of a sharding
// column rewritten into a delete+insert pair coordinated through two-phase
// commit.
package rewrite

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/pgerr"
	"github.com/pgdogdev/pgdog/internal/router"
)

// ShardedRow is one VALUES row assigned to a destination shard, along with
// its 0-based position in the original statement's VALUES list.
type ShardedRow struct {
	Shard int
	Index int
	Items []*pg_query.Node
}

// SplitInsert partitions a multi-row INSERT's VALUES rows by the shard each
// row's sharding-key value maps to, grounded on
// original_source/pgdog/src/frontend/router/parser/insert.rs's per-row
// split. Rows whose sharding-key value can't be determined (a bound
// parameter whose value isn't yet known, or a NULL) are refused: splitting
// blind would silently insert into the wrong shard or drop a NOT NULL
// constraint violation the client would otherwise see immediately.
func SplitInsert(stmt *pg_query.InsertStmt, rule router.TableRule, binds []string) (map[int][]ShardedRow, error) {
	colIndex := router.ShardKeyColumnIndex(stmt, rule)
	if colIndex == -1 {
		return nil, pgerr.Wrap(pgerr.KindRouting, "insert split", pgerr.ErrNoShardingColumn)
	}

	selectStmt := stmt.SelectStmt.GetSelectStmt()
	if selectStmt == nil || len(selectStmt.ValuesLists) == 0 {
		return nil, pgerr.ErrSplitInsertNotSupported
	}

	out := make(map[int][]ShardedRow)
	for i, row := range selectStmt.ValuesLists {
		list := row.GetList()
		if list == nil || colIndex >= len(list.Items) {
			return nil, rowError(i, "missing sharding column value")
		}
		valueNode := list.Items[colIndex]
		value, ok := literalOrBind(valueNode, binds)
		if !ok {
			return nil, rowError(i, "sharding column value is NULL or not yet bound")
		}
		shard, ok := rule.Rule.Route(value)
		if !ok {
			return nil, rowError(i, "sharding column value does not map to a shard")
		}
		out[shard] = append(out[shard], ShardedRow{Shard: shard, Index: i, Items: list.Items})
	}
	return out, nil
}

func rowError(index int, reason string) error {
	return pgerr.New(pgerr.KindRouting, fmt.Sprintf("insert row %d: %s", index+1, reason))
}

func literalOrBind(n *pg_query.Node, binds []string) (string, bool) {
	if aconst := n.GetAConst(); aconst != nil {
		if aconst.Isnull {
			return "", false
		}
	}
	if idx := paramIndex(n); idx > 0 {
		if idx > len(binds) {
			return "", false
		}
		return binds[idx-1], true
	}
	if s, ok := literalString(n); ok {
		return s, true
	}
	return "", false
}

func paramIndex(n *pg_query.Node) int {
	if p := n.GetParamRef(); p != nil {
		return int(p.Number)
	}
	return 0
}

func literalString(n *pg_query.Node) (string, bool) {
	aconst := n.GetAConst()
	if aconst == nil || aconst.Isnull {
		return "", false
	}
	switch v := aconst.Val.(type) {
	case *pg_query.A_Const_Ival:
		return fmt.Sprintf("%d", v.Ival.Ival), true
	case *pg_query.A_Const_Fval:
		return v.Fval.Fval, true
	case *pg_query.A_Const_Sval:
		return v.Sval.Sval, true
	case *pg_query.A_Const_Boolval:
		if v.Boolval.Boolval {
			return "t", true
		}
		return "f", true
	default:
		return "", false
	}
}

// BuildShardStatement reconstructs an INSERT statement scoped to one
// shard's rows, preserving the original column list and ON CONFLICT/
// RETURNING clauses and substituting only the VALUES list.
func BuildShardStatement(original *pg_query.InsertStmt, rows []ShardedRow) *pg_query.InsertStmt {
	clone := *original
	selectClone := *original.SelectStmt.GetSelectStmt()

	lists := make([]*pg_query.Node, 0, len(rows))
	for _, row := range rows {
		lists = append(lists, &pg_query.Node{
			Node: &pg_query.Node_List{List: &pg_query.List{Items: row.Items}},
		})
	}
	selectClone.ValuesLists = lists
	clone.SelectStmt = &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: &selectClone}}
	return &clone
}
