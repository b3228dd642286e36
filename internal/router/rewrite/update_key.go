package rewrite

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/pgerr"
	"github.com/pgdogdev/pgdog/internal/router"
)

// KeyMigrationPlan is the four-statement plan an UPDATE that moves a row's
// sharding-key value across shards is rewritten into, grounded on
// original_source/pgdog/src/frontend/router/parser/rewrite/statement/
// update.rs: read the row from its source shard, verify it still satisfies
// the original WHERE predicate (another session may have raced it away),
// delete it there, and insert it on the destination shard. The four
// statements run inside a two-phase-commit transaction spanning both
// shards so a crash between delete and insert can't lose or duplicate the
// row.
type KeyMigrationPlan struct {
	SourceShard, DestShard int
	Select                 string // SELECT * FROM <table> WHERE <original predicate> FOR UPDATE
	Delete                 string // DELETE FROM <table> WHERE <original predicate>
	// Insert is built per-row from the SELECT's result columns by the
	// caller (column values aren't known until the SELECT runs).
	// PlanKeyMigration fills in Table only; Columns is left empty.
	Table   string
	Columns []string
}

// PlanKeyMigration builds a KeyMigrationPlan for an UPDATE statement whose
// target list assigns rule's sharding column a value that moves the
// affected row to destShard. twoPCEnabled gates this entirely: without
// two-phase commit, there is no way to make the delete+insert atomic
// across shards, so when twoPCEnabled is false it returns
// ErrUnsupportedShardingKeyUpdate (SQLSTATE 0A000) and builds no plan.
func PlanKeyMigration(stmt *pg_query.UpdateStmt, rule router.TableRule, sourceShard, destShard int, twoPCEnabled bool) (*KeyMigrationPlan, error) {
	if !twoPCEnabled {
		return nil, pgerr.ErrUnsupportedShardingKeyUpdate
	}
	whereSQL, err := pg_query.Deparse(&pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{Stmt: wrapBoolExpr(stmt.WhereClause)}},
	})
	if err != nil {
		return nil, pgerr.Wrap(pgerr.KindRouting, "deparse predicate for key migration", err)
	}

	table := stmt.Relation.Relname
	selectSQL := fmt.Sprintf("SELECT * FROM %s WHERE %s FOR UPDATE", table, trimWhereKeyword(whereSQL))
	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s", table, trimWhereKeyword(whereSQL))

	return &KeyMigrationPlan{
		SourceShard: sourceShard,
		DestShard:   destShard,
		Select:      selectSQL,
		Delete:      deleteSQL,
		Table:       table,
	}, nil
}

// wrapBoolExpr packages a bare WHERE expression node as a trivial SELECT
// statement so pg_query.Deparse (which only deparses full statements) can
// render it back to SQL text.
func wrapBoolExpr(whereClause *pg_query.Node) *pg_query.Node {
	sel := &pg_query.SelectStmt{
		TargetList:  []*pg_query.Node{dummyTarget()},
		FromClause:  []*pg_query.Node{dummyRange()},
		WhereClause: whereClause,
	}
	return &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}}
}

func dummyTarget() *pg_query.Node {
	star := &pg_query.Node{Node: &pg_query.Node_ColumnRef{ColumnRef: &pg_query.ColumnRef{
		Fields: []*pg_query.Node{{Node: &pg_query.Node_AStar{AStar: &pg_query.A_Star{}}}},
	}}}
	return &pg_query.Node{Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{Val: star}}}
}

func dummyRange() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_RangeVar{RangeVar: &pg_query.RangeVar{Relname: "_rewrite_placeholder"}}}
}

// trimWhereKeyword strips the synthetic "SELECT * FROM _rewrite_placeholder
// WHERE " prefix Deparse produces for wrapBoolExpr's wrapper statement,
// leaving just the predicate text.
func trimWhereKeyword(deparsed string) string {
	const marker = "WHERE "
	for i := 0; i+len(marker) <= len(deparsed); i++ {
		if deparsed[i:i+len(marker)] == marker {
			return deparsed[i+len(marker):]
		}
	}
	return deparsed
}

// BuildInsertForRow synthesizes the INSERT statement text for one migrated
// row, given the column names and their text values as read back from the
// SELECT executed against the source shard.
func BuildInsertForRow(table string, columns []string, values []string) string {
	colList := ""
	valList := ""
	for i, c := range columns {
		if i > 0 {
			colList += ", "
			valList += ", "
		}
		colList += c
		valList += "'" + escapeLiteral(values[i]) + "'"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, colList, valList)
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
