package rewrite

import (
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router"
	"github.com/pgdogdev/pgdog/internal/router/sharding"
)

func parseInsert(t *testing.T, sql string) *pg_query.InsertStmt {
	t.Helper()
	result, err := pg_query.Parse(sql)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stmt := result.Stmts[0].Stmt.GetInsertStmt()
	if stmt == nil {
		t.Fatal("expected an INSERT statement")
	}
	return stmt
}

func listRule() router.TableRule {
	return router.TableRule{
		Table:  "users",
		Column: "id",
		Rule: sharding.Table{
			Mapping:     sharding.MappingList,
			List:        map[string]int{"1": 0, "2": 1},
			DefaultList: -1,
		},
	}
}

func TestSplitInsertGroupsByShard(t *testing.T) {
	stmt := parseInsert(t, "INSERT INTO users (id, name) VALUES (1, 'a'), (2, 'b'), (1, 'c')")
	groups, err := SplitInsert(stmt, listRule(), nil)
	if err != nil {
		t.Fatalf("SplitInsert: %v", err)
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("expected 2 rows on shard 0 and 1 on shard 1, got %v", groups)
	}
}

func TestSplitInsertRefusesUnmatchedValue(t *testing.T) {
	stmt := parseInsert(t, "INSERT INTO users (id, name) VALUES (99, 'a')")
	if _, err := SplitInsert(stmt, listRule(), nil); err == nil {
		t.Fatal("expected an error for a sharding value with no default shard")
	}
}

func TestSplitInsertRefusesMissingColumn(t *testing.T) {
	stmt := parseInsert(t, "INSERT INTO users (name) VALUES ('a')")
	if _, err := SplitInsert(stmt, listRule(), nil); err == nil {
		t.Fatal("expected an error when the sharding column isn't present")
	}
}

func TestBuildShardStatementPreservesRowOrder(t *testing.T) {
	stmt := parseInsert(t, "INSERT INTO users (id, name) VALUES (1, 'a'), (1, 'c')")
	groups, err := SplitInsert(stmt, listRule(), nil)
	if err != nil {
		t.Fatalf("SplitInsert: %v", err)
	}
	shardStmt := BuildShardStatement(stmt, groups[0])
	sel := shardStmt.SelectStmt.GetSelectStmt()
	if len(sel.ValuesLists) != 2 {
		t.Fatalf("expected 2 rows in the rebuilt statement, got %d", len(sel.ValuesLists))
	}
	first := sel.ValuesLists[0].GetList().Items[1].GetAConst().GetSval().GetSval()
	second := sel.ValuesLists[1].GetList().Items[1].GetAConst().GetSval().GetSval()
	if first != "a" || second != "c" {
		t.Fatalf("expected rows in original order (a, c), got (%s, %s)", first, second)
	}
}
