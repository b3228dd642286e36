package rewrite

import (
	"strings"
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router"
	"github.com/pgdogdev/pgdog/internal/router/sharding"
)

func TestPlanKeyMigrationRefusesWithoutTwoPC(t *testing.T) {
	result, err := pg_query.Parse("UPDATE users SET id = 2 WHERE id = 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stmt := result.Stmts[0].Stmt.GetUpdateStmt()
	rule := router.TableRule{Table: "users", Column: "id", Rule: sharding.Table{Mapping: sharding.MappingHash, Hasher: sharding.XXHash, Shards: 4}}

	if _, err := PlanKeyMigration(stmt, rule, 0, 1, false); err == nil {
		t.Fatal("expected key migration to be refused when two-phase commit is disabled")
	}
}

func TestPlanKeyMigrationBuildsStatements(t *testing.T) {
	result, err := pg_query.Parse("UPDATE users SET id = 2 WHERE id = 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stmt := result.Stmts[0].Stmt.GetUpdateStmt()
	rule := router.TableRule{Table: "users", Column: "id", Rule: sharding.Table{Mapping: sharding.MappingHash, Hasher: sharding.XXHash, Shards: 4}}

	plan, err := PlanKeyMigration(stmt, rule, 0, 1, true)
	if err != nil {
		t.Fatalf("PlanKeyMigration: %v", err)
	}
	if !strings.Contains(plan.Select, "SELECT") || !strings.Contains(plan.Delete, "DELETE") {
		t.Fatalf("expected select/delete statements to be built, got %+v", plan)
	}
}

func TestBuildInsertForRowEscapesQuotes(t *testing.T) {
	sql := BuildInsertForRow("users", []string{"id", "name"}, []string{"1", "o'brien"})
	if !strings.Contains(sql, "o''brien") {
		t.Fatalf("expected embedded quote to be escaped, got %s", sql)
	}
}
