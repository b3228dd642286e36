package router

import (
	"testing"

	"github.com/pgdogdev/pgdog/internal/router/astutil"
	"github.com/pgdogdev/pgdog/internal/router/sharding"
)

func testSchema() *Schema {
	s := NewSchema(4)
	s.AddTable(TableRule{
		Table:  "users",
		Column: "id",
		Rule:   sharding.Table{Mapping: sharding.MappingHash, Hasher: sharding.XXHash, Shards: 4},
	})
	return s
}

func TestRouteSelectDirectEquality(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("SELECT * FROM users WHERE id = 42", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchDirect {
		t.Fatalf("expected a direct match, got %+v", d.Shard)
	}
}

func TestRouteSelectNoWhereBroadcasts(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("SELECT * FROM users", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchNone {
		t.Fatalf("expected no opinion without a WHERE clause, got %+v", d.Shard)
	}
	if len(d.Shards) != 4 {
		t.Fatalf("expected all 4 shards resolved, got %v", d.Shards)
	}
}

func TestRouteSelectParamRef(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("SELECT * FROM users WHERE id = $1", []string{"99"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchDirect {
		t.Fatalf("expected bind parameter to resolve a direct shard, got %+v", d.Shard)
	}
}

func TestRouteSelectOrWidensToUnion(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("SELECT * FROM users WHERE id = 1 OR id = 2", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchDirect && d.Shard.Kind != astutil.MatchMulti {
		t.Fatalf("expected a bounded union of shards, got %+v", d.Shard)
	}
}

func TestRouteInsertSingleRow(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("INSERT INTO users (id, name) VALUES (7, 'a')", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.Write || d.Shard.Kind != astutil.MatchDirect {
		t.Fatalf("expected a direct write shard, got %+v", d)
	}
}

func TestRouteInsertMultiRowSameShard(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("INSERT INTO users (id, name) VALUES (7, 'a'), (7, 'b')", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchDirect {
		t.Fatalf("expected rows hashing to the same shard to stay direct, got %+v", d.Shard)
	}
}

func TestRouteUpdateWithWhere(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("UPDATE users SET name = 'x' WHERE id = 5", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.Write || d.Shard.Kind != astutil.MatchDirect {
		t.Fatalf("expected a direct write shard, got %+v", d)
	}
}

func TestRouteDeleteNoWhereBroadcasts(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("DELETE FROM users", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchAll {
		t.Fatalf("expected a DELETE with no WHERE to broadcast, got %+v", d.Shard)
	}
}

func TestRouteUnknownTableBroadcasts(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("SELECT * FROM other_table WHERE x = 1", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(d.Shards) != 4 {
		t.Fatalf("expected unrecognized table to broadcast to all shards, got %v", d.Shards)
	}
}

func TestRouteCopyFromResolvesShardingColumn(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("COPY users (id, name) FROM STDIN", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Copy == nil || !d.Copy.FromStdin {
		t.Fatalf("expected a FromStdin CopyInfo, got %+v", d.Copy)
	}
	if d.Copy.ColIndex != 0 {
		t.Fatalf("expected the sharding column 'id' at index 0, got %d", d.Copy.ColIndex)
	}
	shard, ok := d.Copy.RouteRow("7\ta")
	if !ok {
		t.Fatalf("expected row to resolve to a shard")
	}
	want, _ := testSchema().Tables["users"].Rule.Route("7")
	if shard != want {
		t.Fatalf("expected shard %d, got %d", want, shard)
	}
}

func TestRouteCopyFromNoColumnListUnresolved(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("COPY users FROM STDIN", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, ok := d.Copy.RouteRow("7\ta"); ok {
		t.Fatalf("expected an unresolved column list to refuse routing")
	}
}

func TestRouteCopyToStdoutBroadcasts(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("COPY users TO STDOUT", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Copy == nil || !d.Copy.ToStdout {
		t.Fatalf("expected a ToStdout CopyInfo, got %+v", d.Copy)
	}
	if d.Shard.Kind != astutil.MatchAll {
		t.Fatalf("expected COPY TO STDOUT to broadcast, got %+v", d.Shard)
	}
}

func TestRouteBeginMarksTxBegin(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("BEGIN", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.TxBegin || d.TxEnd {
		t.Fatalf("expected TxBegin only, got %+v", d)
	}
}

func TestRouteCommitMarksTxEnd(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("COMMIT", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.TxEnd || d.TxBegin {
		t.Fatalf("expected TxEnd only, got %+v", d)
	}
}

func TestRouteUnknownTableIsOmnisharded(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("SELECT * FROM settings WHERE key = 'x'", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !d.Omnisharded {
		t.Fatalf("expected a table with no sharding rule to be Omnisharded, got %+v", d)
	}
}

func TestRouteShardedTableNoWhereIsNotOmnisharded(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("DELETE FROM users", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Omnisharded {
		t.Fatalf("expected a sharded table with no WHERE to still require a full broadcast, got %+v", d)
	}
}

func TestRouteExplainCarriesWrappedShards(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("EXPLAIN SELECT * FROM users WHERE id = 42", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Explain == nil {
		t.Fatalf("expected Explain info, got nil")
	}
	if d.Explain.Analyze {
		t.Fatalf("expected Analyze false for plain EXPLAIN")
	}
	if len(d.Explain.Shards) != 1 {
		t.Fatalf("expected the wrapped SELECT's single resolved shard, got %v", d.Explain.Shards)
	}
	if d.Write {
		t.Fatalf("expected a non-ANALYZE EXPLAIN to never be treated as a write")
	}
}

func TestRouteExplainAnalyzeKeepsWrite(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("EXPLAIN ANALYZE INSERT INTO users (id, name) VALUES (7, 'a')", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Explain == nil || !d.Explain.Analyze {
		t.Fatalf("expected Analyze true, got %+v", d.Explain)
	}
	if !d.Write {
		t.Fatalf("expected EXPLAIN ANALYZE over an INSERT to still be a write")
	}
}

func TestRouteDDLBroadcasts(t *testing.T) {
	r := New(testSchema())
	d, err := r.Route("CREATE TABLE widgets (id int)", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Shard.Kind != astutil.MatchAll {
		t.Fatalf("expected DDL to broadcast, got %+v", d.Shard)
	}
}
