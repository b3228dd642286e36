package router

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgdogdev/pgdog/internal/router/astutil"
	"github.com/pgdogdev/pgdog/internal/wire"
)

// CopyInfo carries what the frontend session needs to split a COPY FROM
// STDIN row stream across shards the same way a multi-row INSERT's VALUES
// list is split: the sharding column's position within the COPY's column
// list, and the table's sharding rule. COPY ... TO STDOUT carries no rows
// to split and reads like a SELECT instead.
type CopyInfo struct {
	FromStdin bool
	ToStdout  bool
	ColIndex  int // -1 if the sharding column can't be resolved from the AST
	Rule      TableRule
	HasRule   bool
}

// routeCopy resolves a COPY statement, grounded on
// original_source/pgdog/src/frontend/router/parser/copy.rs. FROM STDIN
// carries no row values in the AST — those arrive later as CopyData
// messages — so the decision here only identifies where per-row shard
// extraction should look; CopyInfo.RouteRow does the actual per-row split
// as the session streams rows in.
func (r *Router) routeCopy(raw *pg_query.RawStmt, stmt *pg_query.CopyStmt) (Decision, error) {
	tableName := ""
	if stmt.Relation != nil {
		tableName = stmt.Relation.Relname
	}
	rule, hasRule := r.ruleForTable(tableName)

	if !stmt.IsFrom {
		// COPY ... TO STDOUT: same scatter-gather semantics as a SELECT.
		return Decision{Write: false, Statement: raw, Shard: astutil.All(),
			Copy: &CopyInfo{ToStdout: true}}, nil
	}

	info := &CopyInfo{FromStdin: true, ColIndex: -1, Rule: rule, HasRule: hasRule}
	if hasRule && copyFormat(stmt) == wire.CopyText {
		info.ColIndex = copyColumnIndex(stmt, rule.Column)
	}
	return Decision{Write: true, Statement: raw, Shard: astutil.All(), Copy: info}, nil
}

// copyFormat reads the COPY statement's FORMAT option. RouteRow's per-row
// split only understands COPY's tab-delimited text format; binary and CSV
// rows are left unresolved so callers refuse to guess rather than
// mis-parse a row boundary.
func copyFormat(stmt *pg_query.CopyStmt) wire.CopyFormat {
	for _, opt := range stmt.Options {
		def := opt.GetDefElem()
		if def == nil || def.Defname != "format" {
			continue
		}
		if s := def.Arg.GetString_(); s != nil {
			switch s.Sval {
			case "binary":
				return wire.CopyBinary
			case "csv":
				return wire.CopyCSV
			}
		}
	}
	return wire.CopyText
}

// copyColumnIndex finds rule's sharding column within the COPY statement's
// explicit column list. A COPY with no column list sends every column in
// table-definition order, which the AST alone doesn't expose; callers treat
// that case as unresolved, the same way routeInsert falls back to
// broadcast when it can't find the sharding column.
func copyColumnIndex(stmt *pg_query.CopyStmt, column string) int {
	for i, c := range stmt.Attlist {
		if s := c.GetString_(); s != nil && s.Sval == column {
			return i
		}
	}
	return -1
}

// RouteRow maps one COPY FROM STDIN text-format data row to a destination
// shard. ok is false when the sharding-key value can't be determined (no
// column list, value is SQL NULL, or the row has fewer fields than
// expected) — callers must refuse to guess, the same way SplitInsert
// refuses an unresolvable VALUES row.
func (info *CopyInfo) RouteRow(line string) (shard int, ok bool) {
	if info == nil || !info.HasRule || info.ColIndex < 0 {
		return 0, false
	}
	fields := strings.Split(line, "\t")
	if info.ColIndex >= len(fields) {
		return 0, false
	}
	value := fields[info.ColIndex]
	if value == `\N` {
		return 0, false
	}
	return info.Rule.Rule.Route(unescapeCopyField(value))
}

// unescapeCopyField undoes COPY text format's backslash escaping
// (PostgreSQL's COPY FROM row format, not SQL string literal escaping).
func unescapeCopyField(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'N':
				b.WriteByte('N')
			case 't':
				b.WriteByte('\t')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
