package pgstmtx

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// QuoteIdentifier quotes a SQL identifier, doubling any embedded quotes.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BuildInsert builds an INSERT statement for a single row.  Columns are
// emitted in sorted order so the same value map always yields the same
// statement text.
func BuildInsert(table string, values map[string]any) (string, []any) {
	columns := maps.Keys(values)
	slices.Sort(columns)

	args := make([]any, 0, len(columns))
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(QuoteIdentifier(table))
	sb.WriteString(" (")
	for i, column := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdentifier(column))
	}
	sb.WriteString(") VALUES (")
	for i, column := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("$" + strconv.Itoa(i+1))
		args = append(args, values[column])
	}
	sb.WriteString(")")

	return sb.String(), args
}

// BuildUpsert builds an INSERT ... ON CONFLICT statement for a single row.
// Conflicting rows have their non-conflict columns updated, or are left
// untouched when every column participates in the conflict target.
func BuildUpsert(table string, values map[string]any, conflictColumns []string) (string, []any, error) {
	if len(conflictColumns) == 0 {
		return "", nil, fmt.Errorf("upsert on table %q requires at least one conflict column", table)
	}
	for _, column := range conflictColumns {
		if _, ok := values[column]; !ok {
			return "", nil, fmt.Errorf("conflict column %q has no value", column)
		}
	}

	insertStmt, args := BuildInsert(table, values)

	var sb strings.Builder
	sb.WriteString(insertStmt)
	sb.WriteString(" ON CONFLICT (")
	for i, column := range conflictColumns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdentifier(column))
	}
	sb.WriteString(")")

	updateColumns := make([]string, 0, len(values))
	for _, column := range maps.Keys(values) {
		if !slices.Contains(conflictColumns, column) {
			updateColumns = append(updateColumns, column)
		}
	}
	slices.Sort(updateColumns)

	if len(updateColumns) == 0 {
		sb.WriteString(" DO NOTHING")
		return sb.String(), args, nil
	}

	sb.WriteString(" DO UPDATE SET ")
	for i, column := range updateColumns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(QuoteIdentifier(column))
		sb.WriteString(" = EXCLUDED.")
		sb.WriteString(QuoteIdentifier(column))
	}

	return sb.String(), args, nil
}
