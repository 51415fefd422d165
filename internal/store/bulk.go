package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// BulkUpdateByCompositeKey applies update.Rows with one
// UPDATE ... FROM (VALUES ...) statement per chunk. Chunks hold as many rows as
// fit in the bind parameter limit. It returns the number of updated rows.
func (q *Queries) BulkUpdateByCompositeKey(ctx context.Context, update BulkUpdate) (int64, error) {
	if err := update.validate(); err != nil {
		return 0, err
	}
	if len(update.Rows) == 0 {
		return 0, nil
	}

	width := len(update.KeyColumns) + len(update.ValueColumns)
	if width > q.maxParams {
		return 0, fmt.Errorf("bulk update %s: %d columns exceed the bind parameter limit %d", update.Table, width, q.maxParams)
	}

	var total int64
	for _, chunk := range chunkRanges(len(update.Rows), width, q.maxParams) {
		query, args := buildBulkUpdate(update, update.Rows[chunk[0]:chunk[1]])
		res, err := q.q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("bulk update %s: %w", update.Table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("bulk update %s: rows affected: %w", update.Table, err)
		}
		total += n
	}
	return total, nil
}

func (u BulkUpdate) validate() error {
	if !identPattern.MatchString(u.Table) {
		return fmt.Errorf("bulk update: invalid table %q", u.Table)
	}
	if len(u.KeyColumns) == 0 || len(u.ValueColumns) == 0 {
		return fmt.Errorf("bulk update %s: key and value columns are required", u.Table)
	}
	for _, col := range append(append([]Column{}, u.KeyColumns...), u.ValueColumns...) {
		if !identPattern.MatchString(col.Name) || !identPattern.MatchString(col.Type) {
			return fmt.Errorf("bulk update %s: invalid column %q %q", u.Table, col.Name, col.Type)
		}
	}
	width := len(u.KeyColumns) + len(u.ValueColumns)
	for i, row := range u.Rows {
		if len(row) != width {
			return fmt.Errorf("bulk update %s: row %d has %d values, want %d", u.Table, i, len(row), width)
		}
	}
	return nil
}

func buildBulkUpdate(u BulkUpdate, rows [][]any) (string, []any) {
	columns := append(append([]Column{}, u.KeyColumns...), u.ValueColumns...)
	names := make([]string, len(columns))
	types := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
		types[i] = col.Type
	}

	tuples := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		tuples[i] = placeholderTuple(i*len(columns)+1, len(columns), types)
		args = append(args, row...)
	}

	sets := make([]string, len(u.ValueColumns))
	for i, col := range u.ValueColumns {
		sets[i] = fmt.Sprintf("%s = v.%s", col.Name, col.Name)
	}
	conds := make([]string, len(u.KeyColumns))
	for i, col := range u.KeyColumns {
		conds[i] = fmt.Sprintf("t.%s = v.%s", col.Name, col.Name)
	}

	query := fmt.Sprintf("UPDATE %s AS t SET %s FROM (VALUES %s) AS v(%s) WHERE %s",
		u.Table,
		strings.Join(sets, ", "),
		strings.Join(tuples, ", "),
		strings.Join(names, ", "),
		strings.Join(conds, " AND "),
	)
	return query, args
}

// placeholderTuple renders ($start, ..., $start+n-1), casting each parameter
// when types is non-nil.
func placeholderTuple(start, n int, types []string) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		if types != nil {
			parts[i] = fmt.Sprintf("$%d::%s", start+i, types[i])
		} else {
			parts[i] = fmt.Sprintf("$%d", start+i)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// chunkRanges splits total rows of width parameters into [start, end) ranges
// that each bind at most maxParams parameters.
func chunkRanges(total, width, maxParams int) [][2]int {
	if total == 0 {
		return nil
	}
	perChunk := maxParams / width
	if perChunk < 1 {
		perChunk = 1
	}
	ranges := make([][2]int, 0, (total+perChunk-1)/perChunk)
	for start := 0; start < total; start += perChunk {
		end := start + perChunk
		if end > total {
			end = total
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}
