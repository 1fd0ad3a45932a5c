package executor

import (
	"context"
	"database/sql"
	"fmt"
)

// queryer is satisfied by both *sql.Conn and *sql.Tx, letting execOne run
// the same statement/row-conversion path whether or not it's inside a
// batch transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execOne runs sql against q, returning a Result built from either a row
// set (SELECT/SHOW/...) or an exec outcome (INSERT/UPDATE/DELETE/DDL).
// The choice between QueryContext and ExecContext is made up front from
// the statement's leading verb; a failed call is returned as is, with no
// fallback to the other method.
func execOne(ctx context.Context, q queryer, query string, params []any) (*Result, error) {
	if looksLikeRowReturning(query) {
		rows, err := q.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, err
		}
		return scanRows(rows)
	}

	res, err := q.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return &Result{Affected: affected, LastInsertID: lastID}, nil
}

func looksLikeRowReturning(query string) bool {
	switch operationVerb(query) {
	case "SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN":
		return true
	default:
		return false
	}
}

// scanRows converts a *sql.Rows into a Result, closing rows before
// returning. Each value is passed through convertDatabaseValue so the
// caller gets a JSON-safe representation rather than raw driver bytes.
func scanRows(rows *sql.Rows) (*Result, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	var data [][]any
	for rows.Next() {
		scanDest := make([]any, len(cols))
		for i := range scanDest {
			scanDest[i] = new(any)
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, err
		}

		row := make([]any, len(cols))
		for i, dest := range scanDest {
			v := *(dest.(*any))
			row[i] = convertDatabaseValue(v, colTypes[i])
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Result{Columns: cols, Rows: data}, nil
}

// convertDatabaseValue maps a scanned driver value to a JSON-safe Go
// value. Numeric and decimal column types arrive as []byte from the
// driver; those are kept as strings rather than parsed, so large
// integers and exact decimals survive the round trip without precision
// loss.
func convertDatabaseValue(val any, colType *sql.ColumnType) any {
	if val == nil {
		return nil
	}

	switch v := val.(type) {
	case []byte:
		switch colType.DatabaseTypeName() {
		case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
			str := string(v)
			if str == "" {
				return 0
			}
			return str
		case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL":
			return string(v)
		default:
			return string(v)
		}
	case string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// buildInsertSQL renders a parameterized multi-column INSERT for table,
// one "?" placeholder per column, used by BatchInsert for every chunk.
func buildInsertSQL(table string, cols []string) string {
	placeholders := make([]byte, 0, len(cols)*2)
	colList := make([]byte, 0, 32)
	for i, c := range cols {
		if i > 0 {
			placeholders = append(placeholders, ',', ' ', '?')
			colList = append(colList, ',', ' ')
		} else {
			placeholders = append(placeholders, '?')
		}
		colList = append(colList, '`')
		colList = append(colList, c...)
		colList = append(colList, '`')
	}
	return fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)", table, colList, placeholders)
}

// chunkRows splits rows into batches of at most size, preserving order.
func chunkRows(rows [][]any, size int) [][][]any {
	if size <= 0 {
		size = 1
	}
	var batches [][][]any
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, rows[i:end])
	}
	return batches
}
