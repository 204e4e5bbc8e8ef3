package db

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// GetEverythingFromTable dumps all rows from the given table into raw strings.
// Each element in the returned value is a row, and each column within that row
// is a element of a list. NULL values are returned as "NULL".
func GetEverythingFromTable(ctx context.Context, q Queryer, table string) ([][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT * FROM `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}

	result := [][]string{}
	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, value := range raw {
			if value == nil {
				row[i] = "NULL"
			} else {
				row[i] = string(value)
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// NamedGet runs a named query and scans the first returned row into dest.
// It returns sql.ErrNoRows if the query returned nothing.
func NamedGet(ctx context.Context, q Queryer, dest interface{}, query string, arg interface{}) error {
	rows, err := sqlx.NamedQueryContext(ctx, q, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	return rows.StructScan(dest)
}
