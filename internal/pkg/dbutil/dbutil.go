package dbutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	limitRegex      = regexp.MustCompile(`(?i)LIMIT\s+\?\s*,\s*\?`)
	identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// Finalize converts a gendry built query (mysql flavour) into postgres form.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	query = strings.ReplaceAll(query, "`", "")
	loc := limitRegex.FindStringIndex(query)
	if loc != nil {
		prefix := query[:loc[0]]
		qCount := strings.Count(prefix, "?")
		if qCount+1 < len(args) {
			args[qCount], args[qCount+1] = args[qCount+1], args[qCount]
			query = limitRegex.ReplaceAllString(query, "LIMIT ? OFFSET ?")
		}
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}

// QuoteTable validates a configured table name before it is interpolated
// into SQL. Table names never come from request input.
func QuoteTable(name string) (string, error) {
	if !identifierRegex.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return pq.QuoteIdentifier(name), nil
}

// IsUndefinedColumn reports missing column/table errors, e.g. a chunk table
// created without the content_tsv column.
func IsUndefinedColumn(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703" || pgErr.Code == "42P01"
	}
	return false
}

// IsDimensionMismatch reports pgvector's "different vector dimensions" error.
func IsDimensionMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "different vector dimensions")
}
