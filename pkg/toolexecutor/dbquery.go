package toolexecutor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brainless/nocodo-agent/pkg/tools"
)

const (
	// DefaultQueryRows is the row limit when a query sets none.
	DefaultQueryRows = 100

	// MaxQueryRows is the hard ceiling no request can exceed.
	MaxQueryRows = 1000

	queryBusyTimeoutMs = 5000
)

// deniedQueryKeywords lists statements that mutate state or escape the
// database file. Matched on word boundaries so column names such as
// created_at survive.
var deniedQueryKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "CREATE", "ALTER",
	"TRUNCATE", "EXEC", "EXECUTE", "MERGE", "CALL", "ATTACH", "DETACH",
}

var (
	deniedKeywordRe = compileKeywordPattern(deniedQueryKeywords)
	limitClauseRe   = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
)

func compileKeywordPattern(keywords []string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(keywords, "|") + `)\b`)
}

// queryDatabase runs a read-only query against a SQLite file inside the
// workspace. The connection is opened mode=ro so even a validation gap
// cannot write.
func (e *Executor) queryDatabase(ctx context.Context, req *tools.QueryDatabaseRequest) (tools.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := validateQuery(req.Query); err != nil {
		return nil, err
	}

	dbPath, err := e.resolvePath(req.DBPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(dbPath); statErr != nil {
		return nil, tools.NotFound("database not found: %s", req.DBPath)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultQueryRows
	}
	if limit > MaxQueryRows {
		limit = MaxQueryRows
	}

	start := time.Now()

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", dbPath, queryBusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, tools.ExecutionFailed("open database: %v", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, prepareQuery(req.Query, limit))
	if err != nil {
		return nil, tools.ExecutionFailed("query failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, tools.ExecutionFailed("read columns: %v", err)
	}

	var out [][]interface{}
	for rows.Next() && len(out) < limit {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, tools.ExecutionFailed("scan row: %v", err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, tools.ExecutionFailed("iterate rows: %v", err)
	}
	if out == nil {
		out = [][]interface{}{}
	}

	return &tools.QueryDatabaseResponse{
		Columns:         columns,
		Rows:            out,
		RowCount:        len(out),
		Truncated:       len(out) == limit,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// validateQuery rejects anything but a single SELECT or PRAGMA
// statement. PRAGMAs skip the statement-shape checks but still go
// through the keyword scan.
func validateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return tools.InvalidArgument("query is required")
	}
	upper := strings.ToUpper(trimmed)

	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "PRAGMA") {
		return tools.InvalidArgument("only SELECT queries and PRAGMA statements are allowed")
	}
	if rest := strings.TrimSuffix(trimmed, ";"); strings.Contains(rest, ";") {
		return tools.InvalidArgument("multiple SQL statements are not allowed")
	}
	if m := deniedKeywordRe.FindString(trimmed); m != "" {
		return tools.InvalidArgument("use of %q is not allowed in queries", strings.ToUpper(m))
	}
	return nil
}

// prepareQuery strips a trailing semicolon and appends a LIMIT clause to
// SELECTs that carry none, so the database never materializes more rows
// than the response can hold.
func prepareQuery(query string, limit int) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")
	if strings.HasPrefix(strings.ToUpper(trimmed), "PRAGMA") {
		return trimmed
	}
	if limitClauseRe.MatchString(trimmed) {
		return trimmed
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}

// normalizeValue maps driver values onto JSON-friendly types. SQLite
// hands both TEXT and BLOB columns back as []byte; valid UTF-8 becomes a
// string and everything else is masked.
func normalizeValue(v interface{}) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return "<BLOB>"
}
