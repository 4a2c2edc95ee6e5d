package tools

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/keldan/steward/pkg/errmodel"
	"github.com/keldan/steward/pkg/protocol"
	"github.com/keldan/steward/pkg/tool"
)

var describeSchemaInput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`)

var describeSchemaOutput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "schema": {"type": "string"}
  },
  "required": ["schema"],
  "additionalProperties": false
}`)

var executeSQLInput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "sql": {"type": "string", "minLength": 1}
  },
  "required": ["sql"],
  "additionalProperties": false
}`)

var executeSQLOutput = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "columns": {"type": "array", "items": {"type": "string"}},
    "rows": {"type": "array", "items": {"type": "array"}}
  },
  "required": ["columns", "rows"],
  "additionalProperties": false
}`)

// RecordStore wraps an embedded SQLite database and exposes two capabilities:
// describe_schema for the generation step and execute_sql for read-only
// queries. Structural SQL errors come back as retryable tool errors so the
// execution loop can regenerate the query.
type RecordStore struct {
	db *sql.DB
}

// OpenRecordStore opens the database at dsn (":memory:" for tests and the
// demo) and applies the sample fixtures when seed is set.
func OpenRecordStore(dsn string, seed bool) (*RecordStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open %s: %w", dsn, err)
	}
	// The in-memory database vanishes when its single connection closes.
	db.SetMaxOpenConns(1)
	s := &RecordStore{db: db}
	if seed {
		if err := s.applyFixtures(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying database.
func (s *RecordStore) Close() error { return s.db.Close() }

func (s *RecordStore) applyFixtures() error {
	stmts := []string{
		`CREATE TABLE accounts (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE sales (
			id INTEGER PRIMARY KEY,
			quarter TEXT NOT NULL,
			amount_usd REAL NOT NULL
		)`,
		`INSERT INTO sales (quarter, amount_usd) VALUES
			('Q3', 700000), ('Q3', 500000), ('Q2', 300000)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("recordstore: fixture: %w", err)
		}
	}
	for i := 1; i <= 42; i++ {
		_, err := s.db.Exec(
			`INSERT INTO accounts (name, created_at) VALUES (?, date('now', '-3 days'))`,
			fmt.Sprintf("account-%02d", i),
		)
		if err != nil {
			return fmt.Errorf("recordstore: fixture: %w", err)
		}
	}
	return nil
}

// DescribeSchema returns the capability that reports table definitions.
func (s *RecordStore) DescribeSchema() tool.Tool { return &describeSchema{db: s.db} }

// ExecuteSQL returns the capability that runs read-only queries.
func (s *RecordStore) ExecuteSQL() tool.Tool { return &executeSQL{db: s.db} }

// Handles returns both capabilities for registry wiring.
func (s *RecordStore) Handles() []tool.Tool {
	return []tool.Tool{s.DescribeSchema(), s.ExecuteSQL()}
}

type describeSchema struct {
	db *sql.DB
}

func (t *describeSchema) Describe() tool.Spec {
	return tool.Spec{
		Name:         "describe_schema",
		Description:  "Return the CREATE statements for every user table.",
		InputSchema:  describeSchemaInput,
		OutputSchema: describeSchemaOutput,
	}
}

func (t *describeSchema) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, errmodel.System("schema_read", "failed to read table definitions", nil, err)
	}
	defer rows.Close()

	var ddl []string
	for rows.Next() {
		var stmt sql.NullString
		if err := rows.Scan(&stmt); err != nil {
			return nil, errmodel.System("schema_read", "failed to read table definitions", nil, err)
		}
		if stmt.Valid {
			ddl = append(ddl, stmt.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errmodel.System("schema_read", "failed to read table definitions", nil, err)
	}
	return map[string]any{"schema": strings.Join(ddl, ";\n")}, nil
}

type executeSQL struct {
	db *sql.DB
}

func (t *executeSQL) Describe() tool.Spec {
	return tool.Spec{
		Name:         "execute_sql",
		Description:  "Execute a read-only SELECT statement and return the result rows.",
		InputSchema:  executeSQLInput,
		OutputSchema: executeSQLOutput,
	}
}

func (t *executeSQL) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["sql"].(string)
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		// Retryable so the loop can regenerate a SELECT.
		return nil, errmodel.Tool("read_only", "only SELECT statements are allowed", true, map[string]any{"sql": trimmed})
	}

	rows, err := t.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, sqlToolError(trimmed, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, sqlToolError(trimmed, err)
	}
	columns := make([]any, len(cols))
	for i, c := range cols {
		columns[i] = c
	}

	var out []any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, sqlToolError(trimmed, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, any(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, sqlToolError(trimmed, err)
	}
	if out == nil {
		out = []any{}
	}
	return map[string]any{"columns": columns, "rows": out}, nil
}

// sqlToolError maps a database error to a tool error, marking structural
// problems (missing table or column, syntax error) retryable.
func sqlToolError(query string, err error) error {
	msg := err.Error()
	return errmodel.Tool("sql_error", msg, protocol.IsStructuralMessage(msg), map[string]any{"sql": query})
}
