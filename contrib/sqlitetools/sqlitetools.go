// Package sqlitetools contributes inspection and manipulation tools for a
// SQLite database owned by the host application: ad-hoc queries, statements,
// and schema introspection.
package sqlitetools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/go-mcp"
	_ "modernc.org/sqlite"

	"github.com/kaeawc/appmcp"
)

const defaultQueryLimit = 100

// Contributor wraps an open database handle and registers the sqlite_*
// tools. Close releases the handle.
type Contributor struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path with WAL journaling,
// foreign key enforcement, and a busy timeout suitable for concurrent use.
func Open(path string, logger *slog.Logger) (*Contributor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &Contributor{
		db:     db,
		logger: logger.With("component", "sqlitetools"),
	}, nil
}

// DB exposes the underlying handle so the host application can share it.
func (c *Contributor) DB() *sql.DB {
	return c.db
}

// Close closes the database handle.
func (c *Contributor) Close() error {
	return c.db.Close()
}

// ProviderName implements appmcp.ToolContributor.
func (*Contributor) ProviderName() string {
	return "sqlitetools"
}

// RegisterTools implements appmcp.ToolContributor.
func (c *Contributor) RegisterTools(r *appmcp.ToolRegistry) error {
	err := appmcp.RegisterToolOptional(r, "sqlite_query",
		"Runs a read-only SQL query and returns the rows as JSON",
		queryArgs{Limit: defaultQueryLimit}, []string{"args", "limit"}, c.query)
	if err != nil {
		return err
	}

	err = appmcp.RegisterToolOptional(r, "sqlite_exec",
		"Executes a SQL statement and reports the rows affected",
		execArgs{}, []string{"args"}, c.exec)
	if err != nil {
		return err
	}

	err = appmcp.RegisterTool(r, "sqlite_tables",
		"Lists the tables in the database",
		struct{}{}, nil, c.tables)
	if err != nil {
		return err
	}

	return appmcp.RegisterTool(r, "sqlite_schema",
		"Shows the CREATE statements for a table and its indexes",
		schemaArgs{}, []string{"table"}, c.schema)
}

type queryArgs struct {
	SQL   string `json:"sql"`
	Args  []any  `json:"args"`
	Limit int    `json:"limit"`
}

type execArgs struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args"`
}

type schemaArgs struct {
	Table string `json:"table"`
}

func (c *Contributor) query(ctx context.Context, args queryArgs) (mcp.CallToolResult, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	rows, err := c.db.QueryContext(ctx, args.SQL, args.Args...)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	var results []map[string]any
	truncated := false
	for rows.Next() {
		if len(results) >= limit {
			truncated = true
			break
		}

		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return mcp.CallToolResult{}, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return mcp.CallToolResult{}, err
	}

	c.logger.Debug("query executed", "rows", len(results), "truncated", truncated)
	return jsonResult(map[string]any{
		"rows":      results,
		"rowCount":  len(results),
		"truncated": truncated,
	})
}

func (c *Contributor) exec(ctx context.Context, args execArgs) (mcp.CallToolResult, error) {
	result, err := c.db.ExecContext(ctx, args.SQL, args.Args...)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	affected, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()

	c.logger.Debug("statement executed", "rowsAffected", affected)
	return jsonResult(map[string]any{
		"rowsAffected": affected,
		"lastInsertId": lastID,
	})
}

func (c *Contributor) tables(ctx context.Context, _ struct{}) (mcp.CallToolResult, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return mcp.CallToolResult{}, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return mcp.CallToolResult{}, err
	}

	return jsonResult(map[string]any{"tables": tables})
}

func (c *Contributor) schema(ctx context.Context, args schemaArgs) (mcp.CallToolResult, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE tbl_name = ? AND sql IS NOT NULL ORDER BY type DESC, name`,
		args.Table)
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	defer rows.Close()

	var statements []string
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return mcp.CallToolResult{}, err
		}
		statements = append(statements, stmt)
	}
	if err := rows.Err(); err != nil {
		return mcp.CallToolResult{}, err
	}
	if len(statements) == 0 {
		return mcp.CallToolResult{}, fmt.Errorf("table %q not found", args.Table)
	}

	return jsonResult(map[string]any{
		"table":      args.Table,
		"statements": statements,
	})
}

// normalizeValue makes driver values JSON-friendly; byte slices become
// strings.
func normalizeValue(v any) any {
	if bs, ok := v.([]byte); ok {
		return string(bs)
	}
	return v
}

func jsonResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(bs),
			},
		},
	}, nil
}
