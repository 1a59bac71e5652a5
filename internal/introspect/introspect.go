// Package introspect is the engine's schema/routine admin surface: listing
// tables, functions, and procedures, and describing a table's columns.
// Separate from the agent-facing query pipeline (C1-C6), this is a
// read-only diagnostic surface exposed via the "describe" CLI subcommand,
// deliberately kept on the teacher's original driver stack (sqlx+lib/pq)
// rather than the pgx-backed executor, since it never binds user-supplied
// parameters into arbitrary SQL and has no need of pgx's declared-type
// introspection.
//
// Grounded on the teacher's pgc.go (NewClient/AllTables/AllFunctions) and
// func.go (Functions/Procedures/ColsSpec), generalized into one struct-
// returning Client instead of per-call []string/wrapify.R pairs, with
// column nullability/default surfaced via gopkg.in/guregu/null.v3 the way
// the teacher's sivaosorg pack favors nullable scalar types over pointers.
package introspect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sivaosorg/wrapify"
	"gopkg.in/guregu/null.v3"

	_ "github.com/lib/pq"
)

// Client is a read-only connection used for schema introspection.
type Client struct {
	conn *sqlx.DB
	pool *Pool
}

// TableColumn describes one column as reported by information_schema.
type TableColumn struct {
	Name       string      `json:"name" db:"column_name"`
	DataType   string      `json:"data_type" db:"data_type"`
	MaxLength  null.Int    `json:"max_length,omitempty" db:"character_maximum_length"`
	Nullable   bool        `json:"nullable" db:"-"`
	Default    null.String `json:"default,omitempty" db:"column_default"`
	IsNullable string      `json:"-" db:"is_nullable"`
}

// TableDescription is one table's full column listing.
type TableDescription struct {
	Table   string        `json:"table"`
	Columns []TableColumn `json:"columns"`
}

// NewClient opens a sqlx connection over lib/pq for introspection queries
// and verifies connectivity with a ping. Grounded on pgc.go's NewClient,
// simplified to the single connection this package needs (no keepalive
// loop: introspection connections are opened per "describe" invocation,
// not held open across the agent's query-serving lifetime).
func NewClient(ctx context.Context, connString string) (*Client, error) {
	conn, err := sqlx.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("open introspection connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping introspection connection: %w", err)
	}

	poolConf := DefaultPoolConf()
	poolConf.SetWorkers(4)
	pool := NewPool(poolConf)
	pool.Start()

	return &Client{conn: conn, pool: pool}, nil
}

// Close releases the underlying connection and stops the describe pool.
func (c *Client) Close() error {
	c.pool.Stop()
	return c.conn.Close()
}

// ListTables returns every base table name in the public schema.
// Grounded on pgc.go's AllTables.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	var tables []string
	const query = `SELECT table_name FROM information_schema.tables WHERE table_schema='public' AND table_type='BASE TABLE' ORDER BY table_name`
	if err := c.conn.SelectContext(ctx, &tables, query); err != nil {
		return nil, wrapIntrospectErr("list tables", err)
	}
	return tables, nil
}

// ListFunctions returns every function name in the public schema.
// Grounded on func.go's Functions.
func (c *Client) ListFunctions(ctx context.Context) ([]string, error) {
	return c.listRoutines(ctx, "FUNCTION")
}

// ListProcedures returns every procedure name in the public schema.
// Grounded on func.go's Procedures.
func (c *Client) ListProcedures(ctx context.Context) ([]string, error) {
	return c.listRoutines(ctx, "PROCEDURE")
}

func (c *Client) listRoutines(ctx context.Context, routineType string) ([]string, error) {
	if !isNotEmpty(routineType) {
		return nil, wrapIntrospectErr("list routines", fmt.Errorf("routine type is required"))
	}
	var names []string
	const query = `SELECT routine_name FROM information_schema.routines WHERE routine_schema = 'public' AND routine_type = $1 ORDER BY routine_name`
	if err := c.conn.SelectContext(ctx, &names, query, routineType); err != nil {
		return nil, wrapIntrospectErr(fmt.Sprintf("list %s routines", routineType), err)
	}
	return names, nil
}

// DescribeTable returns column metadata for one table. Grounded on
// func.go's ColsSpec, extended with is_nullable/column_default (dropped
// from the distilled spec but present in the original information_schema
// surface) exposed as null.v3 nullable scalars.
func (c *Client) DescribeTable(ctx context.Context, table string) (TableDescription, error) {
	if isEmpty(table) {
		return TableDescription{}, wrapIntrospectErr("describe table", fmt.Errorf("table name is required"))
	}

	const query = `
		SELECT column_name, data_type, character_maximum_length, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position
	`
	var cols []TableColumn
	if err := c.conn.SelectContext(ctx, &cols, query, table); err != nil {
		return TableDescription{}, wrapIntrospectErr(fmt.Sprintf("describe table %q", table), err)
	}
	if len(cols) == 0 {
		return TableDescription{}, wrapIntrospectErr("describe table", fmt.Errorf("table %q not found", table))
	}
	for i := range cols {
		cols[i].Nullable = cols[i].IsNullable == "YES"
	}
	return TableDescription{Table: table, Columns: cols}, nil
}

// TableKey is one primary key, unique constraint, or index on a table.
type TableKey struct {
	Name string `json:"name" db:"c_name"`
	Kind string `json:"kind" db:"type"`
	Desc string `json:"descriptor" db:"descriptor"`
}

// TableKeys returns the primary/unique keys and indexes defined on table.
// Grounded on func.go's TableKeys (the three-way UNION over
// pg_constraint/pg_indexes), kept as a single query rather than the
// teacher's split read/scan loop since sqlx.SelectContext already handles
// the row iteration.
func (c *Client) TableKeys(ctx context.Context, table string) ([]TableKey, error) {
	if isEmpty(table) {
		return nil, wrapIntrospectErr("table keys", fmt.Errorf("table name is required"))
	}

	const query = `
		SELECT conname AS c_name, 'Primary Key' AS type, '' as descriptor
		FROM pg_constraint
		WHERE conrelid = regclass($1) AND confrelid = 0 AND contype = 'p'
		UNION
		SELECT conname AS c_name, 'Unique Key' AS type, '' as descriptor
		FROM pg_constraint
		WHERE conrelid = regclass($1) AND confrelid = 0 AND contype = 'u'
		UNION
		SELECT indexname AS c_name, 'Index' AS type, indexdef as descriptor
		FROM pg_indexes
		WHERE tablename = $1
	`
	var keys []TableKey
	if err := c.conn.SelectContext(ctx, &keys, query, table); err != nil {
		return nil, wrapIntrospectErr(fmt.Sprintf("table keys %q", table), err)
	}
	return keys, nil
}

// TableDDL generates a CREATE TABLE statement for table from its current
// column definitions. Grounded on func.go's TableDef: the pg_catalog
// column-aggregation query is unchanged, the wrapify.R error-reply
// scaffolding around it is replaced with a plain error return.
func (c *Client) TableDDL(ctx context.Context, table string) (string, error) {
	if isEmpty(table) {
		return "", wrapIntrospectErr("table ddl", fmt.Errorf("table name is required"))
	}

	const query = `
		SELECT 'CREATE TABLE ' || quote_ident(c.relname) || E'\n(\n' ||
			array_to_string(
				array_agg(
					'    ' || quote_ident(a.attname) || ' ' ||
					pg_catalog.format_type(a.atttypid, a.atttypmod) ||
					CASE WHEN a.attnotnull THEN ' NOT NULL' ELSE '' END
				), E',\n'
			) || E'\n);\n' AS ddl
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid
		WHERE c.relname = $1 AND n.nspname = 'public' AND a.attnum > 0
		GROUP BY c.relname
	`
	var ddl string
	if err := c.conn.GetContext(ctx, &ddl, query, table); err != nil {
		return "", wrapIntrospectErr(fmt.Sprintf("table ddl %q", table), err)
	}
	if isEmpty(ddl) {
		return "", wrapIntrospectErr("table ddl", fmt.Errorf("table %q not found", table))
	}
	return ddl, nil
}

// DescribeAll fans out DescribeTable across every given table name
// concurrently via the package's worker pool, bounding describe
// concurrency instead of spawning one unbounded goroutine per table.
func (c *Client) DescribeAll(ctx context.Context, tables []string) ([]TableDescription, error) {
	type result struct {
		desc TableDescription
		err  error
	}
	results := make([]result, len(tables))
	done := make(chan struct{}, len(tables))

	for i, table := range tables {
		i, table := i, table
		accepted := c.pool.Submit(func() {
			desc, err := c.DescribeTable(ctx, table)
			results[i] = result{desc: desc, err: err}
			done <- struct{}{}
		})
		if !accepted {
			desc, err := c.DescribeTable(ctx, table)
			results[i] = result{desc: desc, err: err}
			done <- struct{}{}
		}
	}

	for range tables {
		<-done
	}

	out := make([]TableDescription, 0, len(tables))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out = append(out, r.desc)
	}
	return out, nil
}

func wrapIntrospectErr(action string, err error) error {
	r := wrapify.WrapInternalServerError(fmt.Sprintf("introspect: %s failed", action), nil).WithErrSck(err).Reply()
	return fmt.Errorf("%s: %w", r.Message(), err)
}
