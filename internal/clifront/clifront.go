// Package clifront parses process arguments into one of the engine's three
// run modes (one-shot CLI, pipe, JSON-RPC tool-server) plus the request/
// session data each mode needs to start. Grounded on original_source/
// src/cli.rs's parse_args, adapted from clap to the teacher's flag-parsing
// idiom using github.com/spf13/pflag (the CLI library already established
// across the retrieval pack, e.g. gravitational-teleport).
package clifront

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

// Mode selects which front end main() hands control to after flag parsing.
type Mode int

const (
	ModeCLI Mode = iota
	ModePipe
	ModeMCP
)

// Request is the fully resolved result of parsing os.Args: either a single
// query to run in one-shot CLI mode, a describe request against the schema/
// routine admin surface, or a session/log configuration to boot pipe or
// tool-server mode with.
type Request struct {
	Mode    Mode
	SQL     string
	Params  []any
	Options types.QueryOptions
	Session types.SessionConfig
	Log     []string

	// Describe is true when argv's first argument is "describe",
	// selecting kind/table over SQL for the one-shot CLI request.
	Describe      bool
	DescribeKind  string
	DescribeTable string
}

// Parse parses argv (normally os.Args) into a Request. A non-nil error
// means flag parsing or SQL loading failed and the process should exit 2
// without ever reaching a front end.
func Parse(argv []string) (Request, error) {
	if len(argv) > 1 && argv[1] == "describe" {
		return parseDescribe(argv)
	}

	fs := pflag.NewFlagSet("afpsql", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	sql := fs.String("sql", "", "SQL statement to execute (one-shot CLI mode)")
	sqlFile := fs.String("sql-file", "", "path to a file containing the SQL statement to execute")
	params := fs.StringArray("param", nil, "positional bind parameter as N=value (repeatable)")
	streamRows := fs.Bool("stream-rows", false, "stream result rows in batches instead of one inline payload")
	batchRows := fs.Uint64("batch-rows", 0, "row count per streamed batch")
	batchBytes := fs.Uint64("batch-bytes", 0, "byte budget per streamed batch")
	statementTimeoutMs := fs.Uint64("statement-timeout-ms", 0, "statement_timeout applied for the query's transaction")
	lockTimeoutMs := fs.Uint64("lock-timeout-ms", 0, "lock_timeout applied for the query's transaction")
	inlineMaxRows := fs.Uint64("inline-max-rows", 0, "row count ceiling before an inline result is rejected")
	inlineMaxBytes := fs.Uint64("inline-max-bytes", 0, "byte ceiling before an inline result is rejected")
	readOnly := fs.Bool("read-only", false, "run the query's transaction as READ ONLY")

	dsnSecret := fs.String("dsn-secret", "", "full connection string, used verbatim")
	conninfoSecret := fs.String("conninfo-secret", "", "libpq key=value conninfo string")
	host := fs.StringP("host", "h", "", "database host")
	port := fs.Uint16P("port", "p", 0, "database port")
	user := fs.StringP("user", "U", "", "database user")
	dbname := fs.StringP("dbname", "d", "", "database name")
	passwordSecret := fs.String("password-secret", "", "database password")

	output := fs.StringP("output", "o", "json", "render format for CLI-mode output (json only)")
	log := fs.StringSlice("log", nil, "comma-separated log event filters, or 'all'")
	mode := fs.String("mode", "cli", "run mode: cli, pipe, or mcp")

	// psql-compatible short aliases for bind params and inline SQL.
	fs.StringArrayVarP(params, "value", "v", nil, "alias for --param")
	fs.StringVarP(sql, "command", "c", "", "alias for --sql")

	if err := fs.Parse(argv[1:]); err != nil {
		return Request{}, err
	}

	if *output != "json" {
		return Request{}, fmt.Errorf("unsupported --output %q: only json is supported", *output)
	}

	session := types.SessionConfig{
		DSNSecret:      emptyToNil(*dsnSecret),
		ConninfoSecret: emptyToNil(*conninfoSecret),
		Host:           emptyToNil(*host),
		User:           emptyToNil(*user),
		DBName:         emptyToNil(*dbname),
		PasswordSecret: emptyToNil(*passwordSecret),
	}
	if *port != 0 {
		session.Port = port
	}

	logFilters := parseLogFilters(*log)

	runMode, err := parseMode(*mode)
	if err != nil {
		return Request{}, err
	}
	if runMode != ModeCLI {
		return Request{Mode: runMode, Session: session, Log: logFilters}, nil
	}

	sqlText, err := loadSQL(*sql, *sqlFile)
	if err != nil {
		return Request{}, err
	}
	parsedParams, err := parseParams(*params)
	if err != nil {
		return Request{}, err
	}

	options := types.QueryOptions{
		StreamRows: *streamRows,
	}
	if *batchRows != 0 {
		options.BatchRows = batchRows
	}
	if *batchBytes != 0 {
		options.BatchBytes = batchBytes
	}
	if *statementTimeoutMs != 0 {
		options.StatementTimeoutMs = statementTimeoutMs
	}
	if *lockTimeoutMs != 0 {
		options.LockTimeoutMs = lockTimeoutMs
	}
	if *inlineMaxRows != 0 {
		options.InlineMaxRows = inlineMaxRows
	}
	if *inlineMaxBytes != 0 {
		options.InlineMaxBytes = inlineMaxBytes
	}
	if *readOnly {
		t := true
		options.ReadOnly = &t
	}

	return Request{
		Mode:    ModeCLI,
		SQL:     sqlText,
		Params:  parsedParams,
		Options: options,
		Session: session,
		Log:     logFilters,
	}, nil
}

// parseDescribe parses "afpsql describe <kind> [table] [session flags]",
// the CLI subcommand backing the introspect package's schema/routine admin
// surface (tables, functions, procedures, and, for a given table, columns,
// keys, or ddl).
func parseDescribe(argv []string) (Request, error) {
	fs := pflag.NewFlagSet("afpsql describe", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	dsnSecret := fs.String("dsn-secret", "", "full connection string, used verbatim")
	conninfoSecret := fs.String("conninfo-secret", "", "libpq key=value conninfo string")
	host := fs.StringP("host", "h", "", "database host")
	port := fs.Uint16P("port", "p", 0, "database port")
	user := fs.StringP("user", "U", "", "database user")
	dbname := fs.StringP("dbname", "d", "", "database name")
	passwordSecret := fs.String("password-secret", "", "database password")
	log := fs.StringSlice("log", nil, "comma-separated log event filters, or 'all'")

	if err := fs.Parse(argv[2:]); err != nil {
		return Request{}, err
	}

	args := fs.Args()
	if len(args) == 0 {
		return Request{}, fmt.Errorf("describe requires a kind: tables, functions, procedures, columns, keys, or ddl")
	}
	kind := strings.ToLower(args[0])
	var table string
	switch kind {
	case "tables", "functions", "procedures":
		// no table argument
	case "columns", "keys", "ddl":
		if len(args) < 2 {
			return Request{}, fmt.Errorf("describe %s requires a table name", kind)
		}
		table = args[1]
	default:
		return Request{}, fmt.Errorf("unsupported describe kind %q: expected tables, functions, procedures, columns, keys, or ddl", kind)
	}

	session := types.SessionConfig{
		DSNSecret:      emptyToNil(*dsnSecret),
		ConninfoSecret: emptyToNil(*conninfoSecret),
		Host:           emptyToNil(*host),
		User:           emptyToNil(*user),
		DBName:         emptyToNil(*dbname),
		PasswordSecret: emptyToNil(*passwordSecret),
	}
	if *port != 0 {
		session.Port = port
	}

	return Request{
		Mode:          ModeCLI,
		Session:       session,
		Log:           parseLogFilters(*log),
		Describe:      true,
		DescribeKind:  kind,
		DescribeTable: table,
	}, nil
}

func parseMode(v string) (Mode, error) {
	switch strings.ToLower(v) {
	case "cli":
		return ModeCLI, nil
	case "pipe":
		return ModePipe, nil
	case "mcp":
		return ModeMCP, nil
	default:
		return 0, fmt.Errorf("unsupported --mode %q: expected cli, pipe, or mcp", v)
	}
}

func loadSQL(sql, sqlFile string) (string, error) {
	switch {
	case sql != "" && sqlFile != "":
		return "", fmt.Errorf("--sql and --sql-file are mutually exclusive")
	case sql != "":
		return sql, nil
	case sqlFile != "":
		b, err := os.ReadFile(sqlFile)
		if err != nil {
			return "", fmt.Errorf("read --sql-file failed: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("one of --sql or --sql-file is required")
	}
}

// parseParams turns repeated "N=value" entries into a dense, 1-indexed
// positional parameter slice, JSON-typing each value the same way the
// pipe protocol's raw params would be typed (null/bool/int/float/string).
func parseParams(entries []string) ([]any, error) {
	byIndex := map[int]any{}
	maxIndex := 0
	for _, entry := range entries {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			return nil, fmt.Errorf("invalid param %q, expected N=value", entry)
		}
		idx, err := strconv.Atoi(entry[:eq])
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("invalid param index in %q", entry)
		}
		byIndex[idx] = parseParamValue(entry[eq+1:])
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	if maxIndex == 0 {
		return nil, nil
	}
	out := make([]any, maxIndex)
	for i := 1; i <= maxIndex; i++ {
		v, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("missing parameter index %d", i)
		}
		out[i-1] = v
	}
	return out, nil
}

func parseParamValue(v string) any {
	switch v {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// parseLogFilters lowercases, trims, and dedupes filter entries, preserving
// 'all'/'*' as literal tokens. Mirrors config.ParseLogFilters so CLI-
// supplied --log and pipe-mode config patches normalize identically.
func parseLogFilters(entries []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		v := strings.ToLower(strings.TrimSpace(e))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
