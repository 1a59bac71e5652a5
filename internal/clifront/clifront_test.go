package clifront

import "testing"

func TestParseCLIModeBasic(t *testing.T) {
	req, err := Parse([]string{"afpsql", "--sql", "select 1", "--host", "db1", "--port", "6543"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Mode != ModeCLI {
		t.Fatalf("expected ModeCLI, got %v", req.Mode)
	}
	if req.SQL != "select 1" {
		t.Fatalf("expected sql select 1, got %q", req.SQL)
	}
	if req.Session.Host == nil || *req.Session.Host != "db1" {
		t.Fatalf("expected host db1, got %+v", req.Session.Host)
	}
	if req.Session.Port == nil || *req.Session.Port != 6543 {
		t.Fatalf("expected port 6543, got %+v", req.Session.Port)
	}
}

func TestParsePipeMode(t *testing.T) {
	req, err := Parse([]string{"afpsql", "--mode", "pipe", "--log", "all"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Mode != ModePipe {
		t.Fatalf("expected ModePipe, got %v", req.Mode)
	}
	if len(req.Log) != 1 || req.Log[0] != "all" {
		t.Fatalf("expected log filter [all], got %+v", req.Log)
	}
}

func TestParseRequiresSQLOrFile(t *testing.T) {
	_, err := Parse([]string{"afpsql"})
	if err == nil {
		t.Fatalf("expected error when neither --sql nor --sql-file given")
	}
}

func TestParseSQLAndSQLFileMutuallyExclusive(t *testing.T) {
	_, err := Parse([]string{"afpsql", "--sql", "select 1", "--sql-file", "x.sql"})
	if err == nil {
		t.Fatalf("expected mutually-exclusive error")
	}
}

func TestParseParamsPositional(t *testing.T) {
	req, err := Parse([]string{"afpsql", "--sql", "select $1, $2", "--param", "1=40", "--param", "2=2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Params) != 2 {
		t.Fatalf("expected 2 params, got %+v", req.Params)
	}
	if req.Params[0] != int64(40) || req.Params[1] != int64(2) {
		t.Fatalf("expected [40, 2], got %+v", req.Params)
	}
}

func TestParseParamsMissingIndexGap(t *testing.T) {
	_, err := Parse([]string{"afpsql", "--sql", "select $1, $2", "--param", "2=2"})
	if err == nil {
		t.Fatalf("expected error for missing index 1")
	}
}

func TestParseUnsupportedOutputFormat(t *testing.T) {
	_, err := Parse([]string{"afpsql", "--sql", "select 1", "--output", "yaml"})
	if err == nil {
		t.Fatalf("expected error for unsupported output format")
	}
}

func TestParseReadOnlyFlag(t *testing.T) {
	req, err := Parse([]string{"afpsql", "--sql", "select 1", "--read-only"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Options.ReadOnly == nil || !*req.Options.ReadOnly {
		t.Fatalf("expected read_only=true, got %+v", req.Options.ReadOnly)
	}
}

func TestParseDescribeTables(t *testing.T) {
	req, err := Parse([]string{"afpsql", "describe", "tables", "--host", "db1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Mode != ModeCLI || !req.Describe {
		t.Fatalf("expected describe CLI request, got %+v", req)
	}
	if req.DescribeKind != "tables" {
		t.Fatalf("expected kind tables, got %q", req.DescribeKind)
	}
	if req.DescribeTable != "" {
		t.Fatalf("expected no table for describe tables, got %q", req.DescribeTable)
	}
	if req.Session.Host == nil || *req.Session.Host != "db1" {
		t.Fatalf("expected host db1, got %+v", req.Session.Host)
	}
}

func TestParseDescribeColumnsRequiresTable(t *testing.T) {
	_, err := Parse([]string{"afpsql", "describe", "columns"})
	if err == nil {
		t.Fatalf("expected error for describe columns without a table name")
	}
}

func TestParseDescribeColumnsWithTable(t *testing.T) {
	req, err := Parse([]string{"afpsql", "describe", "columns", "accounts"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.DescribeKind != "columns" || req.DescribeTable != "accounts" {
		t.Fatalf("expected kind=columns table=accounts, got %+v", req)
	}
}

func TestParseDescribeUnknownKind(t *testing.T) {
	_, err := Parse([]string{"afpsql", "describe", "triggers"})
	if err == nil {
		t.Fatalf("expected error for unsupported describe kind")
	}
}
