package introspect

import (
	"context"
	"strings"
	"testing"
)

func TestDescribeTableRequiresName(t *testing.T) {
	c := &Client{}
	_, err := c.DescribeTable(context.Background(), "")
	if err == nil {
		t.Fatalf("expected error for empty table name")
	}
	if !strings.Contains(err.Error(), "table name is required") {
		t.Fatalf("expected 'table name is required' in error, got %v", err)
	}
}

func TestTableKeysRequiresName(t *testing.T) {
	c := &Client{}
	_, err := c.TableKeys(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "table name is required") {
		t.Fatalf("expected table-name-required error, got %v", err)
	}
}

func TestTableDDLRequiresName(t *testing.T) {
	c := &Client{}
	_, err := c.TableDDL(context.Background(), "  ")
	if err == nil || !strings.Contains(err.Error(), "table name is required") {
		t.Fatalf("expected table-name-required error, got %v", err)
	}
}

func TestIsEmptyAndIsNotEmpty(t *testing.T) {
	if !isEmpty("   ") {
		t.Fatalf("expected whitespace-only string to be empty")
	}
	if isEmpty("tables") {
		t.Fatalf("expected non-blank string to not be empty")
	}
	if isNotEmpty("   ") {
		t.Fatalf("expected whitespace-only string to not be isNotEmpty")
	}
}

func TestWrapIntrospectErrWrapsUnderlying(t *testing.T) {
	underlying := context.DeadlineExceeded
	err := wrapIntrospectErr("list tables", underlying)
	if err == nil {
		t.Fatalf("expected non-nil error")
	}
	if !strings.Contains(err.Error(), underlying.Error()) {
		t.Fatalf("expected wrapped error to contain underlying message, got %v", err)
	}
}
