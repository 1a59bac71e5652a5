package writer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

func TestRunWritesOneJSONLinePerOutput(t *testing.T) {
	out := make(chan types.Output, 4)
	out <- types.NewPongOutput(types.PongTrace{UptimeS: 1, RequestsTotal: 2, InFlight: 0})
	out <- types.NewLogOutput("startup", nil, nil, "", "", types.OnlyDuration(0))
	close(out)

	var buf bytes.Buffer
	Run(out, &buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 not valid JSON: %v", err)
	}
	if first["code"] != "pong" {
		t.Fatalf("expected code=pong, got %+v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2 not valid JSON: %v", err)
	}
	if second["code"] != "log" {
		t.Fatalf("expected code=log, got %+v", second)
	}
}

func TestRunTrailingNewlinePerLine(t *testing.T) {
	out := make(chan types.Output, 1)
	out <- types.NewPongOutput(types.PongTrace{})
	close(out)

	var buf bytes.Buffer
	Run(out, &buf)

	raw := buf.String()
	if !strings.HasSuffix(raw, "\n") {
		t.Fatalf("expected trailing newline in raw output")
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	n := 0
	for scanner.Scan() {
		n++
	}
	if n != 1 {
		t.Fatalf("expected 1 scanned line, got %d", n)
	}
}
