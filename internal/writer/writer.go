// Package writer renders Output events to an io.Writer, one JSON object
// per line. Grounded on original_source/src/writer.rs's writer_task: a
// trivial drain loop that serializes each Output and guarantees a
// trailing newline, flushing after every line so a consuming process
// sees output promptly.
package writer

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/sivaosorg/loggy"

	"github.com/cmnspore/agent-first-psql/internal/types"
)

// Run drains out, writing one JSON-encoded line per Output to w, until
// out is closed. Marshal failures are logged and skipped rather than
// aborting the loop, since one bad event should not silence the rest of
// the stream.
func Run(out <-chan types.Output, w io.Writer) {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for o := range out {
		b, err := json.Marshal(o)
		if err != nil {
			loggy.Errorf("[afpsql.writer] marshal failed: %v", err)
			continue
		}
		if _, err := bw.Write(b); err != nil {
			loggy.Errorf("[afpsql.writer] write failed: %v", err)
			continue
		}
		if err := bw.WriteByte('\n'); err != nil {
			loggy.Errorf("[afpsql.writer] write failed: %v", err)
			continue
		}
		if err := bw.Flush(); err != nil {
			loggy.Errorf("[afpsql.writer] flush failed: %v", err)
		}
	}
}
