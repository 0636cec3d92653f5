// Package console implements the operator's line-oriented stdin control
// channel: inspecting captures, clearing the buffer, exporting records, and
// triggering shutdown. It is the entire operator-facing surface; fuzzy
// search, query execution, and rendering live in the navigator, not here.
package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jvforest/jojq-proxy/internal/capture"
	"github.com/jvforest/jojq-proxy/internal/export"
)

const helpText = `commands:
  <ordinal>     print the capture at that ordinal
  list, ls      print one summary line per capture
  clear         empty the capture buffer
  save <ordinal> export one capture as JSON
  save all      export the full buffer as a JSON array
  help          print this message
  exit, quit    shut down the proxy`

// Console reads commands from r and writes output to w. Shutdown is
// signaled by closing the channel returned from Done(), which the caller
// should select on alongside its own signal handling.
type Console struct {
	r         *bufio.Scanner
	w         io.Writer
	buf       *capture.Buffer
	exportDir string
	quit      chan struct{}
}

// New constructs a Console over r/w, backed by buf. Exports are written to
// exportDir.
func New(r io.Reader, w io.Writer, buf *capture.Buffer, exportDir string) *Console {
	return &Console{
		r:         bufio.NewScanner(r),
		w:         w,
		buf:       buf,
		exportDir: exportDir,
		quit:      make(chan struct{}),
	}
}

// Done returns a channel that closes once the operator has requested
// shutdown via "exit" or "quit", or once the input reaches EOF.
func (c *Console) Done() <-chan struct{} {
	return c.quit
}

// Run reads and dispatches commands until EOF or a shutdown command. It
// blocks; callers typically run it in its own goroutine.
func (c *Console) Run() {
	for c.r.Scan() {
		line := strings.TrimSpace(c.r.Text())
		if line == "" {
			continue
		}
		if c.dispatch(line) {
			close(c.quit)
			return
		}
	}
	close(c.quit)
}

// dispatch handles one command line, returning true if it should terminate
// the console loop.
func (c *Console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch {
	case cmd == "exit" || cmd == "quit":
		return true
	case cmd == "help":
		fmt.Fprintln(c.w, helpText)
	case cmd == "list" || cmd == "ls":
		c.list()
	case cmd == "clear":
		c.buf.Clear()
		fmt.Fprintln(c.w, "buffer cleared")
	case cmd == "save":
		c.save(fields)
	default:
		c.printOrdinal(fields[0])
	}
	return false
}

func (c *Console) list() {
	recs := c.buf.List()
	if len(recs) == 0 {
		fmt.Fprintln(c.w, "(empty)")
		return
	}
	for _, rec := range recs {
		fmt.Fprintf(c.w, "%d  %-6s %-60s %d  %d bytes\n",
			rec.Ordinal, rec.Request.Method, rec.Request.URL, rec.Response.StatusCode, bodySize(rec.Response.Body))
	}
}

func (c *Console) printOrdinal(arg string) {
	ordinal, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(c.w, "unrecognized command: %q (try \"help\")\n", arg)
		return
	}
	rec, ok := c.buf.Get(ordinal)
	if !ok {
		fmt.Fprintf(c.w, "no capture with ordinal %d\n", ordinal)
		return
	}
	fmt.Fprintf(c.w, "%+v\n", rec)
}

func (c *Console) save(fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(c.w, "usage: save <ordinal> | save all")
		return
	}
	now := time.Now()

	if fields[1] == "all" {
		path, err := export.All(c.exportDir, c.buf.List(), now)
		if err != nil {
			fmt.Fprintf(c.w, "save all failed: %v\n", err)
			return
		}
		fmt.Fprintf(c.w, "wrote %s\n", path)
		return
	}

	ordinal, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		fmt.Fprintf(c.w, "usage: save <ordinal> | save all\n")
		return
	}
	rec, ok := c.buf.Get(ordinal)
	if !ok {
		fmt.Fprintf(c.w, "no capture with ordinal %d\n", ordinal)
		return
	}
	path, err := export.One(c.exportDir, rec, now)
	if err != nil {
		fmt.Fprintf(c.w, "save failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.w, "wrote %s\n", path)
}

func bodySize(body interface{}) int {
	if body == nil {
		return 0
	}
	if s, ok := body.(string); ok {
		return len(s)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	return len(b)
}
