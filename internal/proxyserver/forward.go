package proxyserver

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/jvforest/jojq-proxy/internal/capture"
)

// capWriter accumulates up to max bytes and silently discards the rest,
// always reporting a full write so a TeeReader copy upstream never fails
// or slows down because the capture side hit its cap.
type capWriter struct {
	max      int
	buf      bytes.Buffer
	overflow bool
}

func newCapWriter(max int) *capWriter {
	return &capWriter{max: max}
}

func (c *capWriter) Write(p []byte) (int, error) {
	if !c.overflow {
		room := c.max - c.buf.Len()
		if room <= 0 {
			c.overflow = true
		} else {
			if len(p) > room {
				c.buf.Write(p[:room])
				c.overflow = true
			} else {
				c.buf.Write(p)
			}
		}
	}
	return len(p), nil
}

type teeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (t *teeReadCloser) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// connInfo carries the httptrace-observed connection detail that becomes a
// Record's optional timing fields (SPEC_FULL.md [ADD 3a]).
type connInfo struct {
	serverAddr string
	reused     bool
}

// streamAndCapture writes resp to w in HTTP/1.x wire format (status line,
// headers, body) while simultaneously teeing the still-encoded body bytes
// into a bounded capture buffer. Client forwarding is never delayed or
// altered by the tee (spec.md §4.4 step 3) — resp.Write streams resp.Body
// as it goes, and the tee is just another writer on that same pass.
//
// After the write completes, it runs the capture pipeline against the
// teed bytes and, on success, appends a Record to buf and invokes onCapture.
func streamAndCapture(
	w io.Writer,
	resp *http.Response,
	method, url string,
	reqHeaders http.Header,
	reqBody []byte,
	arrived time.Time,
	ci connInfo,
	buf *capture.Buffer,
	onCapture func(url string, status int, size int, ordinal int64),
) error {
	cw := newCapWriter(capture.MaxBodyBytes + 1)
	origBody := resp.Body
	if origBody == nil {
		origBody = io.NopCloser(bytes.NewReader(nil))
	}
	resp.Body = &teeReadCloser{Reader: io.TeeReader(origBody, cw), closer: origBody}

	// Clients speak HTTP/1.1 to the proxy, so an HTTP/2 upstream response is
	// written back with an HTTP/1.1 status line.
	h2 := resp.ProtoMajor == 2
	if resp.ProtoMajor != 1 {
		resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	}
	writeErr := resp.Write(w)

	if writeErr == nil {
		outcome := capture.Finalize(method, url, reqHeaders, reqBody, resp.StatusCode, resp.Header, cw.buf.Bytes(), arrived)
		if !outcome.Skipped && outcome.Record != nil {
			outcome.Record.DurationMs = time.Since(arrived).Milliseconds()
			outcome.Record.ServerAddr = ci.serverAddr
			outcome.Record.ReusedConn = ci.reused
			outcome.Record.HTTP2 = h2
			ordinal := buf.Append(*outcome.Record)
			if onCapture != nil {
				onCapture(url, resp.StatusCode, cw.buf.Len(), ordinal)
			}
		} else if cw.overflow {
			logf("response body for %s exceeded capture cap; skipped (%s)", url, outcome.Reason)
		}
	}
	return writeErr
}

// badGateway writes a minimal 502 response in the wire format spec.md §6
// specifies for upstream failures.
func badGateway(w io.Writer) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Status:     "502 Bad Gateway",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain"},
		},
		Body:          io.NopCloser(bytes.NewReader([]byte("Bad Gateway"))),
		ContentLength: int64(len("Bad Gateway")),
	}
	_ = resp.Write(w)
}
