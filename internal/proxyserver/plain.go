package proxyserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"golang.org/x/net/http2"

	"github.com/jvforest/jojq-proxy/internal/capture"
)

// newUpstreamTransport builds the transport used for plain-HTTP forwarding
// (spec.md §4.4) and for the MITM handler's fresh per-host TLS sessions
// (spec.md §4.6). HTTP/2 is attempted opportunistically, matching the
// teacher's own transport configuration.
func newUpstreamTransport(insecureSkipVerify bool) *http.Transport {
	tr := &http.Transport{
		Proxy:             nil,
		ForceAttemptHTTP2: true,
	}
	// Leave Content-Encoding alone: the client receives the upstream's encoded
	// bytes unchanged, and the capture pipeline decodes its own copy.
	tr.DisableCompression = true
	if insecureSkipVerify {
		tr.TLSClientConfig = &tlsConfigInsecure
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		logf("http2 configure: %v", err)
	}
	return tr
}

func (s *Server) handlePlain(connID string, conn net.Conn, br *bufio.Reader, first *http.Request) {
	defer conn.Close()

	tr := newUpstreamTransport(false)
	req := first
	for {
		if err := s.forwardPlain(conn, req, tr); err != nil {
			logf("[%s] plain forward error: %v", connID, err)
			return
		}
		if req.Close || req.Header.Get("Connection") == "close" {
			return
		}
		next, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		req = next
	}
}

func (s *Server) forwardPlain(clientConn net.Conn, req *http.Request, tr *http.Transport) error {
	arrived := time.Now()

	reqBody, err := readCapped(req.Body, capture.MaxBodyBytes)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	upstreamURL := *req.URL
	if upstreamURL.Scheme == "" {
		upstreamURL.Scheme = "http"
	}
	if upstreamURL.Host == "" {
		upstreamURL.Host = req.Host
	}

	upstreamReq, err := http.NewRequest(req.Method, upstreamURL.String(), bytes.NewReader(reqBody))
	if err != nil {
		badGateway(clientConn)
		return nil
	}
	upstreamReq.Header = req.Header.Clone()
	stripHopByHop(upstreamReq.Header)

	// The deadline covers the dial and the wait for response headers; it is
	// stopped once RoundTrip returns so body streaming is not cut off.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	deadline := time.AfterFunc(s.cfg.UpstreamDialTO+s.cfg.UpstreamRespTO, cancel)

	var ci connInfo
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			ci.reused = info.Reused
			if info.Conn != nil {
				ci.serverAddr = info.Conn.RemoteAddr().String()
			}
		},
	})
	upstreamReq = upstreamReq.WithContext(ctx)

	resp, err := tr.RoundTrip(upstreamReq)
	deadline.Stop()
	if err != nil {
		logf("upstream error for %s: %v", upstreamURL.String(), err)
		badGateway(clientConn)
		return nil
	}
	defer resp.Body.Close()

	return streamAndCapture(clientConn, resp, req.Method, upstreamURL.String(), upstreamReq.Header, reqBody, arrived, ci, s.buffer, s.onEvict)
}

// readCapped reads rc fully, bounded at max+1 bytes so a misbehaving client
// can't force unbounded memory growth.
func readCapped(rc io.ReadCloser, max int) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, int64(max)+1))
}
