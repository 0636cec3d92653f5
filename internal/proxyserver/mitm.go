package proxyserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/jvforest/jojq-proxy/internal/capture"
)

// handleMITM implements the HTTPS MITM handler (spec.md §4.6): reply 200
// Connection Established, terminate TLS with the client using a leaf
// certificate for the CONNECT-target host (with an SNI callback that
// re-selects per the actual ClientHello server name), then parse the
// decrypted stream as HTTP/1.1 and forward each request over a fresh TLS
// session to the real upstream.
func (s *Server) handleMITM(connID string, clientConn net.Conn, br *bufio.Reader, req *http.Request) {
	defer clientConn.Close()

	host, port := splitHostPort(req.Host, "443")

	tlsCfg, err := s.ca.TLSConfigForHost(host)
	if err != nil {
		logf("[%s] mitm: leaf cert for %s: %v", connID, host, err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	// Any buffered bytes already read from the raw connection before we
	// recognized this as CONNECT belong to the pre-TLS stream only; the
	// handshake itself must read straight from the socket.
	tlsConn := tls.Server(clientConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		logf("[%s] mitm: TLS handshake with client for %s failed: %v", connID, host, err)
		return
	}
	defer tlsConn.Close()

	tr := newUpstreamTransport(true)
	// No upstream keep-alive: each inner request gets its own TLS session.
	tr.DisableKeepAlives = true
	clientReader := bufio.NewReader(tlsConn)

	for {
		innerReq, err := http.ReadRequest(clientReader)
		if err != nil {
			return
		}

		if err := s.forwardMITM(tlsConn, innerReq, host, port, tr); err != nil {
			logf("[%s] mitm forward error: %v", connID, err)
			return
		}
		if innerReq.Close || innerReq.Header.Get("Connection") == "close" {
			return
		}
	}
}

func (s *Server) forwardMITM(clientConn net.Conn, innerReq *http.Request, host, port string, tr *http.Transport) error {
	arrived := time.Now()

	reqBody, err := readCapped(innerReq.Body, capture.MaxBodyBytes)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	upstreamURL := fmt.Sprintf("https://%s%s", net.JoinHostPort(host, port), innerReq.URL.RequestURI())
	upstreamReq, err := http.NewRequest(innerReq.Method, upstreamURL, bytes.NewReader(reqBody))
	if err != nil {
		badGateway(clientConn)
		return nil
	}
	upstreamReq.Header = innerReq.Header.Clone()
	stripHopByHop(upstreamReq.Header)

	// The deadline covers the dial and the wait for response headers; it is
	// stopped once RoundTrip returns so body streaming is not cut off.
	ctx, cancel := context.WithCancel(innerReq.Context())
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
		logf("mitm upstream TLS handshake/request to %s failed: %v", upstreamURL, err)
		badGateway(clientConn)
		return nil
	}
	defer resp.Body.Close()

	return streamAndCapture(clientConn, resp, innerReq.Method, upstreamURL, upstreamReq.Header, reqBody, arrived, ci, s.buffer, s.onEvict)
}

func splitHostPort(hostport, defaultPort string) (host, port string) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return h, p
}
