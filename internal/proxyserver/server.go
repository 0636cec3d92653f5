// Package proxyserver implements the interception proxy's connection
// acceptor and its three per-connection handlers: plain HTTP forwarding,
// opaque HTTPS tunneling, and HTTPS MITM decryption.
package proxyserver

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jvforest/jojq-proxy/internal/ca"
	"github.com/jvforest/jojq-proxy/internal/capture"
)

// Config tunes proxy behavior. Zero-value Config is not usable; use
// DefaultConfig and override fields as needed.
type Config struct {
	MITMEnabled    bool
	UpstreamDialTO time.Duration // summed with UpstreamRespTO into one deadline on connect + response headers (spec.md §5 SHOULD)
	UpstreamRespTO time.Duration // see UpstreamDialTO; the body stream after the headers is not bounded
}

// DefaultConfig returns sane defaults matching spec.md §5's SHOULD guidance.
func DefaultConfig() Config {
	return Config{
		MITMEnabled:    false,
		UpstreamDialTO: 30 * time.Second,
		UpstreamRespTO: 30 * time.Second,
	}
}

// Server is the Connection Acceptor (spec.md §4.3): it owns the listener
// and dispatches each accepted connection to the plain-HTTP or CONNECT
// handler. The proxy instance exclusively owns the CA manager and capture
// buffer; handlers only borrow references for the duration of a connection.
type Server struct {
	cfg     Config
	ca      *ca.Manager // nil when MITM is disabled
	buffer  *capture.Buffer
	onEvict func(url string, status int, size int, ordinal int64)

	ln net.Listener
}

// New constructs a Server. caMgr may be nil if cfg.MITMEnabled is false.
func New(cfg Config, caMgr *ca.Manager, buf *capture.Buffer) *Server {
	return &Server{cfg: cfg, ca: caMgr, buffer: buf}
}

// OnCapture registers a callback invoked after each successful capture, for
// the operator's one-line notification (spec.md §4.4 step 2). May be nil.
func (s *Server) OnCapture(fn func(url string, status int, size int, ordinal int64)) {
	s.onEvict = fn
}

// ListenAndServe binds addr and runs the accept loop until the listener is
// closed. A bind failure is returned to the caller, who treats it as fatal
// per spec.md §6.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxyserver: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop against an already-bound listener.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("proxyserver: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close stops the accept loop; in-flight handlers are allowed to drain
// (spec.md §5's best-effort graceful shutdown).
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()[:8] // log-correlation only, not a spec identifier
	br := bufio.NewReader(conn)

	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Close()
		return
	}

	if req.Method == http.MethodConnect {
		if s.cfg.MITMEnabled && s.ca != nil {
			s.handleMITM(connID, conn, br, req)
		} else {
			s.handleTunnel(connID, conn, req)
		}
		return
	}

	s.handlePlain(connID, conn, br, req)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// stripHopByHop removes headers that identify the proxy itself and must
// never be forwarded upstream (spec.md §4.4, GLOSSARY "hop-by-hop header").
func stripHopByHop(h http.Header) {
	h.Del("Proxy-Connection")
	h.Del("Proxy-Authorization")
	h.Del("Connection")
	h.Del("Keep-Alive")
	h.Del("Te")
	h.Del("Trailer")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
}

func logf(format string, args ...interface{}) {
	log.Printf("proxyserver: "+format, args...)
}
