package proxyserver

import (
	"bufio"
	"compress/gzip"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jvforest/jojq-proxy/internal/ca"
	"github.com/jvforest/jojq-proxy/internal/capture"
)

func startServer(t *testing.T, cfg Config, caMgr *ca.Manager) (*Server, net.Addr, *capture.Buffer) {
	t.Helper()
	buf := capture.NewBuffer(10)
	srv := New(cfg, caMgr, buf)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return srv, ln.Addr(), buf
}

func readFullResponseHead(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	for {
		l, err := r.ReadString('\n')
		require.NoError(t, err)
		if l == "\r\n" {
			break
		}
	}
	return line
}

func TestForwardPlainCapturesRecord(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := DefaultConfig()
	_, addr, buf := startServer(t, cfg, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	reqLine := fmt.Sprintf("GET %s/data HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", upstream.URL, upstream.Listener.Addr().String())
	_, err = conn.Write([]byte(reqLine))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(body))

	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, 10*time.Millisecond)
	rec, ok := buf.Get(1)
	require.True(t, ok)
	require.Equal(t, "GET", rec.Request.Method)
	require.Equal(t, http.StatusOK, rec.Response.StatusCode)
	require.NotEmpty(t, rec.ServerAddr)
	require.GreaterOrEqual(t, rec.DurationMs, int64(0))
}

func TestForwardPlainUpstreamDownReturnsBadGateway(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close() // nothing listens now

	cfg := DefaultConfig()
	cfg.UpstreamDialTO = 500 * time.Millisecond
	_, addr, _ := startServer(t, cfg, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	reqLine := fmt.Sprintf("GET http://%s/x HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", deadAddr, deadAddr)
	_, err = conn.Write([]byte(reqLine))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHandleTunnelOpaquePassesTLSThroughWithoutCapture(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	cfg := DefaultConfig() // MITM disabled -> opaque tunnel
	_, addr, buf := startServer(t, cfg, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	target := upstream.Listener.Addr().String()
	_, err = conn.Write([]byte(fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	readFullResponseHead(t, br)

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())

	_, err = tlsConn.Write([]byte(fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target)))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	require.Equal(t, 0, buf.Len()) // opaque tunnel never captures
}

func TestHandleMITMCapturesDecodedGzipBody(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"hello":"world"}`))
		gz.Close()
	}))
	defer upstream.Close()

	dir := t.TempDir()
	caMgr, err := ca.New(dir)
	require.NoError(t, err)
	require.NoError(t, caMgr.EnsureCA())

	cfg := DefaultConfig()
	cfg.MITMEnabled = true
	_, addr, buf := startServer(t, cfg, caMgr)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	target := upstream.Listener.Addr().String()
	_, err = conn.Write([]byte(fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	readFullResponseHead(t, br)

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())

	_, err = tlsConn.Write([]byte(fmt.Sprintf("GET /data HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target)))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	gzr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gzr)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(body))

	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, 10*time.Millisecond)
	rec, ok := buf.Get(1)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, rec.Response.StatusCode)
	require.Equal(t, map[string]interface{}{"hello": "world"}, rec.Response.Body)
}
