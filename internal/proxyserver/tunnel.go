package proxyserver

import (
	"io"
	"net"
	"net/http"
	"sync"
)

// handleTunnel implements the opaque HTTPS tunnel (spec.md §4.5): dial the
// requested host (replying 502 Bad Gateway if the dial fails), reply 200
// Connection Established, and pipe bytes bidirectionally with no observation
// of traffic.
func (s *Server) handleTunnel(connID string, clientConn net.Conn, req *http.Request) {
	defer clientConn.Close()

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	dialer := net.Dialer{Timeout: s.cfg.UpstreamDialTO}
	upstream, err := dialer.Dial("tcp", target)
	if err != nil {
		logf("[%s] tunnel dial %s failed: %v", connID, target, err)
		badGateway(clientConn)
		return
	}
	defer upstream.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			upstream.Close()
		})
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientConn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, upstream)
		done <- struct{}{}
	}()

	<-done
	closeBoth()
	<-done
}
