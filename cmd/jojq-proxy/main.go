// Command jojq-proxy runs the HTTP(S) interception proxy from the command
// line: it wires the CA manager, capture buffer, proxy server, and operator
// console together, then waits for SIGINT/SIGTERM, an "exit"/"quit" console
// command, or the end of console input before shutting down.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvforest/jojq-proxy/internal/ca"
	"github.com/jvforest/jojq-proxy/internal/capture"
	"github.com/jvforest/jojq-proxy/internal/console"
	"github.com/jvforest/jojq-proxy/internal/proxyserver"
)

const defaultPort = 8888

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jojq-proxy",
		Short: "HTTP(S) interception proxy",
	}
	root.AddCommand(newProxyCmd())
	return root
}

func newProxyCmd() *cobra.Command {
	var (
		insecure    bool
		caDir       string
		maxBody     string
		bufferSize  int
		upstreamTO  time.Duration
		verbose     bool
		exportDir   string
	)

	cmd := &cobra.Command{
		Use:   "proxy [port]",
		Short: "start the proxy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port := defaultPort
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[0], err)
				}
				port = p
			}
			return runProxy(proxyOptions{
				port:       port,
				insecure:   insecure,
				caDir:      caDir,
				bufferSize: bufferSize,
				upstreamTO: upstreamTO,
				verbose:    verbose,
				exportDir:  exportDir,
			})
		},
	}

	cmd.Flags().BoolVar(&insecure, "insecure", false, "enable HTTPS MITM mode (requires installing the generated CA in clients)")
	cmd.Flags().StringVar(&caDir, "ca-dir", "./ca", "directory to store the persistent CA cert and key")
	cmd.Flags().StringVar(&maxBody, "max-body", "25MB", "maximum bytes to capture per request/response body (informational; hard cap is fixed)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "capture buffer capacity")
	cmd.Flags().DurationVar(&upstreamTO, "upstream-timeout", 30*time.Second, "upstream dial and response timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	cmd.Flags().StringVar(&exportDir, "export-dir", "./captures", "directory console \"save\" commands write to")

	return cmd
}

type proxyOptions struct {
	port       int
	insecure   bool
	caDir      string
	bufferSize int
	upstreamTO time.Duration
	verbose    bool
	exportDir  string
}

func runProxy(opts proxyOptions) error {
	if opts.verbose {
		log.Printf("flags: port=%d insecure=%v ca-dir=%s buffer-size=%d upstream-timeout=%s export-dir=%s",
			opts.port, opts.insecure, opts.caDir, opts.bufferSize, opts.upstreamTO, opts.exportDir)
	}

	buf := capture.NewBuffer(opts.bufferSize)

	var caMgr *ca.Manager
	if opts.insecure {
		mgr, err := ca.New(opts.caDir)
		if err != nil {
			return fmt.Errorf("jojq-proxy: %w", err)
		}
		if err := mgr.EnsureCA(); err != nil {
			return fmt.Errorf("jojq-proxy: %w", err)
		}
		log.Printf("CA certificate available at %s; install it in clients to trust intercepted HTTPS", mgr.CACertPath())
		caMgr = mgr
	}

	cfg := proxyserver.DefaultConfig()
	cfg.MITMEnabled = opts.insecure
	cfg.UpstreamDialTO = opts.upstreamTO
	cfg.UpstreamRespTO = opts.upstreamTO

	srv := proxyserver.New(cfg, caMgr, buf)
	srv.OnCapture(func(url string, status int, size int, ordinal int64) {
		log.Printf("capture #%d: %s -> %d (%d bytes)", ordinal, url, status, size)
	})

	addr := fmt.Sprintf("127.0.0.1:%d", opts.port)
	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s (mitm=%v)", addr, opts.insecure)
		errc <- srv.ListenAndServe(addr)
	}()

	con := console.New(os.Stdin, os.Stdout, buf, opts.exportDir)
	go con.Run()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("jojq-proxy: %w", err)
		}
	case <-sigc:
		log.Printf("shutting down (signal)")
	case <-con.Done():
		log.Printf("shutting down (console)")
	}

	return srv.Close()
}
