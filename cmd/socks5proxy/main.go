// Package main is the socks5proxy CLI entry point: a single listener, a
// single-threaded session multiplexer, and a side admin HTTP endpoint for
// metrics and health.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fungusproxy/socks5intercept/internal/adminhttp"
	"github.com/fungusproxy/socks5intercept/internal/editor"
	"github.com/fungusproxy/socks5intercept/internal/listener"
	"github.com/fungusproxy/socks5intercept/internal/metrics"
	"github.com/fungusproxy/socks5intercept/internal/muxer"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	listenBacklog      = 12
	adminShutdownGrace = 2 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "socks5proxy",
		Short:   "An intercepting SOCKS5 proxy for HTTP traffic",
		Version: version,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the socks5proxy version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return root
}

func newRunCmd() *cobra.Command {
	var (
		port        int
		maxSessions int
		metricsAddr string
		editorCmd   string
		editorArgs  []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Accept SOCKS5 connections and relay intercepted HTTP messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOptions{
				port:        port,
				maxSessions: maxSessions,
				metricsAddr: metricsAddr,
				editorCmd:   editorCmd,
				editorArgs:  editorArgs,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 9050, "TCP port to listen on for SOCKS5 clients")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 12, "maximum concurrent client/destination session pairs")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address for the /metrics and /healthz endpoint")
	cmd.Flags().StringVar(&editorCmd, "editor", "vi", "external editor binary invoked on each client-originated message")
	cmd.Flags().StringArrayVar(&editorArgs, "editor-arg", nil, "extra argument passed to the editor before the temp file path (repeatable)")

	return cmd
}

type runOptions struct {
	port        int
	maxSessions int
	metricsAddr string
	editorCmd   string
	editorArgs  []string
}

func run(opts runOptions) error {
	listenFD, err := listener.Listen(opts.port, listenBacklog)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	m := metrics.Default()

	cfg := muxer.DefaultConfig()
	cfg.ListenFD = listenFD
	cfg.MaxSessions = opts.maxSessions
	cfg.Editor = editor.New(opts.editorCmd, opts.editorArgs)
	cfg.Metrics = m

	mux := muxer.New(cfg)

	var running atomic.Bool
	running.Store(true)

	var admin *adminhttp.Server
	adminErrCh := make(chan error, 1)
	if opts.metricsAddr != "" {
		admin = adminhttp.New(opts.metricsAddr, running.Load)
		go func() {
			if err := admin.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErrCh <- err
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[main] socks5proxy %s", version)
	log.Printf("[main] listening socks5://0.0.0.0:%d (max %d sessions)", opts.port, opts.maxSessions)
	if admin != nil {
		log.Printf("[main] admin endpoint http://%s/metrics, /healthz", opts.metricsAddr)
	} else {
		log.Println("[main] admin endpoint disabled (--metrics-addr is empty)")
	}
	log.Printf("[main] editor: %s %v", opts.editorCmd, opts.editorArgs)
	log.Println("[main] press Ctrl+C to stop")

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- mux.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Println("[main] received shutdown signal, draining sessions...")
		<-runErrCh
	case err := <-runErrCh:
		if err != nil {
			log.Printf("[main] multiplexer exited with error: %v", err)
			runErr = fmt.Errorf("run: multiplexer: %w", err)
		}
	case err := <-adminErrCh:
		log.Printf("[main] admin endpoint exited with error: %v", err)
	}
	running.Store(false)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownGrace)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Printf("[main] admin endpoint shutdown: %v", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	log.Println("[main] shut down cleanly")
	return nil
}
