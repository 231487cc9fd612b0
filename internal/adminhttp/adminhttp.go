// Package adminhttp serves the side HTTP endpoint (C11): Prometheus
// metrics and a liveness probe. It never touches a session socket — it
// is entirely outside the SOCKS5 protocol engine's single-threaded loop.
package adminhttp

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps a net/http.Server exposing /metrics and /healthz.
type Server struct {
	httpSrv *http.Server
}

// New builds a Server bound to addr. alive is polled by /healthz; it
// should report whether the multiplexer's main loop is still running.
func New(addr string, alive func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !alive() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{httpSrv: &http.Server{Addr: addr, Handler: mux}}
}

// Serve runs the admin server until the process shuts it down via
// Shutdown. It returns http.ErrServerClosed on a clean shutdown.
func (s *Server) Serve() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
