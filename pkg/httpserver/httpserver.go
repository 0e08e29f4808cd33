// HTTP(S) servers that run as taskrunner tasks: the TLS demo server and the metrics endpoint
package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/function61/edgecert/pkg/tlsreload"
	"github.com/function61/gokit/taskrunner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartExample starts a demo HTTPS server whose certificates come from certs, so renewals
// done by the agents are served without restarting
func StartExample(tasks *taskrunner.Runner, addr string, certs *tlsreload.Store) {
	routes := http.NewServeMux()
	routes.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "greetings from %s\n", r.URL.Path)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			// certificates are looked up per handshake from the store
			GetCertificate: certs.GetCertificateAdapter(),
			MinVersion:     tls.VersionTLS12,
		},
	}

	tasks.Start("https server "+addr, func(_ context.Context) error {
		return removeGracefulServerClosedError(srv.ListenAndServeTLS("", ""))
	})

	tasks.Start("https server shutdowner", httpShutdownTask(srv))
}

// StartMetrics serves /metrics from registry
func StartMetrics(tasks *taskrunner.Runner, addr string, registry *prometheus.Registry) {
	routes := http.NewServeMux()
	routes.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tasks.Start("metrics server "+addr, func(_ context.Context) error {
		return removeGracefulServerClosedError(srv.ListenAndServe())
	})

	tasks.Start("metrics server shutdowner", httpShutdownTask(srv))
}

// helper for making HTTP shutdown task. Go's http.Server is weird that we cannot use
// context cancellation to stop it, but instead we have to call srv.Shutdown()
func httpShutdownTask(server *http.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		// can't use task ctx b/c it'd cancel the Shutdown() itself
		return server.Shutdown(context.Background())
	}
}

func removeGracefulServerClosedError(httpServerError error) error {
	if errors.Is(httpServerError, http.ErrServerClosed) {
		return nil
	}

	// some other error
	// (or nil, but http server should always exit with non-nil error)
	return httpServerError
}
