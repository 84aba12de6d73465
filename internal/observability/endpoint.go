package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/tphakala/voiceengine/internal/logger"
)

const (
	debugPath = "/debug/pprof/"

	// ShutdownTimeout bounds the graceful shutdown of the metrics server
	ShutdownTimeout = 5 * time.Second
)

// Endpoint serves Prometheus metrics and pprof debug routes over HTTP.
type Endpoint struct {
	listenAddress string
	path          string
	metrics       *Metrics
}

// NewEndpoint creates an endpoint serving metrics on listenAddress at path
func NewEndpoint(listenAddress, path string, metrics *Metrics) *Endpoint {
	return &Endpoint{
		listenAddress: listenAddress,
		path:          path,
		metrics:       metrics,
	}
}

// Handler returns the endpoint's routes
func (e *Endpoint) Handler() http.Handler {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux, e.path)
	RegisterDebugHandlers(mux)
	return mux
}

// Run listens and serves until ctx is cancelled, then shuts the server down
// gracefully. It returns nil after a clean shutdown.
func (e *Endpoint) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return err
	}
	return e.Serve(ctx, listener)
}

// Serve is Run on an existing listener
func (e *Endpoint) Serve(ctx context.Context, listener net.Listener) error {
	log := GetLogger()
	server := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("metrics endpoint starting", logger.String("address", listener.Addr().String()))
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics endpoint shutdown error", logger.Error(err))
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RegisterDebugHandlers adds pprof debugging routes to the provided mux
func RegisterDebugHandlers(mux *http.ServeMux) {
	mux.HandleFunc(debugPath, pprof.Index)
	mux.HandleFunc(debugPath+"cmdline", pprof.Cmdline)
	mux.HandleFunc(debugPath+"profile", pprof.Profile)
	mux.HandleFunc(debugPath+"symbol", pprof.Symbol)
	mux.HandleFunc(debugPath+"trace", pprof.Trace)
}
