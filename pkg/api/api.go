package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/regdash/pkg/config"
	"github.com/ethpandaops/regdash/pkg/dashboard"
	"github.com/ethpandaops/regdash/pkg/ingest"
	"github.com/ethpandaops/regdash/pkg/runstore"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      runstore.Store
	dashboard  *dashboard.Service
	ingester   *ingest.Handler
	router     http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server over an already started store. The
// caller owns the store lifecycle.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	store runstore.Store,
	svc *dashboard.Service,
	ingester *ingest.Handler,
) Server {
	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		store:     store,
		dashboard: svc,
		ingester:  ingester,
		done:      make(chan struct{}),
	}

	s.router = s.buildRouter()

	return s
}

// Handler returns the HTTP handler serving every route.
func (s *server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves HTTP in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
