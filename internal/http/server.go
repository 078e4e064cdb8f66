// README: API gateway; wires handlers over the module services and serves them with graceful shutdown.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"campusride/internal/infra"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/feed"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/passenger"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
)

const shutdownTimeout = 10 * time.Second

type ServerDeps struct {
	Rides      *ride.Service
	Drivers    *driver.Service
	Passengers *passenger.Service
	Matching   *matching.Service
	Tracking   *tracking.Manager
	Feed       *feed.Hub
	Verifier   infra.TokenVerifier
	// Matcher and Policy configure passenger watchers started from the ride feed.
	Matcher tracking.WaypointMatcher
	Policy  tracking.Policy
	Log     *zap.Logger
}

type Server struct {
	deps ServerDeps
	log  *zap.Logger
}

func NewServer(deps ServerDeps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Server{deps: deps, log: deps.Log.Named("server")}
}

func (s *Server) Routes() http.Handler {
	return NewRouter(s.deps)
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
