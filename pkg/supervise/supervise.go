// Package supervise runs the long-lived parts of the reference services under
// a suture supervisor.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/thejerf/suture/v4"
)

// New returns a supervisor that logs its events through zerolog.
func New(name string) *suture.Supervisor {
	log := logging.Component("supervisor")
	return suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			ev := log.Warn()
			for k, v := range e.Map() {
				ev = ev.Interface(k, v)
			}
			ev.Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts an HTTP server to suture.Service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

// Serve runs the server until ctx ends, then shuts it down gracefully.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return h.name
}

// Func adapts a function to suture.Service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }
func (f Func) String() string                  { return f.Name }
