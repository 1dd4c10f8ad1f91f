package supervise

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

type mockServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newMockServer() *mockServer {
	return &mockServer{stop: make(chan struct{})}
}

func (m *mockServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockServer) Shutdown(context.Context) error {
	if m.shutdowns.Add(1) == 1 {
		close(m.stop)
	}
	return nil
}

func TestHTTPServiceImplementsService(t *testing.T) {
	var _ suture.Service = (*HTTPService)(nil)
	var _ suture.Service = Func{}
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	srv := newMockServer()
	svc := NewHTTPService("test-http", srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.shutdowns.Load() != 1 {
		t.Errorf("shutdowns = %d", srv.shutdowns.Load())
	}
}

func TestHTTPServiceReportsListenFailure(t *testing.T) {
	srv := newMockServer()
	srv.listenErr = errors.New("address in use")
	svc := NewHTTPService("test-http", srv, 0)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, srv.listenErr) {
		t.Fatalf("Serve = %v", err)
	}
	if svc.String() != "test-http" {
		t.Errorf("String = %q", svc.String())
	}
}

func TestSupervisorRestartsFailedService(t *testing.T) {
	var runs atomic.Int32
	sup := New("test")
	sup.Add(Func{Name: "flaky", Run: func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("service ran %d times", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-errCh
}
