package cmd

import (
	"errors"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestShutdownHTTP_TimeoutIsNotAnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	go http.Get("http://" + ln.Addr().String() + "/slow")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}

	start := time.Now()
	if err := shutdownHTTP(srv, 50*time.Millisecond); err != nil {
		t.Fatalf("shutdownHTTP = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("shutdown took %s", elapsed)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve = %v, want ErrServerClosed", err)
	}
}

func TestShutdownHTTP_Idle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.NotFoundHandler()}
	go srv.Serve(ln)

	if err := shutdownHTTP(srv, time.Second); err != nil {
		t.Fatalf("shutdownHTTP = %v", err)
	}
}
