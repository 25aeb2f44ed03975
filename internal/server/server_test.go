package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(mux, Config{ShutdownTimeout: 2 * time.Second}, logger)
	return srv, ln
}

func TestServer_ShutdownOrder(t *testing.T) {
	srv, ln := newTestServer(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	srv.Go("executor", func(ctx context.Context) error {
		<-ctx.Done()
		record("executor")
		return ctx.Err()
	})
	srv.OnShutdown("first", func(context.Context) error {
		record("first")
		return nil
	})
	srv.OnShutdown("ingest", func(context.Context) error {
		record("ingest")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.Equal(t, []string{"ingest", "first", "executor"}, order)
}

func TestServer_HookErrorsAreJoined(t *testing.T) {
	srv, ln := newTestServer(t)

	boom := errors.New("drain failed")
	srv.OnShutdown("ingest", func(context.Context) error { return boom })
	srv.Go("scheduler", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := srv.Serve(ctx, ln)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestServer_WorkerTimeout(t *testing.T) {
	srv, ln := newTestServer(t)
	srv.shutdownTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	defer close(release)
	srv.Go("stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := srv.Serve(ctx, ln)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
