package doclease

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestServer bundles a running in-process server for tests.
type TestServer struct {
	*Server
	// URL is the base HTTP URL of the running server.
	URL  string
	stop func(context.Context) error
}

// NewTestServer starts a server on an ephemeral port with an in-memory
// backend and registers cleanup with t. Options override the defaults.
func NewTestServer(t *testing.T, opts ...Option) *TestServer {
	t.Helper()
	cfg := Config{
		Listen:          "127.0.0.1:0",
		Store:           DefaultStore,
		SweeperInterval: -1,
	}
	return NewTestServerWithConfig(t, cfg, opts...)
}

// NewTestServerWithConfig starts a server for tests using cfg.
func NewTestServerWithConfig(t *testing.T, cfg Config, opts ...Option) *TestServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatal("test server has no listener address")
	}
	return &TestServer{
		Server: srv,
		URL:    fmt.Sprintf("http://%s", addr.String()),
		stop:   stop,
	}
}

// Stop shuts the test server down before test cleanup runs.
func (ts *TestServer) Stop(ctx context.Context) error {
	return ts.stop(ctx)
}
