package daemon

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/ivancovae/architecture-bionicpro/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", mr.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", portStr, err)
	}

	cfg := config.DefaultConfig()
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	return cfg
}

func TestNew(t *testing.T) {
	cfg := newTestConfig(t)

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.store.Ping(context.Background()); err != nil {
		t.Errorf("store not reachable after New(): %v", err)
	}
	if err := d.store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewUnreachableRedis(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = 1 // nothing listens here

	if _, err := New(cfg); err == nil {
		t.Fatal("New() with unreachable redis expected error, got nil")
	}
}

func TestRunHTTPServerStartFailureReturnsError(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Listen.Addr = "127.0.0.1:-1" // invalid port -> ListenAndServe fails immediately

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Run()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to fail, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
	}
}
