package proxy

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/keyamuha-ux/collede/pkg/config"
)

func TestRunReturnsWhenListenerFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	s := newTestServer(t, func(c *config.ServerConfig) {
		c.ListenAddr = busy.Addr().String()
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "gateway server") {
			t.Fatalf("expected listener error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to return after the listener failed")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, func(c *config.ServerConfig) {
		c.ListenAddr = "127.0.0.1:0"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to return after cancel")
	}
}
