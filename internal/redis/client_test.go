package redis

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func TestConfigAddr(t *testing.T) {
	tests := []struct {
		cfg      Config
		expected string
	}{
		{Config{Host: "localhost", Port: 6379}, "localhost:6379"},
		{Config{Host: "::1", Port: 6380}, "[::1]:6380"},
	}
	for _, tt := range tests {
		if got := tt.cfg.Addr(); got != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, got)
		}
	}
}

func TestConfigOptions_DefaultPool(t *testing.T) {
	if got := (Config{Host: "h", Port: 1}).options().PoolSize; got != 20 {
		t.Errorf("expected pool 20, got %d", got)
	}
	if got := (Config{Host: "h", Port: 1, PoolSize: 7}).options().PoolSize; got != 7 {
		t.Errorf("expected pool 7, got %d", got)
	}
}

func TestNew_Health(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	port, _ := strconv.Atoi(mr.Port())
	client, err := New(context.Background(), Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if err := client.Health(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	mr.Close()
	if err := client.Health(context.Background()); err == nil {
		t.Error("expected error after redis stopped")
	}
}

func TestNew_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	host := mr.Host()
	port, _ := strconv.Atoi(mr.Port())
	mr.Close()

	if _, err := New(context.Background(), Config{Host: host, Port: port}, zap.NewNop()); err == nil {
		t.Error("expected ping failure")
	}
}
