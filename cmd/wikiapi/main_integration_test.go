//go:build integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/wiki-api-client/internal/testutil"
	"github.com/Sternrassler/wiki-api-client/pkg/config"
)

func setupTestRedis(t *testing.T) string {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { redisC.Terminate(ctx) })

	endpoint, err := redisC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}
	return endpoint
}

func TestRedisBackends_Integration(t *testing.T) {
	addr := setupTestRedis(t)
	mock := testutil.NewMockWiki()
	defer mock.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "wikiapi.yaml")
	body := "base_dir: " + dir + "\n" +
		"throttle_backend: redis\n" +
		"cache_backend: redis\n" +
		"redis_addr: " + addr + "\n" +
		"sites:\n" +
		"  - id: test:test\n" +
		"    api_url: " + mock.URL() + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if _, err := runCommand(t, "--config", cfgPath, "submit", "test:test", "action=query", "meta=siteinfo", "--cached", "1h"); err != nil {
			t.Fatalf("cached submit error = %v", err)
		}
	}
	if got := mock.RequestCount(); got != 1 {
		t.Errorf("requests = %d, want 1 (second answered from Redis)", got)
	}

	out, err := runCommand(t, "--config", cfgPath, "cache", "clear")
	if err != nil {
		t.Fatalf("cache clear error = %v", err)
	}
	if out != "removed 1 entries\n" {
		t.Errorf("clear output = %q, want removed 1 entries", out)
	}
}

func TestReadyEndpoint_Integration(t *testing.T) {
	addr := setupTestRedis(t)

	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.ThrottleBackend = config.BackendRedis
	cfg.RedisAddr = addr

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("openRuntime() error = %v", err)
	}

	gw := &gateway{ready: func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() }}

	w := httptest.NewRecorder()
	gw.readyHandler(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", w.Code)
	}

	// Closing Redis simulates a backend failure.
	rt.Close(ctx)
	w = httptest.NewRecorder()
	gw.readyHandler(w, httptest.NewRequest("GET", "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", w.Code)
	}
}
