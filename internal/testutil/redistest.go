package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisTest returns a redigo pool for an isolated Redis database plus a
// cleanup function that flushes it.
//
// REDIS_ADDR selects an existing server. Otherwise, when ALS_TESTCONTAINERS=1,
// a redis container is started. With neither the test is skipped.
func RedisTest(t *testing.T) (*redis.Pool, func()) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	var terminate func()
	if addr == "" {
		if os.Getenv("ALS_TESTCONTAINERS") != "1" {
			t.Skip("REDIS_ADDR not set and ALS_TESTCONTAINERS disabled, skipping integration test")
		}
		addr, terminate = startRedis(t)
	}

	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, redis.DialDatabase(9))
		},
	}
	flush := func() {
		conn := pool.Get()
		defer conn.Close()
		_, _ = conn.Do("FLUSHDB")
	}
	conn := pool.Get()
	if _, err := conn.Do("PING"); err != nil {
		_ = conn.Close()
		t.Fatalf("redistest: ping %s: %v", addr, err)
	}
	_ = conn.Close()
	flush()

	return pool, func() {
		flush()
		_ = pool.Close()
		if terminate != nil {
			terminate()
		}
	}
}

func startRedis(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("redistest: start redis container: %v", err)
	}
	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatalf("redistest: container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redistest: mapped port: %v", err)
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), func() {
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = ctr.Terminate(tctx)
	}
}
