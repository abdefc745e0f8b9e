//go:build integration

package postgres

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"spiko-billing/internal/config"
)

var testPool *pgxpool.Pool

// TestMain uses BILLING_TEST_DATABASE_URL when set, otherwise a throwaway
// postgres container.
func TestMain(m *testing.M) {
	dsn, stop := testDatabase()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	var err error
	for attempt := 1; attempt <= 15; attempt++ {
		testPool, err = Connect(ctx, config.DatabaseConfig{URL: dsn, MaxConns: 8})
		if err == nil {
			break
		}
		log.Printf("waiting for billing test database (attempt %d/15)", attempt)
		time.Sleep(2 * time.Second)
	}
	cancel()
	if err != nil {
		stop()
		log.Fatalf("billing test database unreachable: %v", err)
	}

	if err := MigrateUp(dsn, newTestLogger()); err != nil {
		stop()
		log.Fatalf("apply migrations: %v", err)
	}

	code := m.Run()

	testPool.Close()
	stop()
	os.Exit(code)
}

func testDatabase() (string, func()) {
	if dsn := os.Getenv("BILLING_TEST_DATABASE_URL"); dsn != "" {
		return dsn, func() {}
	}
	const (
		name     = "billing_test"
		user     = "billing"
		password = "billing"
	)
	cmd := exec.Command("docker", "run", "-d", "--rm",
		"--network", "host",
		"-e", "POSTGRES_DB="+name,
		"-e", "POSTGRES_USER="+user,
		"-e", "POSTGRES_PASSWORD="+password,
		"postgres:16",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		log.Fatalf("start postgres container: %v (is docker running?)", err)
	}
	id := strings.TrimSpace(out.String())
	if len(id) > 12 {
		id = id[:12]
	}
	stop := func() {
		if err := exec.Command("docker", "stop", id).Run(); err != nil {
			log.Printf("stop postgres container %s: %v", id, err)
		}
	}
	return fmt.Sprintf("postgres://%s:%s@localhost:5432/%s?sslmode=disable", user, password, name), stop
}

func cleanup(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `
		TRUNCATE
			reconciliation_jobs, transaction_responses, raw_events,
			transactions, plans, users
		CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate billing tables: %v", err)
	}
}
