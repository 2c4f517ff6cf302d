package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/pmwatch/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns a DSN
// for the native protocol port.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	return clickHouseContainer, "clickhouse://default:@" + host + ":" + port.Port() + "/default?table=samples_test"
}

func TestClickHouseStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, dsn := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	s, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.table != "samples_test" {
		t.Fatalf("table param not applied: %s", s.table)
	}

	mem := 4096.0
	if err := s.Append(ctx, []history.Sample{
		{TS: time.UnixMilli(3000).UTC(), PMID: 1, Name: "api", Status: "online", Memory: &mem},
		{TS: time.UnixMilli(1000).UTC(), PMID: 1, Name: "api", Status: "online"},
		{TS: time.UnixMilli(2000).UTC(), PMID: 2, Name: "worker"},
	}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	got, err := s.Range(ctx, 1, time.UnixMilli(0), time.UnixMilli(5000))
	if err != nil {
		t.Fatalf("Failed to range: %v", err)
	}
	if len(got) != 2 || got[0].TS.UnixMilli() != 1000 {
		t.Fatalf("unexpected series: %+v", got)
	}
	if got[1].Memory == nil || *got[1].Memory != mem {
		t.Fatalf("memory not round-tripped: %+v", got[1])
	}
	if got[0].CPU != nil {
		t.Fatalf("expected null cpu, got %v", *got[0].CPU)
	}

	n, err := s.Prune(ctx, time.UnixMilli(2000))
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	empty, err := s.Range(ctx, -1, time.Time{}, time.Time{})
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("negative id must give an empty series: %v %v", empty, err)
	}
}

func TestClickHouseStore_InvalidTable(t *testing.T) {
	if _, err := New("clickhouse://localhost:9000/default?table=bad-name"); err == nil {
		t.Fatal("expected invalid table name error")
	}
}
