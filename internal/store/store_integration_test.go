//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

func setupPostgres(t *testing.T) *IndexedBackend {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	b, err := OpenPostgres(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
	})
	return b
}

func TestIntegration_PostgresRoundTrip(t *testing.T) {
	b := setupPostgres(t)
	ctx := context.Background()
	url := "https://integration.test/" + uuid.New().String()[:8]

	rec := testRecord(uuid.New().String(), url, extractor.ScanDeep, time.Now().UTC(), "hello", "world")
	if err := b.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	t.Cleanup(func() { b.Delete(context.Background(), []string{rec.ID}) })

	got, err := b.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MessageCount != 2 || got.Checksum != rec.Checksum {
		t.Errorf("Get = %+v", got)
	}

	recs, err := b.Query(ctx, Filter{URL: url + "/"}, Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("Query = %v", ids(recs))
	}
}

func TestIntegration_StoreOnPostgres(t *testing.T) {
	b := setupPostgres(t)
	ctx := context.Background()
	s, err := Open(ctx, Options{}, func(context.Context) (Backend, error) { return b, nil }, nil, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	url := "https://integration.test/" + uuid.New().String()[:8]
	now := time.Now().UTC()

	first, err := s.StoreScan(ctx, testRecord("", url, extractor.ScanDeep, now, "integration duplicate check"))
	if err != nil {
		t.Fatalf("StoreScan: %v", err)
	}
	t.Cleanup(func() { b.Delete(context.Background(), []string{first.ID}) })

	second, err := s.StoreScan(ctx, testRecord("", url, extractor.ScanDeep, now.Add(time.Minute), "integration duplicate check"))
	if err != nil {
		t.Fatalf("StoreScan: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Errorf("second = %+v, want duplicate of %s", second, first.ID)
	}
}
