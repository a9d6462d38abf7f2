package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxrelay/voxrelay/internal/profile"
	"github.com/voxrelay/voxrelay/internal/profile/postgres"
)

const testEmbeddingDims = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXRELAY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXRELAY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDims)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS voice_prints CASCADE",
		"DROP TABLE IF EXISTS voice_profiles CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestProfile_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := profile.Record{
		UserID:        "user-1",
		ReferencePath: "/voices/user-1.wav",
		Ready:         true,
	}
	if err := store.SaveProfile(ctx, rec); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := store.Profile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got.ReferencePath != rec.ReferencePath || !got.Ready {
		t.Errorf("Profile = %+v, want path %q ready", got, rec.ReferencePath)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestProfile_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Profile(context.Background(), "ghost")
	if !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestProfile_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.SaveProfile(ctx, profile.Record{UserID: "u", ReferencePath: "/a.wav", Ready: false})
	if err := store.SaveProfile(ctx, profile.Record{UserID: "u", ReferencePath: "/b.wav", Ready: true}); err != nil {
		t.Fatalf("SaveProfile (update): %v", err)
	}

	got, err := store.Profile(ctx, "u")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got.ReferencePath != "/b.wav" || !got.Ready {
		t.Errorf("Profile = %+v, want replaced record", got)
	}
}

func TestSimilarVoices_Ordering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	prints := map[string][]float32{
		"query": {1, 0, 0, 0},
		"close": {0.9, 0.1, 0, 0},
		"mid":   {0.5, 0.5, 0, 0},
		"far":   {0, 0, 0, 1},
	}
	for id, emb := range prints {
		if err := store.SavePrint(ctx, id, emb); err != nil {
			t.Fatalf("SavePrint(%s): %v", id, err)
		}
	}

	matches, err := store.SimilarVoices(ctx, "query", 10)
	if err != nil {
		t.Fatalf("SimilarVoices: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	if matches[0].UserID != "close" {
		t.Errorf("closest = %q, want close", matches[0].UserID)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Distance < matches[i-1].Distance {
			t.Error("matches not ordered by ascending distance")
		}
	}
}

func TestSimilarVoices_Limit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.SavePrint(ctx, "q", []float32{1, 0, 0, 0})
	for _, id := range []string{"a", "b", "c"} {
		_ = store.SavePrint(ctx, id, []float32{0.5, 0.5, 0, 0})
	}

	matches, err := store.SimilarVoices(ctx, "q", 2)
	if err != nil {
		t.Fatalf("SimilarVoices: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d matches, want 2", len(matches))
	}
}

func TestSimilarVoices_NoPrint(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SimilarVoices(context.Background(), "ghost", 5)
	if !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSavePrint_Replaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.SavePrint(ctx, "q", []float32{1, 0, 0, 0})
	_ = store.SavePrint(ctx, "other", []float32{0, 1, 0, 0})

	// Replace the query print so "other" becomes identical to it.
	if err := store.SavePrint(ctx, "q", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("SavePrint (update): %v", err)
	}

	matches, err := store.SimilarVoices(ctx, "q", 1)
	if err != nil {
		t.Fatalf("SimilarVoices: %v", err)
	}
	if len(matches) != 1 || matches[0].Distance > 1e-6 {
		t.Errorf("matches = %+v, want other at distance ~0", matches)
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
