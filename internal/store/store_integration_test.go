package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/store"
)

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("mendloop"),
		tcPostgres.WithUsername("mendloop"),
		tcPostgres.WithPassword("mendloop"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://mendloop:mendloop@%s:%s/mendloop?sslmode=disable", host, port.Port())
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.DB.Close()

	now := time.Now().UTC().Truncate(time.Second)
	patches := []correction.Patch{
		{ID: "p-syntax", Body: "Quote CSV fields containing commas.", Decay: correction.DecayHigh, Tier: correction.TierCache, Tag: "export_csv", ModelVersion: "m-1", CreatedAt: now, LastAccess: now},
		{ID: "p-rename", Body: "Project Alpha was renamed to Project Beta.", Decay: correction.DecayZero, Tier: correction.TierCache, Tag: "records_search", ModelVersion: "m-1", CreatedAt: now, LastAccess: now},
		{ID: "p-rule", Body: "Purchases over 500 dollars require manager approval.", Decay: correction.DecayZero, Tier: correction.TierKernel, ModelVersion: "m-1", CreatedAt: now, LastAccess: now},
	}
	for _, p := range patches {
		if err := st.InsertPatch(ctx, p); err != nil {
			t.Fatalf("insert %s: %v", p.ID, err)
		}
	}

	all, err := st.ListAllPatches(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d patches, want 3", len(all))
	}

	if err := st.VerifyTierIndex(ctx); err != nil {
		t.Fatalf("tier index corrupt after inserts: %v", err)
	}

	if err := st.RecordPatchHits(ctx, []string{"p-rename"}, now.Add(time.Minute)); err != nil {
		t.Fatalf("record hits: %v", err)
	}
	got, err := st.GetPatch(ctx, "p-rename")
	if err != nil {
		t.Fatalf("get patch: %v", err)
	}
	if got.HitCount != 1 {
		t.Fatalf("hit count = %d, want 1", got.HitCount)
	}

	if err := st.UpdatePatchTier(ctx, "p-rename", correction.TierKernel); err != nil {
		t.Fatalf("update tier: %v", err)
	}
	kernel, err := st.ListPatchesByTier(ctx, correction.TierKernel)
	if err != nil {
		t.Fatalf("list kernel: %v", err)
	}
	if len(kernel) != 2 {
		t.Fatalf("kernel has %d patches, want 2", len(kernel))
	}

	stats, err := st.Purge(ctx, "m-1", "m-2")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if stats.Purged != 1 || stats.Retained != 2 {
		t.Fatalf("purge stats = %+v, want 1 purged 2 retained", stats)
	}
	if _, err := st.GetPatch(ctx, "p-syntax"); err == nil {
		t.Fatal("high-decay patch survived purge")
	}
	if _, err := st.GetPatch(ctx, "p-rule"); err != nil {
		t.Fatalf("zero-decay patch lost in purge: %v", err)
	}
	purges, err := st.ListPurges(ctx, 10)
	if err != nil {
		t.Fatalf("list purges: %v", err)
	}
	if len(purges) != 1 || purges[0].ID != stats.PurgeID {
		t.Fatalf("purge log = %+v, want one entry with id %d", purges, stats.PurgeID)
	}
	if len(purges[0].PurgedIDs) != 1 || purges[0].PurgedIDs[0] != "p-syntax" {
		t.Fatalf("purged ids = %v, want [p-syntax]", purges[0].PurgedIDs)
	}

	if err := st.EnqueueDeferredWrite(ctx, []byte(`{"id":"p-deferred"}`), 2); err != nil {
		t.Fatalf("enqueue deferred: %v", err)
	}
	deferred, err := st.ListDeferredWrites(ctx, 10)
	if err != nil {
		t.Fatalf("list deferred: %v", err)
	}
	if len(deferred) != 1 || deferred[0].Attempts != 2 {
		t.Fatalf("deferred = %+v, want one row with 2 attempts", deferred)
	}
	if err := st.DeleteDeferredWrite(ctx, deferred[0].ID); err != nil {
		t.Fatalf("delete deferred: %v", err)
	}

	if err := st.RecordAuditDrop(ctx, "o-1", "queue_overflow"); err != nil {
		t.Fatalf("record drop: %v", err)
	}
	drops, err := st.AuditDropCount(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("drop count: %v", err)
	}
	if drops != 1 {
		t.Fatalf("drop count = %d, want 1", drops)
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS patches (
  id TEXT PRIMARY KEY,
  body TEXT NOT NULL,
  decay TEXT NOT NULL,
  tier TEXT NOT NULL,
  tag TEXT,
  model_version TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  last_access TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  hit_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS patch_tier_index (
  position BIGSERIAL PRIMARY KEY,
  tier TEXT NOT NULL,
  patch_id TEXT NOT NULL REFERENCES patches (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS purge_log (
  id BIGSERIAL PRIMARY KEY,
  old_model_version TEXT NOT NULL,
  new_model_version TEXT NOT NULL,
  purged_ids TEXT[] NOT NULL DEFAULT '{}',
  payload JSONB NOT NULL DEFAULT '[]',
  purged_count INTEGER NOT NULL,
  retained_count INTEGER NOT NULL,
  reclaimed_length BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_drops (
  id BIGSERIAL PRIMARY KEY,
  outcome_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS deferred_writes (
  id BIGSERIAL PRIMARY KEY,
  payload JSONB NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  email TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}
