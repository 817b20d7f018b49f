// Package store persists patches, tier ordering, purge history and audit
// bookkeeping in Postgres. The in-memory tiered store hydrates from here
// on boot; nothing on the runtime read path touches this package.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/loopworks/mendloop/internal/correction"
)

// ErrPatchNotFound is returned when a patch id has no row.
var ErrPatchNotFound = errors.New("patch not found")

// ErrStoreCorrupt signals a failed invariant check between the patches
// table and the tier index. Treated as fatal by callers: writes halt
// pending operator intervention.
var ErrStoreCorrupt = errors.New("patch store corrupt: tier index out of sync")

type Store struct {
	DB *sql.DB
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// PurgeStats summarises one semantic purge.
type PurgeStats struct {
	PurgeID         int64
	Purged          int
	Retained        int
	ReclaimedLength int64
}

// PurgeRecord is one replayable purge-log row. The payload carries the
// full purged patches so pre-purge state can be reconstructed.
type PurgeRecord struct {
	ID              int64
	OldModelVersion string
	NewModelVersion string
	PurgedIDs       []string
	Payload         json.RawMessage
	Purged          int
	Retained        int
	ReclaimedLength int64
	CreatedAt       time.Time
}

// AuditDropRecord captures one dropped audit for the overflow counter.
type AuditDropRecord struct {
	ID        int64
	OutcomeID string
	Reason    string
	CreatedAt time.Time
}

// DeferredWriteRecord parks a patch write that exhausted its lock retries.
type DeferredWriteRecord struct {
	ID        int64
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// InsertPatch persists a new patch and appends it to its tier's ordering.
func (s *Store) InsertPatch(ctx context.Context, p correction.Patch) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validating patch: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO patches (id, body, decay, tier, tag, model_version, created_at, last_access, hit_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, p.ID, p.Body, string(p.Decay), string(p.Tier), nullableString(p.Tag), p.ModelVersion, p.CreatedAt, p.LastAccess, p.HitCount); err != nil {
		return fmt.Errorf("insert patch: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO patch_tier_index (tier, patch_id) VALUES ($1,$2)
`, string(p.Tier), p.ID); err != nil {
		return fmt.Errorf("insert tier index: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// GetPatch fetches a single patch by id.
func (s *Store) GetPatch(ctx context.Context, id string) (correction.Patch, error) {
	if strings.TrimSpace(id) == "" {
		return correction.Patch{}, fmt.Errorf("patch id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, body, decay, tier, COALESCE(tag,''), model_version, created_at, last_access, hit_count
FROM patches WHERE id=$1
`, id)
	p, err := scanPatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return correction.Patch{}, ErrPatchNotFound
	}
	return p, err
}

// ListPatchesByTier returns a tier's patches in index order (creation
// order within the tier).
func (s *Store) ListPatchesByTier(ctx context.Context, tier correction.Tier) ([]correction.Patch, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid tier: %s", tier)
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT p.id, p.body, p.decay, p.tier, COALESCE(p.tag,''), p.model_version, p.created_at, p.last_access, p.hit_count
FROM patches p
JOIN patch_tier_index t ON t.patch_id = p.id
WHERE t.tier=$1
ORDER BY t.position ASC
`, string(tier))
	if err != nil {
		return nil, fmt.Errorf("list tier %s: %w", tier, err)
	}
	defer rows.Close()
	return collectPatches(rows)
}

// ListAllPatches returns every live patch, for startup hydration.
func (s *Store) ListAllPatches(ctx context.Context) ([]correction.Patch, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, body, decay, tier, COALESCE(tag,''), model_version, created_at, last_access, hit_count
FROM patches
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer rows.Close()
	return collectPatches(rows)
}

// UpdatePatchTier moves a patch between tiers, keeping the index in step.
func (s *Store) UpdatePatchTier(ctx context.Context, id string, tier correction.Tier) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("patch id required")
	}
	if !tier.Valid() {
		return fmt.Errorf("invalid tier: %s", tier)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE patches SET tier=$1 WHERE id=$2`, string(tier), id)
	if err != nil {
		return fmt.Errorf("update patch tier: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = ErrPatchNotFound
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM patch_tier_index WHERE patch_id=$1`, id); err != nil {
		return fmt.Errorf("remove tier index: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO patch_tier_index (tier, patch_id) VALUES ($1,$2)`, string(tier), id); err != nil {
		return fmt.Errorf("insert tier index: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// RecordPatchHits bumps hit counters and last-access for patches read
// into an assembled prompt. Hit counts only ever grow.
func (s *Store) RecordPatchHits(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE patches SET hit_count = hit_count + 1, last_access = $1 WHERE id = ANY($2)
`, at, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("record patch hits: %w", err)
	}
	return nil
}

// DeletePatch removes a patch by explicit operator action. This is the
// only path that removes a zero-decay patch.
func (s *Store) DeletePatch(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("patch id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM patch_tier_index WHERE patch_id=$1`, id); err != nil {
		return fmt.Errorf("delete tier index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM patches WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete patch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = ErrPatchNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return nil
}

// Purge deletes every high-decay patch in one transaction and logs a
// replayable record of what was removed. All-or-nothing per decay class:
// there is no selective purge inside a class, which keeps the operation
// auditable and reversible by log.
func (s *Store) Purge(ctx context.Context, oldVersion, newVersion string) (PurgeStats, error) {
	if strings.TrimSpace(oldVersion) == "" || strings.TrimSpace(newVersion) == "" {
		return PurgeStats{}, fmt.Errorf("old and new model versions required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return PurgeStats{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id, body, decay, tier, COALESCE(tag,''), model_version, created_at, last_access, hit_count
FROM patches WHERE decay=$1
`, string(correction.DecayHigh))
	if err != nil {
		return PurgeStats{}, fmt.Errorf("select high-decay patches: %w", err)
	}
	purged, err := collectPatches(rows)
	rows.Close()
	if err != nil {
		return PurgeStats{}, err
	}

	var stats PurgeStats
	stats.Purged = len(purged)
	ids := make([]string, 0, len(purged))
	for _, p := range purged {
		ids = append(ids, p.ID)
		stats.ReclaimedLength += int64(len(p.Body))
	}

	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM patches WHERE decay=$1
`, string(correction.DecayZero)).Scan(&stats.Retained); err != nil {
		return PurgeStats{}, fmt.Errorf("count retained: %w", err)
	}

	payload, err := json.Marshal(purged)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("marshal purge payload: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
INSERT INTO purge_log (old_model_version, new_model_version, purged_ids, payload, purged_count, retained_count, reclaimed_length)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, oldVersion, newVersion, pq.Array(ids), payload, stats.Purged, stats.Retained, stats.ReclaimedLength).Scan(&stats.PurgeID); err != nil {
		return PurgeStats{}, fmt.Errorf("insert purge log: %w", err)
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM patch_tier_index WHERE patch_id = ANY($1)`, pq.Array(ids)); err != nil {
			return PurgeStats{}, fmt.Errorf("purge tier index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM patches WHERE decay=$1`, string(correction.DecayHigh)); err != nil {
			return PurgeStats{}, fmt.Errorf("purge patches: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return PurgeStats{}, err
	}
	committed = true
	return stats, nil
}

// ListPurges returns purge-log rows, most recent first.
func (s *Store) ListPurges(ctx context.Context, limit int) ([]PurgeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, old_model_version, new_model_version, purged_ids, payload, purged_count, retained_count, reclaimed_length, created_at
FROM purge_log
ORDER BY id DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list purges: %w", err)
	}
	defer rows.Close()
	var out []PurgeRecord
	for rows.Next() {
		var rec PurgeRecord
		var ids pq.StringArray
		if err := rows.Scan(&rec.ID, &rec.OldModelVersion, &rec.NewModelVersion, &ids, &rec.Payload, &rec.Purged, &rec.Retained, &rec.ReclaimedLength, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.PurgedIDs = []string(ids)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordAuditDrop logs one dropped audit. Drops are never silent.
func (s *Store) RecordAuditDrop(ctx context.Context, outcomeID, reason string) error {
	if strings.TrimSpace(outcomeID) == "" {
		return fmt.Errorf("outcome id required")
	}
	if _, err := s.DB.ExecContext(ctx, `
INSERT INTO audit_drops (outcome_id, reason) VALUES ($1,$2)
`, outcomeID, reason); err != nil {
		return fmt.Errorf("record audit drop: %w", err)
	}
	return nil
}

// AuditDropCount counts drops since the given time.
func (s *Store) AuditDropCount(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM audit_drops WHERE created_at >= $1
`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit drops: %w", err)
	}
	return n, nil
}

// EnqueueDeferredWrite parks a patch write that exhausted lock retries.
func (s *Store) EnqueueDeferredWrite(ctx context.Context, payload json.RawMessage, attempts int) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload required")
	}
	if _, err := s.DB.ExecContext(ctx, `
INSERT INTO deferred_writes (payload, attempts) VALUES ($1,$2)
`, []byte(payload), attempts); err != nil {
		return fmt.Errorf("enqueue deferred write: %w", err)
	}
	return nil
}

// ListDeferredWrites returns parked writes in arrival order.
func (s *Store) ListDeferredWrites(ctx context.Context, limit int) ([]DeferredWriteRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, payload, attempts, created_at FROM deferred_writes ORDER BY id ASC LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deferred writes: %w", err)
	}
	defer rows.Close()
	var out []DeferredWriteRecord
	for rows.Next() {
		var rec DeferredWriteRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteDeferredWrite removes a replayed parked write.
func (s *Store) DeleteDeferredWrite(ctx context.Context, id int64) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM deferred_writes WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete deferred write: %w", err)
	}
	return nil
}

// VerifyTierIndex checks that the tier index and the patches table agree.
// A mismatch returns ErrStoreCorrupt; callers halt further writes.
func (s *Store) VerifyTierIndex(ctx context.Context) error {
	var orphaned int
	if err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM patch_tier_index t
LEFT JOIN patches p ON p.id = t.patch_id
WHERE p.id IS NULL OR p.tier <> t.tier
`).Scan(&orphaned); err != nil {
		return fmt.Errorf("verify tier index: %w", err)
	}
	var unindexed int
	if err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM patches p
LEFT JOIN patch_tier_index t ON t.patch_id = p.id
WHERE t.patch_id IS NULL
`).Scan(&unindexed); err != nil {
		return fmt.Errorf("verify tier index: %w", err)
	}
	if orphaned > 0 || unindexed > 0 {
		return fmt.Errorf("%w: %d orphaned index rows, %d unindexed patches", ErrStoreCorrupt, orphaned, unindexed)
	}
	return nil
}

// CreateUser registers an admin user for the ops API.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

// GetUserByEmail fetches an admin user's id and password hash.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatch(row rowScanner) (correction.Patch, error) {
	var p correction.Patch
	var decay, tier string
	if err := row.Scan(&p.ID, &p.Body, &decay, &tier, &p.Tag, &p.ModelVersion, &p.CreatedAt, &p.LastAccess, &p.HitCount); err != nil {
		return correction.Patch{}, err
	}
	p.Decay = correction.DecayClass(decay)
	p.Tier = correction.Tier(tier)
	return p, nil
}

func collectPatches(rows *sql.Rows) ([]correction.Patch, error) {
	var out []correction.Patch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
