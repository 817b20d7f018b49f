package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/loopworks/mendloop/internal/correction"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { _ = db.Close() }
}

func TestInsertPatchWritesTierIndex(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	p := correction.Patch{
		ID:           "p-1",
		Body:         "Project Alpha was renamed to Project Beta in Q3.",
		Decay:        correction.DecayZero,
		Tier:         correction.TierCache,
		Tag:          "crm_search",
		ModelVersion: "gpt-4o",
		CreatedAt:    now,
		LastAccess:   now,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO patches`).
		WithArgs(p.ID, p.Body, "zero_decay", "cache", p.Tag, p.ModelVersion, now, now, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO patch_tier_index \(tier, patch_id\) VALUES \(\$1,\$2\)`).
		WithArgs("cache", p.ID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := st.InsertPatch(context.Background(), p); err != nil {
		t.Fatalf("InsertPatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertPatchRejectsInvalid(t *testing.T) {
	st, _, done := newMock(t)
	defer done()
	err := st.InsertPatch(context.Background(), correction.Patch{ID: "p-2"})
	if err == nil {
		t.Fatal("expected validation error for empty body")
	}
}

func TestUpdatePatchTierNotFound(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE patches SET tier=\$1 WHERE id=\$2`).
		WithArgs("archive", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.UpdatePatchTier(context.Background(), "missing", correction.TierArchive)
	if !errors.Is(err, ErrPatchNotFound) {
		t.Fatalf("expected ErrPatchNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordPatchHits(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	at := time.Now().UTC()
	mock.ExpectExec(`UPDATE patches SET hit_count = hit_count \+ 1, last_access = \$1 WHERE id = ANY\(\$2\)`).
		WithArgs(at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := st.RecordPatchHits(context.Background(), []string{"p-1", "p-2"}, at); err != nil {
		t.Fatalf("RecordPatchHits: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordPatchHitsEmptySliceIsNoop(t *testing.T) {
	st, _, done := newMock(t)
	defer done()
	if err := st.RecordPatchHits(context.Background(), nil, time.Time{}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func patchRows(patches ...correction.Patch) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "body", "decay", "tier", "tag", "model_version", "created_at", "last_access", "hit_count"})
	for _, p := range patches {
		rows.AddRow(p.ID, p.Body, string(p.Decay), string(p.Tier), p.Tag, p.ModelVersion, p.CreatedAt, p.LastAccess, p.HitCount)
	}
	return rows
}

func TestPurgeDeletesHighDecayAndLogs(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	now := time.Now().UTC()
	high := correction.Patch{
		ID: "p-high", Body: "Use ISO-8601 dates in tool arguments.",
		Decay: correction.DecayHigh, Tier: correction.TierCache,
		ModelVersion: "gpt-4o", CreatedAt: now, LastAccess: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, body, decay, tier, COALESCE\(tag,''\), model_version, created_at, last_access, hit_count\s+FROM patches WHERE decay=\$1`).
		WithArgs("high_decay").
		WillReturnRows(patchRows(high))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM patches WHERE decay=\$1`).
		WithArgs("zero_decay").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery(`INSERT INTO purge_log`).
		WithArgs("gpt-4o", "gpt-5", sqlmock.AnyArg(), sqlmock.AnyArg(), 1, 10, int64(len(high.Body))).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM patch_tier_index WHERE patch_id = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM patches WHERE decay=\$1`).
		WithArgs("high_decay").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := st.Purge(context.Background(), "gpt-4o", "gpt-5")
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if stats.Purged != 1 || stats.Retained != 10 {
		t.Fatalf("stats = %+v, want purged=1 retained=10", stats)
	}
	if stats.PurgeID != 7 {
		t.Fatalf("expected purge log id 7, got %d", stats.PurgeID)
	}
	if stats.ReclaimedLength != int64(len(high.Body)) {
		t.Fatalf("reclaimed length = %d, want %d", stats.ReclaimedLength, len(high.Body))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPurgeRequiresVersions(t *testing.T) {
	st, _, done := newMock(t)
	defer done()
	if _, err := st.Purge(context.Background(), "", "gpt-5"); err == nil {
		t.Fatal("expected error for missing old version")
	}
}

func TestVerifyTierIndexCorrupt(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM patch_tier_index t`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM patches p`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := st.VerifyTierIndex(context.Background())
	if !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestRecordAuditDrop(t *testing.T) {
	st, mock, done := newMock(t)
	defer done()

	mock.ExpectExec(`INSERT INTO audit_drops \(outcome_id, reason\) VALUES \(\$1,\$2\)`).
		WithArgs("out-1", "queue_overflow").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := st.RecordAuditDrop(context.Background(), "out-1", "queue_overflow"); err != nil {
		t.Fatalf("RecordAuditDrop: %v", err)
	}
	if err := st.RecordAuditDrop(context.Background(), " ", "queue_overflow"); err == nil {
		t.Fatal("expected error for blank outcome id")
	}
}
