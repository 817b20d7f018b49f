package patchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/loopworks/mendloop/internal/correction"
	"github.com/loopworks/mendloop/internal/store"
)

// ErrPurgeInProgress is returned for writes and sweeps attempted while a
// purge holds the store exclusively. Reads block instead of failing.
var ErrPurgeInProgress = errors.New("patch store: purge in progress")

// Durable is the persistence surface behind the in-memory hierarchy.
// *store.Store satisfies it; tests substitute stubs.
type Durable interface {
	InsertPatch(ctx context.Context, p correction.Patch) error
	UpdatePatchTier(ctx context.Context, id string, tier correction.Tier) error
	RecordPatchHits(ctx context.Context, ids []string, at time.Time) error
	Purge(ctx context.Context, oldVersion, newVersion string) (store.PurgeStats, error)
	ListAllPatches(ctx context.Context) ([]correction.Patch, error)
	EnqueueDeferredWrite(ctx context.Context, payload json.RawMessage, attempts int) error
	ListDeferredWrites(ctx context.Context, limit int) ([]store.DeferredWriteRecord, error)
	DeleteDeferredWrite(ctx context.Context, id int64) error
}

// Query selects patches for one turn. Tags come from the tool surface the
// turn will touch; Request is the raw user request used for archive
// similarity search.
type Query struct {
	Request string
	Tags    []string
}

// Assembly is the ordered result of a read: every kernel patch in creation
// order, cache patches matching the query tags by descending hit count,
// and up to top-K archive patches by BM25 similarity.
type Assembly struct {
	Kernel  []correction.Patch
	Cache   []correction.Patch
	Archive []correction.Patch
}

// PatchIDs returns every patch id in the assembly, tier order preserved.
func (a Assembly) PatchIDs() []string {
	ids := make([]string, 0, len(a.Kernel)+len(a.Cache)+len(a.Archive))
	for _, p := range a.Kernel {
		ids = append(ids, p.ID)
	}
	for _, p := range a.Cache {
		ids = append(ids, p.ID)
	}
	for _, p := range a.Archive {
		ids = append(ids, p.ID)
	}
	return ids
}

// SweepStats summarizes one promotion/demotion pass.
type SweepStats struct {
	Promoted int `json:"promoted"`
	Demoted  int `json:"demoted"`
}

type entry struct {
	patch       correction.Patch
	windowStart time.Time
	windowHits  int64
}

type archiveDoc struct {
	Body string `json:"body"`
	Tag  string `json:"tag"`
}

// Options tunes the hierarchy. Zero values fall back to safe defaults.
type Options struct {
	CacheCapacity int
	ArchiveTopK   int
	PromoteHits   int64
	PromoteWindow time.Duration
	DemoteWindow  time.Duration
	ModelVersion  string
}

func (o Options) withDefaults() Options {
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = 10000
	}
	if o.ArchiveTopK <= 0 {
		o.ArchiveTopK = 3
	}
	if o.PromoteHits <= 0 {
		o.PromoteHits = 10
	}
	if o.PromoteWindow <= 0 {
		o.PromoteWindow = 168 * time.Hour
	}
	if o.DemoteWindow <= 0 {
		o.DemoteWindow = 720 * time.Hour
	}
	return o
}

// Store is the tiered in-memory patch hierarchy backing the runtime read
// path. Reads never leave the process: kernel and cache are plain maps and
// slices, the archive is an embedded BM25 index. Durability is write-behind
// through the Durable interface.
//
// Lock order, where multiple locks are held: purgeMu, kernelMu, cacheMu,
// archiveMu.
type Store struct {
	logger *log.Logger
	db     Durable
	opts   Options

	purgeMu sync.RWMutex
	purging atomic.Bool

	kernelMu sync.RWMutex
	kernel   []*entry

	cacheMu sync.RWMutex
	cache   map[string]*entry
	byTag   map[string]map[string]*entry

	archiveMu sync.RWMutex
	archive   map[string]*entry
	index     bleve.Index

	hitCh       chan string
	hitsDropped atomic.Int64

	readCounter     otelmetric.Int64Counter
	writeCounter    otelmetric.Int64Counter
	deferredCounter otelmetric.Int64Counter
	sweepCounter    otelmetric.Int64Counter
	purgeCounter    otelmetric.Int64Counter
}

// New builds an empty hierarchy. Call Hydrate to load persisted patches
// and Run to start the hit flusher.
func New(logger *log.Logger, db Durable, opts Options) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[PATCHSTORE] ", log.LstdFlags)
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create archive index: %w", err)
	}
	s := &Store{
		logger:  logger,
		db:      db,
		opts:    opts.withDefaults(),
		cache:   map[string]*entry{},
		byTag:   map[string]map[string]*entry{},
		archive: map[string]*entry{},
		index:   index,
		hitCh:   make(chan string, 4096),
	}
	meter := otel.Meter("mendloop/patchstore")
	if s.readCounter, err = meter.Int64Counter("patchstore_reads"); err != nil {
		logger.Printf("warn: create read counter failed: %v", err)
	}
	if s.writeCounter, err = meter.Int64Counter("patchstore_writes"); err != nil {
		logger.Printf("warn: create write counter failed: %v", err)
	}
	if s.deferredCounter, err = meter.Int64Counter("patchstore_deferred_writes"); err != nil {
		logger.Printf("warn: create deferred counter failed: %v", err)
	}
	if s.sweepCounter, err = meter.Int64Counter("patchstore_sweep_moves"); err != nil {
		logger.Printf("warn: create sweep counter failed: %v", err)
	}
	if s.purgeCounter, err = meter.Int64Counter("patchstore_purges"); err != nil {
		logger.Printf("warn: create purge counter failed: %v", err)
	}
	return s, nil
}

// Hydrate loads every persisted patch into its tier. Call once at startup
// before serving reads.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	patches, err := s.db.ListAllPatches(ctx)
	if err != nil {
		return fmt.Errorf("hydrate patch store: %w", err)
	}
	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()
	for _, p := range patches {
		if err := s.place(p); err != nil {
			return err
		}
	}
	s.logger.Printf("hydrated %d patches", len(patches))
	return nil
}

// place inserts a patch into its in-memory tier. Caller holds purgeMu.
func (s *Store) place(p correction.Patch) error {
	e := &entry{patch: p, windowStart: time.Now().UTC()}
	switch p.Tier {
	case correction.TierKernel:
		s.kernelMu.Lock()
		s.kernel = append(s.kernel, e)
		sort.SliceStable(s.kernel, func(i, j int) bool {
			return s.kernel[i].patch.CreatedAt.Before(s.kernel[j].patch.CreatedAt)
		})
		s.kernelMu.Unlock()
	case correction.TierCache:
		s.cacheMu.Lock()
		s.cacheInsertLocked(e)
		s.cacheMu.Unlock()
	case correction.TierArchive:
		s.archiveMu.Lock()
		err := s.archiveInsertLocked(e)
		s.archiveMu.Unlock()
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid tier %q on patch %s", p.Tier, p.ID)
	}
	return nil
}

func (s *Store) cacheInsertLocked(e *entry) {
	s.cache[e.patch.ID] = e
	tag := e.patch.Tag
	if s.byTag[tag] == nil {
		s.byTag[tag] = map[string]*entry{}
	}
	s.byTag[tag][e.patch.ID] = e
}

func (s *Store) cacheRemoveLocked(id string) *entry {
	e, ok := s.cache[id]
	if !ok {
		return nil
	}
	delete(s.cache, id)
	if m := s.byTag[e.patch.Tag]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(s.byTag, e.patch.Tag)
		}
	}
	return e
}

func (s *Store) archiveInsertLocked(e *entry) error {
	s.archive[e.patch.ID] = e
	if err := s.index.Index(e.patch.ID, archiveDoc{Body: e.patch.Body, Tag: e.patch.Tag}); err != nil {
		return fmt.Errorf("index archive patch %s: %w", e.patch.ID, err)
	}
	return nil
}

func (s *Store) archiveRemoveLocked(id string) *entry {
	e, ok := s.archive[id]
	if !ok {
		return nil
	}
	delete(s.archive, id)
	if err := s.index.Delete(id); err != nil {
		s.logger.Printf("warn: delete archive doc %s: %v", id, err)
	}
	return e
}

// Read assembles the patch context for one turn. The path is fully
// in-process: kernel in creation order, cache restricted to the query tags
// ordered by descending hit count, archive via BM25 over the request text.
// Identical store state and query always yield an identical assembly.
func (s *Store) Read(ctx context.Context, q Query) (Assembly, error) {
	s.purgeMu.RLock()
	defer s.purgeMu.RUnlock()

	var a Assembly

	s.kernelMu.RLock()
	a.Kernel = make([]correction.Patch, 0, len(s.kernel))
	for _, e := range s.kernel {
		a.Kernel = append(a.Kernel, e.patch)
	}
	s.kernelMu.RUnlock()

	s.cacheMu.RLock()
	seen := map[string]bool{}
	matched := make([]*entry, 0, 8)
	for _, tag := range q.Tags {
		for _, e := range s.byTag[tag] {
			if !seen[e.patch.ID] {
				seen[e.patch.ID] = true
				matched = append(matched, e)
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].patch, matched[j].patch
		if a.HitCount != b.HitCount {
			return a.HitCount > b.HitCount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	a.Cache = make([]correction.Patch, 0, len(matched))
	for _, e := range matched {
		a.Cache = append(a.Cache, e.patch)
	}
	s.cacheMu.RUnlock()

	archive, err := s.searchArchive(q.Request)
	if err != nil {
		return Assembly{}, err
	}
	a.Archive = archive

	if s.readCounter != nil {
		s.readCounter.Add(ctx, 1)
	}
	s.recordHits(a.PatchIDs())
	return a, nil
}

func (s *Store) searchArchive(request string) ([]correction.Patch, error) {
	if request == "" {
		return nil, nil
	}
	s.archiveMu.RLock()
	defer s.archiveMu.RUnlock()
	if len(s.archive) == 0 {
		return nil, nil
	}
	query := bleve.NewMatchQuery(request)
	req := bleve.NewSearchRequestOptions(query, s.opts.ArchiveTopK*3, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("archive search: %w", err)
	}
	type hit struct {
		id    string
		score float64
	}
	hits := make([]hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		if _, ok := s.archive[h.ID]; ok {
			hits = append(hits, hit{id: h.ID, score: h.Score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	out := make([]correction.Patch, 0, s.opts.ArchiveTopK)
	for _, h := range hits {
		out = append(out, s.archive[h.id].patch)
		if len(out) >= s.opts.ArchiveTopK {
			break
		}
	}
	return out, nil
}

// recordHits bumps in-memory counters immediately and hands ids to the
// background flusher for durable persistence. Never blocks the read path:
// when the channel is full the durable update is dropped and counted.
func (s *Store) recordHits(ids []string) {
	now := time.Now().UTC()
	for _, id := range ids {
		s.bumpEntry(id, now)
		select {
		case s.hitCh <- id:
		default:
			s.hitsDropped.Add(1)
		}
	}
}

func (s *Store) bumpEntry(id string, now time.Time) {
	bump := func(e *entry) {
		if now.Sub(e.windowStart) > s.opts.PromoteWindow {
			e.windowStart = now
			e.windowHits = 0
		}
		e.windowHits++
		e.patch.HitCount++
		e.patch.LastAccess = now
	}

	s.kernelMu.Lock()
	for _, e := range s.kernel {
		if e.patch.ID == id {
			bump(e)
			s.kernelMu.Unlock()
			return
		}
	}
	s.kernelMu.Unlock()

	s.cacheMu.Lock()
	if e, ok := s.cache[id]; ok {
		bump(e)
		s.cacheMu.Unlock()
		return
	}
	s.cacheMu.Unlock()

	s.archiveMu.Lock()
	if e, ok := s.archive[id]; ok {
		bump(e)
	}
	s.archiveMu.Unlock()
}

// Run flushes hit counters to durable storage in batches until the
// context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	pending := map[string]bool{}
	flush := func() {
		if len(pending) == 0 || s.db == nil {
			return
		}
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if err := s.db.RecordPatchHits(ctx, ids, time.Now().UTC()); err != nil {
			s.logger.Printf("warn: flush %d patch hits failed: %v", len(ids), err)
			return
		}
		pending = map[string]bool{}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.hitCh:
			pending[id] = true
			if len(pending) >= 512 {
				flush()
			}
		case <-ticker.C:
			flush()
			if n := s.hitsDropped.Swap(0); n > 0 {
				s.logger.Printf("warn: dropped %d durable hit updates under load", n)
			}
		}
	}
}

// Write admits a new patch. New patches always enter the cache tier; the
// kernel only grows through sweep promotion. If the cache is at capacity
// the coldest entry is displaced to the archive. The in-memory insert is
// authoritative; a failed durable insert is deferred and retried, never
// surfaced to the alignment loop.
func (s *Store) Write(ctx context.Context, p correction.Patch) (correction.Patch, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastAccess.IsZero() {
		p.LastAccess = now
	}
	if p.ModelVersion == "" {
		p.ModelVersion = s.opts.ModelVersion
	}
	p.Tier = correction.TierCache
	if err := p.Validate(); err != nil {
		return correction.Patch{}, err
	}

	if s.purging.Load() {
		// A purge holds the tiers exclusively. Park the write on the
		// deferred queue for replay; contended writes are never dropped.
		if s.db == nil {
			return correction.Patch{}, ErrPurgeInProgress
		}
		s.deferWrite(ctx, p)
		return p, nil
	}

	s.purgeMu.RLock()
	s.cacheMu.Lock()
	s.cacheInsertLocked(&entry{patch: p, windowStart: now})
	var displaced *entry
	if len(s.cache) > s.opts.CacheCapacity {
		displaced = s.coldestCacheLocked(p.ID)
		if displaced != nil {
			s.cacheRemoveLocked(displaced.patch.ID)
		}
	}
	s.cacheMu.Unlock()
	if displaced != nil {
		displaced.patch.Tier = correction.TierArchive
		s.archiveMu.Lock()
		err := s.archiveInsertLocked(displaced)
		s.archiveMu.Unlock()
		if err != nil {
			s.logger.Printf("warn: displace patch %s to archive: %v", displaced.patch.ID, err)
		}
	}
	s.purgeMu.RUnlock()

	if s.writeCounter != nil {
		s.writeCounter.Add(ctx, 1)
	}

	if s.db != nil {
		if err := s.db.InsertPatch(ctx, p); err != nil {
			s.logger.Printf("warn: durable insert of patch %s failed, deferring: %v", p.ID, err)
			s.deferWrite(ctx, p)
		}
		if displaced != nil {
			if err := s.db.UpdatePatchTier(ctx, displaced.patch.ID, correction.TierArchive); err != nil {
				s.logger.Printf("warn: persist displacement of %s: %v", displaced.patch.ID, err)
			}
		}
	}
	return p, nil
}

func (s *Store) deferWrite(ctx context.Context, p correction.Patch) {
	payload, err := json.Marshal(p)
	if err != nil {
		s.logger.Printf("error: marshal deferred patch %s: %v", p.ID, err)
		return
	}
	if err := s.db.EnqueueDeferredWrite(ctx, payload, 0); err != nil {
		s.logger.Printf("error: enqueue deferred write for patch %s: %v", p.ID, err)
		return
	}
	if s.deferredCounter != nil {
		s.deferredCounter.Add(ctx, 1)
	}
}

// RetryDeferred replays queued durable writes. Returns how many were
// applied.
func (s *Store) RetryDeferred(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	recs, err := s.db.ListDeferredWrites(ctx, 100)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, rec := range recs {
		var p correction.Patch
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			s.logger.Printf("error: corrupt deferred write %d dropped: %v", rec.ID, err)
			_ = s.db.DeleteDeferredWrite(ctx, rec.ID)
			continue
		}
		if err := s.db.InsertPatch(ctx, p); err != nil {
			s.logger.Printf("warn: deferred insert of patch %s still failing: %v", p.ID, err)
			continue
		}
		// Writes parked during a purge never reached the tiers.
		if p.Tier == correction.TierCache {
			s.purgeMu.RLock()
			s.cacheMu.Lock()
			if _, live := s.cache[p.ID]; !live {
				s.cacheInsertLocked(&entry{patch: p, windowStart: time.Now().UTC()})
			}
			s.cacheMu.Unlock()
			s.purgeMu.RUnlock()
		}
		if err := s.db.DeleteDeferredWrite(ctx, rec.ID); err != nil {
			s.logger.Printf("warn: remove deferred write %d: %v", rec.ID, err)
		}
		applied++
	}
	return applied, nil
}

// coldestCacheLocked picks the eviction victim: lowest hit count, then
// oldest access, skipping the freshly inserted id.
func (s *Store) coldestCacheLocked(skip string) *entry {
	var victim *entry
	for _, e := range s.cache {
		if e.patch.ID == skip {
			continue
		}
		if victim == nil {
			victim = e
			continue
		}
		if e.patch.HitCount < victim.patch.HitCount ||
			(e.patch.HitCount == victim.patch.HitCount && e.patch.LastAccess.Before(victim.patch.LastAccess)) {
			victim = e
		}
	}
	return victim
}

// Sweep runs one promotion/demotion pass. Hot cache patches move to the
// kernel, stale kernel and cache patches fall to the archive, and archive
// patches that heat back up return to the cache. Each move holds only the
// two tier locks involved.
func (s *Store) Sweep(ctx context.Context) (SweepStats, error) {
	if s.purging.Load() {
		return SweepStats{}, ErrPurgeInProgress
	}
	s.purgeMu.RLock()
	defer s.purgeMu.RUnlock()
	now := time.Now().UTC()
	var stats SweepStats

	// Cache -> kernel.
	s.kernelMu.Lock()
	s.cacheMu.Lock()
	for id, e := range s.cache {
		if e.windowHits > s.opts.PromoteHits && now.Sub(e.windowStart) <= s.opts.PromoteWindow {
			s.cacheRemoveLocked(id)
			e.patch.Tier = correction.TierKernel
			e.windowHits = 0
			e.windowStart = now
			s.kernel = append(s.kernel, e)
			stats.Promoted++
			s.persistTier(ctx, e.patch.ID, correction.TierKernel)
		}
	}
	sort.SliceStable(s.kernel, func(i, j int) bool {
		return s.kernel[i].patch.CreatedAt.Before(s.kernel[j].patch.CreatedAt)
	})
	s.cacheMu.Unlock()
	s.kernelMu.Unlock()

	// Kernel -> archive.
	s.kernelMu.Lock()
	s.archiveMu.Lock()
	kept := s.kernel[:0]
	for _, e := range s.kernel {
		if now.Sub(e.patch.LastAccess) >= s.opts.DemoteWindow {
			e.patch.Tier = correction.TierArchive
			if err := s.archiveInsertLocked(e); err != nil {
				s.logger.Printf("warn: demote kernel patch %s: %v", e.patch.ID, err)
				kept = append(kept, e)
				continue
			}
			stats.Demoted++
			s.persistTier(ctx, e.patch.ID, correction.TierArchive)
			continue
		}
		kept = append(kept, e)
	}
	s.kernel = kept
	s.archiveMu.Unlock()
	s.kernelMu.Unlock()

	// Cache -> archive.
	s.cacheMu.Lock()
	s.archiveMu.Lock()
	for id, e := range s.cache {
		if now.Sub(e.patch.LastAccess) >= s.opts.DemoteWindow {
			s.cacheRemoveLocked(id)
			e.patch.Tier = correction.TierArchive
			if err := s.archiveInsertLocked(e); err != nil {
				s.logger.Printf("warn: demote cache patch %s: %v", id, err)
				s.cacheInsertLocked(e)
				continue
			}
			stats.Demoted++
			s.persistTier(ctx, id, correction.TierArchive)
		}
	}
	s.archiveMu.Unlock()
	s.cacheMu.Unlock()

	// Archive -> cache.
	s.cacheMu.Lock()
	s.archiveMu.Lock()
	for id, e := range s.archive {
		if e.windowHits > s.opts.PromoteHits && now.Sub(e.windowStart) <= s.opts.PromoteWindow {
			s.archiveRemoveLocked(id)
			e.patch.Tier = correction.TierCache
			e.windowHits = 0
			e.windowStart = now
			s.cacheInsertLocked(e)
			stats.Promoted++
			s.persistTier(ctx, id, correction.TierCache)
		}
	}
	s.archiveMu.Unlock()
	s.cacheMu.Unlock()

	if s.sweepCounter != nil {
		s.sweepCounter.Add(ctx, int64(stats.Promoted+stats.Demoted))
	}
	if stats.Promoted+stats.Demoted > 0 {
		s.logger.Printf("sweep: promoted=%d demoted=%d", stats.Promoted, stats.Demoted)
	}
	return stats, nil
}

func (s *Store) persistTier(ctx context.Context, id string, tier correction.Tier) {
	if s.db == nil {
		return
	}
	if err := s.db.UpdatePatchTier(ctx, id, tier); err != nil {
		s.logger.Printf("warn: persist tier %s for patch %s: %v", tier, id, err)
	}
}

// Purge removes every high-decay patch across all tiers in one atomic
// operation so a model swap starts from a clean slate. It takes the store
// exclusively: reads block for the duration, sweeps fail fast with
// ErrPurgeInProgress, and contended writes are parked for deferred
// replay. Zero-decay patches survive untouched and the removal is logged
// durably before anything leaves memory.
func (s *Store) Purge(ctx context.Context, oldVersion, newVersion string) (store.PurgeStats, error) {
	if !s.purging.CompareAndSwap(false, true) {
		return store.PurgeStats{}, ErrPurgeInProgress
	}
	defer s.purging.Store(false)

	s.purgeMu.Lock()
	defer s.purgeMu.Unlock()

	var stats store.PurgeStats
	if s.db != nil {
		var err error
		stats, err = s.db.Purge(ctx, oldVersion, newVersion)
		if err != nil {
			return store.PurgeStats{}, fmt.Errorf("durable purge: %w", err)
		}
	}

	s.kernelMu.Lock()
	kept := s.kernel[:0]
	for _, e := range s.kernel {
		if e.patch.Decay == correction.DecayHigh {
			continue
		}
		kept = append(kept, e)
	}
	s.kernel = kept
	s.kernelMu.Unlock()

	s.cacheMu.Lock()
	for id, e := range s.cache {
		if e.patch.Decay == correction.DecayHigh {
			s.cacheRemoveLocked(id)
		}
	}
	s.cacheMu.Unlock()

	s.archiveMu.Lock()
	for id, e := range s.archive {
		if e.patch.Decay == correction.DecayHigh {
			s.archiveRemoveLocked(id)
		}
	}
	s.archiveMu.Unlock()

	if s.purgeCounter != nil {
		s.purgeCounter.Add(ctx, 1)
	}
	s.logger.Printf("purge %s -> %s: purged=%d retained=%d reclaimed=%d chars",
		oldVersion, newVersion, stats.Purged, stats.Retained, stats.ReclaimedLength)
	return stats, nil
}

// Snapshot returns every in-memory patch grouped by tier, for the ops API.
func (s *Store) Snapshot() Assembly {
	s.purgeMu.RLock()
	defer s.purgeMu.RUnlock()

	var a Assembly
	s.kernelMu.RLock()
	for _, e := range s.kernel {
		a.Kernel = append(a.Kernel, e.patch)
	}
	s.kernelMu.RUnlock()

	s.cacheMu.RLock()
	for _, e := range s.cache {
		a.Cache = append(a.Cache, e.patch)
	}
	s.cacheMu.RUnlock()
	sort.Slice(a.Cache, func(i, j int) bool { return a.Cache[i].ID < a.Cache[j].ID })

	s.archiveMu.RLock()
	for _, e := range s.archive {
		a.Archive = append(a.Archive, e.patch)
	}
	s.archiveMu.RUnlock()
	sort.Slice(a.Archive, func(i, j int) bool { return a.Archive[i].ID < a.Archive[j].ID })
	return a
}

// Counts reports tier sizes.
func (s *Store) Counts() (kernel, cache, archive int) {
	s.kernelMu.RLock()
	kernel = len(s.kernel)
	s.kernelMu.RUnlock()
	s.cacheMu.RLock()
	cache = len(s.cache)
	s.cacheMu.RUnlock()
	s.archiveMu.RLock()
	archive = len(s.archive)
	s.archiveMu.RUnlock()
	return kernel, cache, archive
}
