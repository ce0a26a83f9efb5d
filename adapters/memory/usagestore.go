// Package memory provides in-memory implementations of storage ports.
// Used by tests and single-process deployments without a database.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tenantmeter/domain/usage"
	"github.com/artpar/tenantmeter/ports"
)

// tenantUsage holds every period and pending reservation for one tenant.
type tenantUsage struct {
	records      map[usage.Period]usage.Record
	reservations map[string]usage.Reservation
}

// usageShard is a single shard of the usage store.
type usageShard struct {
	mu      sync.Mutex
	tenants map[string]*tenantUsage
}

// UsageStore is a sharded in-memory implementation of ports.UsageRepository.
// A tenant maps to exactly one shard, so lifetime sums and reservation checks
// run under a single lock.
type UsageStore struct {
	shards    []*usageShard
	numShards int
}

// UsageStoreConfig configures the usage store.
type UsageStoreConfig struct {
	NumShards int // Number of shards (default: 32)
}

// NewUsageStore creates a new sharded in-memory usage store.
func NewUsageStore(cfg UsageStoreConfig) *UsageStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	s := &UsageStore{
		shards:    make([]*usageShard, cfg.NumShards),
		numShards: cfg.NumShards,
	}
	for i := range s.shards {
		s.shards[i] = &usageShard{tenants: make(map[string]*tenantUsage)}
	}
	return s
}

// getShard returns the shard for a tenant using consistent hashing.
func (s *UsageStore) getShard(tenantID string) *usageShard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// tenant returns the tenant's usage, creating it. Caller holds shard.mu.
func (sh *usageShard) tenant(id string) *tenantUsage {
	tu, ok := sh.tenants[id]
	if !ok {
		tu = &tenantUsage{
			records:      make(map[usage.Period]usage.Record),
			reservations: make(map[string]usage.Reservation),
		}
		sh.tenants[id] = tu
	}
	return tu
}

// Get returns the record for a period, creating a zeroed one.
func (s *UsageStore) Get(ctx context.Context, tenantID string, period usage.Period, now time.Time) (usage.Record, error) {
	shard := s.getShard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	tu := shard.tenant(tenantID)
	rec, ok := tu.records[period]
	if !ok {
		rec = usage.NewRecord(tenantID, period)
		rec.UpdatedAt = now.UTC()
		tu.records[period] = rec
	}
	return rec, nil
}

// Increment consumes the oldest active reservation for the feature and adds one
// to its counter under the shard lock.
func (s *UsageStore) Increment(ctx context.Context, tenantID string, period usage.Period, feature usage.Feature, now time.Time) (usage.Record, error) {
	if !feature.Valid() {
		return usage.Record{}, fmt.Errorf("increment: unknown feature %q", feature)
	}
	shard := s.getShard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	tu := shard.tenant(tenantID)
	tu.consumeOldest(feature, now)
	return tu.increment(tenantID, period, feature, now), nil
}

// consumeOldest drops expired claims for the feature and deletes the active
// claim that expires first.
func (tu *tenantUsage) consumeOldest(feature usage.Feature, now time.Time) {
	var (
		oldest usage.Reservation
		found  bool
	)
	for id, r := range tu.reservations {
		if r.Feature != feature {
			continue
		}
		if !r.Active(now) {
			delete(tu.reservations, id)
			continue
		}
		if !found || r.ExpiresAt.Before(oldest.ExpiresAt) ||
			(r.ExpiresAt.Equal(oldest.ExpiresAt) && r.ID < oldest.ID) {
			oldest, found = r, true
		}
	}
	if found {
		delete(tu.reservations, oldest.ID)
	}
}

func (tu *tenantUsage) increment(tenantID string, period usage.Period, feature usage.Feature, now time.Time) usage.Record {
	rec, ok := tu.records[period]
	if !ok {
		rec = usage.NewRecord(tenantID, period)
	}
	rec = rec.Add(feature, 1)
	rec.UpdatedAt = now.UTC()
	tu.records[period] = rec
	return rec
}

// Lifetime sums a feature counter across all periods.
func (s *UsageStore) Lifetime(ctx context.Context, tenantID string, feature usage.Feature) (int64, error) {
	shard := s.getShard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	tu, ok := shard.tenants[tenantID]
	if !ok {
		return 0, nil
	}
	return tu.lifetime(feature), nil
}

func (tu *tenantUsage) lifetime(feature usage.Feature) int64 {
	var total int64
	for _, rec := range tu.records {
		total += rec.Count(feature)
	}
	return total
}

// History returns up to limit records, most recent period first.
func (s *UsageStore) History(ctx context.Context, tenantID string, limit int) ([]usage.Record, error) {
	if limit <= 0 {
		limit = 12
	}
	shard := s.getShard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	tu, ok := shard.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	out := make([]usage.Record, 0, len(tu.records))
	for _, rec := range tu.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Period.Key() > out[j].Period.Key()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reserve sweeps expired claims and stores a reservation if the window has room.
func (s *UsageStore) Reserve(ctx context.Context, req usage.ReserveRequest) (usage.ReserveResult, error) {
	if !req.Feature.Valid() || !req.Window.Valid() {
		return usage.ReserveResult{}, fmt.Errorf("reserve: invalid feature %q or window %q", req.Feature, req.Window)
	}
	shard := s.getShard(req.TenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	tu := shard.tenant(req.TenantID)

	var pending int64
	for id, r := range tu.reservations {
		if r.Feature != req.Feature {
			continue
		}
		if !r.Active(req.Now) {
			delete(tu.reservations, id)
			continue
		}
		if req.Window == usage.WindowLifetime || r.Period == req.Period {
			pending++
		}
	}

	var used int64
	if req.Window == usage.WindowLifetime {
		used = tu.lifetime(req.Feature)
	} else {
		used = tu.records[req.Period].Count(req.Feature)
	}

	result := usage.ReserveResult{Used: used, Pending: pending}
	if !usage.Admit(used, pending, req.Ceiling) {
		return result, nil
	}
	res := req.Reservation()
	tu.reservations[res.ID] = res
	result.Reserved = true
	result.Reservation = res
	return result, nil
}

// Commit removes the reservation and increments its counter under one lock.
func (s *UsageStore) Commit(ctx context.Context, res usage.Reservation, now time.Time) (usage.Record, error) {
	if !res.Feature.Valid() {
		return usage.Record{}, fmt.Errorf("commit: unknown feature %q", res.Feature)
	}
	shard := s.getShard(res.TenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	tu := shard.tenant(res.TenantID)
	delete(tu.reservations, res.ID)
	return tu.increment(res.TenantID, res.Period, res.Feature, now), nil
}

// Release discards a reservation.
func (s *UsageStore) Release(ctx context.Context, res usage.Reservation) error {
	shard := s.getShard(res.TenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if tu, ok := shard.tenants[res.TenantID]; ok {
		delete(tu.reservations, res.ID)
	}
	return nil
}

// Pending returns the number of stored reservations for a tenant (for testing).
func (s *UsageStore) Pending(tenantID string) int {
	shard := s.getShard(tenantID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if tu, ok := shard.tenants[tenantID]; ok {
		return len(tu.reservations)
	}
	return 0
}

// Ensure interface compliance.
var _ ports.UsageRepository = (*UsageStore)(nil)
