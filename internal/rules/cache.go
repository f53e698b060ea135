package rules

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const snapshotKey = "active"

const DefaultSnapshotTTL = 5 * time.Second

// Source serves rule snapshots for matching, caching the loaded set briefly
// so a burst of anomalies does not hammer the store.
type Source struct {
	load  func(ctx context.Context) ([]Rule, error)
	cache *ttlcache.Cache[string, []Rule]
}

func NewSource(load func(ctx context.Context) ([]Rule, error), ttl time.Duration) *Source {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	c := ttlcache.New[string, []Rule](
		ttlcache.WithTTL[string, []Rule](ttl),
	)
	go c.Start()
	return &Source{load: load, cache: c}
}

func (s *Source) Rules(ctx context.Context) ([]Rule, error) {
	if item := s.cache.Get(snapshotKey); item != nil {
		return item.Value(), nil
	}
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(snapshotKey, list, ttlcache.DefaultTTL)
	return list, nil
}

// Invalidate drops the cached snapshot so the next match sees fresh rules.
func (s *Source) Invalidate() {
	s.cache.Delete(snapshotKey)
}

func (s *Source) Stop() {
	s.cache.Stop()
}
