package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/features"
	"github.com/workload-advisor/controller/metrics"
)

const (
	keyPrefix = "query:"
	lockCount = 64
)

// Predictor scores how likely a query template is to be reused
type Predictor interface {
	PredictCacheProbability(template string) float64
}

// entry is the envelope stored in bigcache; bigcache only knows a global life window
type entry struct {
	Result    json.RawMessage `json:"result"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Effectiveness is the hit/miss report of the manager
type Effectiveness struct {
	HitRate       float64 `json:"hit_rate"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Sets          uint64  `json:"cache_sets"`
	TotalRequests uint64  `json:"total_requests"`
	Entries       int     `json:"entries"`
	CapacityBytes int     `json:"capacity_bytes"`
	PinnedCount   int     `json:"pinned_templates"`
}

// Manager decides which query results are worth caching and stores them in bigcache
type Manager struct {
	store     *bigcache.BigCache
	predictor Predictor
	cfg       config.CacheConfig
	recorder  *metrics.Recorder
	log       logrus.FieldLogger
	now       func() time.Time

	locks [lockCount]sync.Mutex

	pinMu  sync.RWMutex
	pinned map[string]bool

	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

// NewManager creates the result cache. predictor and recorder may be nil.
func NewManager(ctx context.Context, cfg config.CacheConfig, predictor Predictor, recorder *metrics.Recorder, log logrus.FieldLogger) (*Manager, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}

	bc := bigcache.DefaultConfig(cfg.DefaultTTL)
	bc.Shards = cfg.Shards
	bc.CleanWindow = cfg.DefaultTTL / 4
	// shards start small and grow up to HardMaxCacheSize
	bc.MaxEntriesInWindow = cfg.Shards * 16
	bc.HardMaxCacheSize = cfg.HardMaxSizeMB
	bc.Verbose = false
	bc.Logger = log
	if cfg.MaxEntrySize > 0 {
		bc.MaxEntrySize = cfg.MaxEntrySize
	}

	store, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	m := &Manager{
		store:     store,
		predictor: predictor,
		cfg:       cfg,
		recorder:  recorder,
		log:       log.WithField("component", "cache-manager"),
		now:       time.Now,
		pinned:    make(map[string]bool),
	}
	m.log.WithFields(logrus.Fields{
		"shards":      cfg.Shards,
		"default_ttl": cfg.DefaultTTL.String(),
		"hard_max":    humanize.IBytes(uint64(cfg.HardMaxSizeMB) << 20),
	}).Info("Result cache initialized")
	return m, nil
}

// Key builds "query:" + sha256 of the normalized query and its JSON-encoded parameters.
// encoding/json writes map keys sorted, so equal parameter sets share a key.
func Key(query string, params map[string]any) (string, error) {
	material := features.Normalize(query)
	if len(params) > 0 {
		encoded, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("failed to encode cache parameters: %w", err)
		}
		material += string(encoded)
	}
	sum := sha256.Sum256([]byte(material))
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockCount]
}

// Pin marks a template as cacheable whatever the predictor says. The latency floor still applies.
func (m *Manager) Pin(template string) {
	normalized := features.Normalize(template)
	m.pinMu.Lock()
	m.pinned[normalized] = true
	m.pinMu.Unlock()
	m.log.WithField("template", normalized).Info("Query template pinned")
}

// Pinned reports whether the query's template has been pinned
func (m *Manager) Pinned(query string) bool {
	m.pinMu.RLock()
	defer m.pinMu.RUnlock()
	return m.pinned[features.Normalize(query)]
}

// ShouldCache requires the execution time to reach the latency floor and, for
// unpinned templates, the predicted reuse probability to exceed the threshold
func (m *Manager) ShouldCache(query string, execMs float64) bool {
	if execMs < m.cfg.MinLatencyMs {
		return false
	}
	if m.Pinned(query) || m.predictor == nil {
		return true
	}
	return m.predictor.PredictCacheProbability(features.Normalize(query)) > m.cfg.Threshold
}

// GetCached returns the cached JSON result for the query and parameters.
// Expired envelopes count as misses and are dropped.
func (m *Manager) GetCached(query string, params map[string]any) (json.RawMessage, bool) {
	key, err := Key(query, params)
	if err != nil {
		m.log.WithError(err).Warn("Cache lookup skipped")
		return nil, false
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	raw, err := m.store.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			m.log.WithError(err).Error("Error reading from cache")
		}
		return nil, m.miss()
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		m.log.WithError(err).WithField("key", key).Error("Corrupt cache entry")
		_ = m.store.Delete(key)
		return nil, m.miss()
	}
	if !m.now().Before(e.ExpiresAt) {
		_ = m.store.Delete(key)
		return nil, m.miss()
	}

	m.hits.Add(1)
	m.recorder.IncCache(metrics.CacheHit)
	return e.Result, true
}

func (m *Manager) miss() bool {
	m.misses.Add(1)
	m.recorder.IncCache(metrics.CacheMiss)
	return false
}

// CacheResult stores the JSON encoding of result for ttl (zero means the default TTL).
// A ttl beyond the default is capped, since bigcache evicts after its life window anyway.
func (m *Manager) CacheResult(query string, result any, ttl time.Duration, params map[string]any) error {
	key, err := Key(query, params)
	if err != nil {
		return err
	}
	if ttl <= 0 || ttl > m.cfg.DefaultTTL {
		ttl = m.cfg.DefaultTTL
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	now := m.now()
	value, err := json.Marshal(entry{Result: encoded, CachedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Set(key, value); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	m.sets.Add(1)
	m.recorder.IncCache(metrics.CacheSet)
	m.recorder.SetCacheBytes(m.store.Capacity())
	return nil
}

// Invalidate drops the cached result of the query and parameters, if any
func (m *Manager) Invalidate(query string, params map[string]any) error {
	key, err := Key(query, params)
	if err != nil {
		return err
	}

	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

// Effectiveness reports hit rate and counters since start or the last Clear
func (m *Manager) Effectiveness() Effectiveness {
	hits, misses := m.hits.Load(), m.misses.Load()
	total := hits + misses

	m.pinMu.RLock()
	pinned := len(m.pinned)
	m.pinMu.RUnlock()

	eff := Effectiveness{
		Hits:          hits,
		Misses:        misses,
		Sets:          m.sets.Load(),
		TotalRequests: total,
		Entries:       m.store.Len(),
		CapacityBytes: m.store.Capacity(),
		PinnedCount:   pinned,
	}
	if total > 0 {
		eff.HitRate = float64(hits) / float64(total)
	}
	return eff
}

// Clear removes every cached result and resets the counters. Pins are kept.
func (m *Manager) Clear() (int, error) {
	n := m.store.Len()
	if err := m.store.Reset(); err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	m.hits.Store(0)
	m.misses.Store(0)
	m.sets.Store(0)
	m.recorder.SetCacheBytes(m.store.Capacity())

	m.log.WithField("entries", n).Info("Cleared result cache")
	return n, nil
}

// Close releases the cache
func (m *Manager) Close() error {
	return m.store.Close()
}
