package storage

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCapacity is the default number of keys the in-process LRU
// tracks before evicting the least-recently-used entry (§4.1).
const DefaultMemoryCapacity = 10000

// DefaultSafetyTTL is applied to any key written without an explicit TTL,
// so a caller that forgets to set one can't pin memory forever (§4.1).
const DefaultSafetyTTL = 24 * time.Hour

const shardCount = 32

// entry is the value stored in the LRU: an opaque string payload plus its
// absolute expiry. JSON parsing of structured payloads (token-bucket and
// sliding-window state) happens one layer up, at the rule implementations,
// with storage.go's MaxJSONBytes size limit applied there.
type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process storage backend: an LRU with per-key TTL
// autopurge. It implements Storage plus all four optional atomic
// primitives, since in-process state can always be mutated under a single
// lock with no network round trip (§4.1, §5).
type Memory struct {
	cache  *lru.Cache[string, entry]
	shards [shardCount]sync.Mutex
	now    func() time.Time

	concMu sync.Mutex
	conc   map[string]map[string]time.Time // key -> reqID -> acquired-at
}

// NewMemory creates an in-process storage backend with the given
// capacity (0 uses DefaultMemoryCapacity). nowFn overrides the time
// source for deterministic tests; pass nil to use time.Now.
func NewMemory(capacity int, nowFn func() time.Time) (*Memory, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	c, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Memory{
		cache: c,
		now:   nowFn,
		conc:  make(map[string]map[string]time.Time),
	}, nil
}

func (m *Memory) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()

	e, ok := m.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	if e.expired(m.now()) {
		m.cache.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()
	return m.setLocked(key, value, ttl)
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultSafetyTTL
	}
	m.cache.Add(key, entry{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()
	m.cache.Remove(key)
	return nil
}

func (m *Memory) Increment(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()

	var current int64
	if e, ok := m.cache.Get(key); ok && !e.expired(m.now()) {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	current += n
	if err := m.setLocked(key, strconv.FormatInt(current, 10), ttl); err != nil {
		return 0, err
	}
	return current, nil
}

func (m *Memory) Close() error { return nil }

// tokenBucketState is the JSON payload persisted for the token-bucket
// atomic primitive.
type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ms"`
}

// TokenBucket implements the discrete-refill algorithm from §4.3 under a
// single per-key lock, so the read-refill-admit-write sequence is atomic
// with respect to other callers of the same key.
func (m *Memory) TokenBucket(_ context.Context, key string, capacity, refillRate int64, interval time.Duration, requested int64) (AtomicResult, error) {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()

	now := m.now()
	var st tokenBucketState
	if e, ok := m.cache.Get(key); ok && !e.expired(now) {
		if err := json.Unmarshal([]byte(e.value), &st); err != nil {
			st = tokenBucketState{Tokens: float64(capacity), LastRefill: now.UnixMilli()}
		}
	} else {
		st = tokenBucketState{Tokens: float64(capacity), LastRefill: now.UnixMilli()}
	}

	elapsed := now.UnixMilli() - st.LastRefill
	intervalMS := interval.Milliseconds()
	if intervalMS > 0 && elapsed > 0 {
		k := elapsed / intervalMS
		if k > 0 {
			st.Tokens += float64(k * refillRate)
			if st.Tokens > float64(capacity) {
				st.Tokens = float64(capacity)
			}
			st.LastRefill += k * intervalMS
		}
	}

	allowed := st.Tokens >= float64(requested)
	if allowed {
		st.Tokens -= float64(requested)
	}

	remaining := int64(st.Tokens)
	if remaining < 0 {
		remaining = 0
	}

	tokensNeeded := float64(capacity) - st.Tokens
	var resetAt time.Time
	if refillRate > 0 {
		steps := int64(0)
		if tokensNeeded > 0 {
			steps = int64((tokensNeeded + float64(refillRate) - 1) / float64(refillRate))
		}
		resetAt = time.UnixMilli(st.LastRefill).Add(time.Duration(steps) * interval)
	} else {
		resetAt = now.Add(interval)
	}

	buf, err := json.Marshal(st)
	if err != nil {
		return AtomicResult{}, err
	}
	if err := m.setLocked(key, string(buf), 10*interval); err != nil {
		return AtomicResult{}, err
	}

	return AtomicResult{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

// slidingWindowState buckets arrivals by one-second resolution (§3).
type slidingWindowState struct {
	Buckets map[int64]int64 `json:"buckets"`
}

// SlidingWindow implements §4.2's generic bucketed algorithm atomically
// under the per-key lock (the in-process backend never needs the CAS
// fallback since there is no network round trip to race against).
func (m *Memory) SlidingWindow(_ context.Context, key string, max int64, window time.Duration) (AtomicResult, error) {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()

	now := m.now()
	var st slidingWindowState
	if e, ok := m.cache.Get(key); ok && !e.expired(now) {
		_ = json.Unmarshal([]byte(e.value), &st)
	}
	if st.Buckets == nil {
		st.Buckets = make(map[int64]int64)
	}

	cutoff := now.Add(-window).Unix()
	var count int64
	oldestSurviving := int64(0)
	for ts, c := range st.Buckets {
		if ts < cutoff {
			delete(st.Buckets, ts)
			continue
		}
		count += c
		if oldestSurviving == 0 || ts < oldestSurviving {
			oldestSurviving = ts
		}
	}

	if count >= max {
		resetAt := now.Add(window)
		if oldestSurviving != 0 {
			resetAt = time.Unix(oldestSurviving, 0).Add(window)
		}
		return AtomicResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	nowBucket := now.Unix()
	st.Buckets[nowBucket]++
	count++

	if oldestSurviving == 0 {
		oldestSurviving = nowBucket
	}
	resetAt := time.Unix(oldestSurviving, 0).Add(window)

	buf, err := json.Marshal(st)
	if err != nil {
		return AtomicResult{}, err
	}
	if err := m.setLocked(key, string(buf), 2*window); err != nil {
		return AtomicResult{}, err
	}

	return AtomicResult{Allowed: true, Remaining: max - count, ResetAt: resetAt}, nil
}

// FixedWindow implements a simple tumbling-window counter: the window
// bucket is derived from floor(now / window), and each bucket key is
// stored with a TTL of one window from its latest write.
func (m *Memory) FixedWindow(_ context.Context, key string, max int64, window time.Duration) (AtomicResult, error) {
	mu := m.shard(key)
	mu.Lock()
	defer mu.Unlock()

	now := m.now()
	windowMS := window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1
	}
	bucket := now.UnixMilli() / windowMS
	bucketKey := key + ":" + strconv.FormatInt(bucket, 10)
	resetAt := time.UnixMilli((bucket + 1) * windowMS)

	var count int64
	if e, ok := m.cache.Get(bucketKey); ok && !e.expired(now) {
		count, _ = strconv.ParseInt(e.value, 10, 64)
	}

	if count >= max {
		return AtomicResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	count++
	if err := m.setLocked(bucketKey, strconv.FormatInt(count, 10), window); err != nil {
		return AtomicResult{}, err
	}
	return AtomicResult{Allowed: true, Remaining: max - count, ResetAt: resetAt}, nil
}

// AcquireConcurrency reserves one of max concurrent slots for key under
// reqID, returning false if the slot budget is already exhausted.
func (m *Memory) AcquireConcurrency(_ context.Context, key string, max int64, reqID string, timeout time.Duration) (bool, error) {
	m.concMu.Lock()
	defer m.concMu.Unlock()

	now := m.now()
	slots, ok := m.conc[key]
	if !ok {
		slots = make(map[string]time.Time)
		m.conc[key] = slots
	}

	// Reap slots that have outlived their own acquisition timeout so a
	// crashed holder can't wedge the budget forever.
	for id, acquiredAt := range slots {
		if timeout > 0 && now.Sub(acquiredAt) > timeout {
			delete(slots, id)
		}
	}

	if int64(len(slots)) >= max {
		return false, nil
	}
	slots[reqID] = now
	return true, nil
}

// ReleaseConcurrency frees the slot held by reqID, if any.
func (m *Memory) ReleaseConcurrency(_ context.Context, key string, reqID string) error {
	m.concMu.Lock()
	defer m.concMu.Unlock()
	if slots, ok := m.conc[key]; ok {
		delete(slots, reqID)
	}
	return nil
}
