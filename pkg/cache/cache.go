// Package cache implements the task dispatch cache: a bounded TTL cache
// keyed by the canonical serialization of a task request, private to one
// worker process. It exists to avoid redundant expensive upstream calls.
package cache

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"

	"vdispatch/pkg/protocol"
)

// Options configures a Cache.
type Options struct {
	// Enabled toggles the whole cache. When false Get always misses and
	// Put is a no-op; no other code path changes.
	Enabled bool
	// MaxSize bounds the number of entries, evicting least-recently-used
	// on overflow. 0 = unbounded. The eviction policy is a memory bound
	// only, never a correctness property.
	MaxSize int
	// TTL is the default entry lifetime for Put.
	TTL time.Duration
	// HousekeepingInterval is how often the background sweep of expired
	// entries runs. 0 picks the default.
	HousekeepingInterval time.Duration
}

const (
	// DefaultTTL mirrors the historical default of the original poller.
	DefaultTTL = 300 * time.Second
	// DefaultHousekeepingInterval likewise.
	DefaultHousekeepingInterval = 480 * time.Second
)

func (o *Options) withDefaults() Options {
	res := *o
	if res.TTL <= 0 {
		res.TTL = DefaultTTL
	}
	if res.HousekeepingInterval <= 0 {
		res.HousekeepingInterval = DefaultHousekeepingInterval
	}
	return res
}

type entry struct {
	value    protocol.TaskResult
	expireAt int64 // unix nano
}

// Cache is safe for concurrent use. The critical section around the LRU
// index is short; housekeeping sweeps in bounded batches and never holds
// the lock while sleeping.
type Cache struct {
	opts    Options
	mu      sync.Mutex
	lru     *lru.Cache
	expq    expQueue
	closeCh chan struct{}
	wg      sync.WaitGroup

	nowFn func() time.Time

	// set while removing an expired entry so OnEvicted can tell expiry
	// removals apart from LRU overflow evictions; guarded by mu.
	removing bool

	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mSets    atomic.Uint64
	mExpired atomic.Uint64
	mEvicted atomic.Uint64
}

// New builds a cache and starts its housekeeper when the cache is enabled.
func New(opts Options) *Cache {
	c := &Cache{
		opts:    opts.withDefaults(),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	c.lru = &lru.Cache{
		MaxEntries: c.opts.MaxSize,
		OnEvicted: func(lru.Key, any) {
			if !c.removing {
				c.mEvicted.Add(1)
			}
		},
	}
	if c.opts.Enabled {
		c.wg.Add(1)
		go c.housekeeper()
	}
	return c
}

// Close stops the housekeeper.
func (c *Cache) Close() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	c.wg.Wait()
}

// Get returns the cached result for key. An entry past its expiry is a
// miss even if the housekeeper has not swept it yet.
func (c *Cache) Get(key string) (protocol.TaskResult, bool) {
	if !c.opts.Enabled {
		return protocol.TaskResult{}, false
	}
	now := c.nowFn().UnixNano()

	c.mu.Lock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.mu.Unlock()
		c.mMisses.Add(1)
		return protocol.TaskResult{}, false
	}
	e := v.(*entry)
	if e.expireAt <= now {
		// lazy expiry
		c.removing = true
		c.lru.Remove(key)
		c.removing = false
		c.mu.Unlock()
		c.mExpired.Add(1)
		c.mMisses.Add(1)
		return protocol.TaskResult{}, false
	}
	val := e.value
	c.mu.Unlock()
	c.mHits.Add(1)
	return val, true
}

// Put stores value under key with the default TTL.
func (c *Cache) Put(key string, value protocol.TaskResult) {
	c.PutTTL(key, value, c.opts.TTL)
}

// PutTTL stores value under key, expiring after ttl.
func (c *Cache) PutTTL(key string, value protocol.TaskResult, ttl time.Duration) {
	if !c.opts.Enabled || ttl <= 0 {
		return
	}
	expireAt := c.nowFn().Add(ttl).UnixNano()

	c.mu.Lock()
	c.lru.Add(key, &entry{value: value, expireAt: expireAt})
	heap.Push(&c.expq, expItem{key: key, when: expireAt})
	c.mu.Unlock()
	c.mSets.Add(1)
}

// Housekeep sweeps entries whose expiry has passed and returns how many
// were removed. It is also run periodically by the background housekeeper.
func (c *Cache) Housekeep() int {
	now := c.nowFn().UnixNano()
	swept := 0

	c.mu.Lock()
	for c.expq.Len() > 0 && c.expq[0].when <= now {
		it := heap.Pop(&c.expq).(expItem)
		// Re-check the live entry: the key may have been refreshed with a
		// later expiry since this heap item was queued.
		if v, ok := c.lru.Get(it.key); ok {
			if e := v.(*entry); e.expireAt <= now {
				c.removing = true
				c.lru.Remove(it.key)
				c.removing = false
				swept++
			}
		}
	}
	c.mu.Unlock()

	if swept > 0 {
		c.mExpired.Add(uint64(swept))
	}
	return swept
}

func (c *Cache) housekeeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.Housekeep()
		}
	}
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Sets    uint64
	Expired uint64
	Evicted uint64
	Size    int
}

// Stats returns an instantaneous counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()
	return Stats{
		Hits:    c.mHits.Load(),
		Misses:  c.mMisses.Load(),
		Sets:    c.mSets.Load(),
		Expired: c.mExpired.Load(),
		Evicted: c.mEvicted.Load(),
		Size:    size,
	}
}

type expItem struct {
	when int64
	key  string
}

type expQueue []expItem

func (q expQueue) Len() int           { return len(q) }
func (q expQueue) Less(i, j int) bool { return q[i].when < q[j].when }
func (q expQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expQueue) Push(x any)        { *q = append(*q, x.(expItem)) }
func (q *expQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
