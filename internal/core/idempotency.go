package core

import (
	"container/list"

	"CdpLedger/internal/observability"
)

// DBIdempotencyChecker is the Postgres tier of deduplication.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates in two tiers: an in-memory LRU of
// recently applied keys, then the event log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	tier2Errors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the event was already applied. A failing DB
// lookup is treated as "not a duplicate"; the unique index on the event
// log rejects a true duplicate at persist time.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		ic.tier2Errors++
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(key)
	}
	return isDup
}

// SeenRecently consults only the LRU.
func (ic *IdempotencyChecker) SeenRecently(eventType, idempotencyKey string) bool {
	return ic.lru.Contains(compositeKey(eventType, idempotencyKey))
}

// MarkProcessed records an applied event.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) Tier2Errors() int64 { return ic.tier2Errors }

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// IdempotencyLRU is a bounded set of composite keys with LRU eviction.
// Only accessed under the core's writer lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List // front = most recent

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains checks membership and promotes a hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.cache[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.cache[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys ordered oldest first, so the newest stays hottest.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns every key, oldest first.
func (lru *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int        { return lru.order.Len() }
func (lru *IdempotencyLRU) Evictions() int64 { return lru.evictions }
