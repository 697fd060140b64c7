package cache

import (
	"container/list"
	"sync"
	"time"

	"glimpse-api/internal/shared"
)

// Entry is one cached completion. Entries are shared across callers once
// stored, nobody mutates Completion after insert.
type Entry struct {
	Completion *shared.Completion
	CreatedAt  time.Time
	Size       int64
	Hits       uint64
}

type lruItem struct {
	key   string
	entry *Entry
}

// quotaLRU keeps entries in recency order under two limits, entry count and
// total bytes. Either limit triggers eviction from the cold end.
type quotaLRU struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	maxEntries int
	maxBytes   int64
	curBytes   int64
}

func newQuotaLRU(maxEntries int, maxBytes int64) *quotaLRU {
	return &quotaLRU{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// get returns the entry and refreshes its recency. Every observed hit counts.
func (l *quotaLRU) get(key string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	element, ok := l.items[key]
	if !ok {
		return nil, false
	}
	l.ll.MoveToFront(element)
	item := element.Value.(*lruItem)
	item.entry.Hits++
	return item.entry, true
}

// put inserts or replaces an entry and evicts from the cold end until both
// limits hold again. Returns how many entries were evicted.
func (l *quotaLRU) put(key string, e *Entry) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if element, ok := l.items[key]; ok {
		old := element.Value.(*lruItem)
		l.curBytes -= old.entry.Size
		old.entry = e
		l.curBytes += e.Size
		l.ll.MoveToFront(element)
	} else {
		l.items[key] = l.ll.PushFront(&lruItem{key: key, entry: e})
		l.curBytes += e.Size
	}

	evicted := 0
	for l.ll.Len() > l.maxEntries || l.curBytes > l.maxBytes {
		back := l.ll.Back()
		if back == nil {
			break
		}
		item := l.ll.Remove(back).(*lruItem)
		delete(l.items, item.key)
		l.curBytes -= item.entry.Size
		evicted++
	}
	return evicted
}

func (l *quotaLRU) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if element, ok := l.items[key]; ok {
		item := l.ll.Remove(element).(*lruItem)
		delete(l.items, item.key)
		l.curBytes -= item.entry.Size
	}
}

func (l *quotaLRU) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

func (l *quotaLRU) bytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curBytes
}
