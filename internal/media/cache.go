// ABOUTME: Bounded in-process cache of media bytes fetched from blob storage.
// ABOUTME: Evicts in insertion order once either the entry or byte limit is exceeded.

package media

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/2389/coven-relay/internal/blob"
)

// Default limits.
const (
	DefaultMaxEntries = 64
	DefaultMaxBytes   = 64 * 1024 * 1024
)

// Item is a cached blob.
type Item struct {
	Key  string
	Mime string
	Data []byte
}

// Cache fronts a blob store. Items larger than the byte limit are returned but not cached.
type Cache struct {
	store      blob.Store
	maxEntries int
	maxBytes   int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
	bytes int

	hits   int
	misses int
}

// NewCache creates a cache. Non-positive limits take the defaults.
func NewCache(store blob.Store, maxEntries, maxBytes int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		store:      store,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get returns the blob for key, reading through to storage on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Item, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.hits++
		item := el.Value.(*Item)
		c.mu.Unlock()
		return item, nil
	}
	c.misses++
	c.mu.Unlock()

	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching media %s: %w", key, err)
	}
	mime := ""
	if obj, err := c.store.Head(ctx, key); err == nil {
		mime = obj.Mime
	}
	item := &Item{Key: key, Mime: mime, Data: data}
	c.add(item)
	return item, nil
}

// Put stores data durably and caches it.
func (c *Cache) Put(ctx context.Context, key, mime string, data []byte) error {
	if err := c.store.Put(ctx, key, data, mime); err != nil {
		return fmt.Errorf("storing media %s: %w", key, err)
	}
	c.add(&Item{Key: key, Mime: mime, Data: data})
	return nil
}

// Forget drops every cached entry whose key starts with prefix.
func (c *Cache) Forget(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeLocked(el)
		}
	}
}

// Stats returns entry count, total bytes, hits, and misses.
func (c *Cache) Stats() (entries, bytes, hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.bytes, c.hits, c.misses
}

func (c *Cache) add(item *Item) {
	size := len(item.Data)
	if size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[item.Key]; ok {
		c.removeLocked(el)
	}
	for c.order.Len() >= c.maxEntries || c.bytes+size > c.maxBytes {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front)
	}
	c.items[item.Key] = c.order.PushBack(item)
	c.bytes += size
}

func (c *Cache) removeLocked(el *list.Element) {
	item := el.Value.(*Item)
	c.order.Remove(el)
	delete(c.items, item.Key)
	c.bytes -= len(item.Data)
}
