// ABOUTME: In-memory blob store for tests and ephemeral deployments.
// ABOUTME: Keeps blobs in a mutex-guarded map; writers buffer until Close.

package blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps blobs in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	data     []byte
	mime     string
	modified time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(o.data), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, mime string) error {
	if key == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{data: bytes.Clone(data), mime: mime, modified: time.Now()}
	return nil
}

func (s *MemoryStore) Head(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{Key: key, Size: int64(len(o.data)), Mime: o.mime, Modified: o.modified}, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(o.data)), Mime: o.mime, Modified: o.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.Head(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), obj, nil
}

func (s *MemoryStore) Create(_ context.Context, key, mime string) (Writer, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	return &memWriter{store: s, key: key, mime: mime}, nil
}

type memWriter struct {
	store *MemoryStore
	key   string
	mime  string
	buf   bytes.Buffer
	done  bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.store.Put(context.Background(), w.key, w.buf.Bytes(), w.mime)
}

func (w *memWriter) Abort() error {
	w.done = true
	return nil
}
