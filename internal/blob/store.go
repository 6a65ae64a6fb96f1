// ABOUTME: Durable blob storage contract keyed by slash-separated paths.
// ABOUTME: Used for transcript archives, media, daily memory notes, and transfers.

package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound indicates the key does not exist.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey indicates a key that is empty, absolute, or escapes the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// Object describes a stored blob.
type Object struct {
	Key      string
	Size     int64
	Mime     string
	Modified time.Time
}

// Writer is a streaming upload. Close commits the blob; Abort discards it.
type Writer interface {
	io.WriteCloser
	Abort() error
}

// Store is durable blob storage.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, mime string) error
	Head(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)

	// Open streams an existing blob.
	Open(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	// Create starts a streaming upload that becomes visible on Close.
	Create(ctx context.Context, key, mime string) (Writer, error)
}

// DeletePrefix removes every blob under prefix and returns how many were removed.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range objs {
		if err := s.Delete(ctx, o.Key); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}
