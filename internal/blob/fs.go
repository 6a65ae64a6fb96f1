// ABOUTME: Filesystem-backed blob store rooted at a directory.
// ABOUTME: Uploads go to a temp file and are renamed into place on Close.

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// metaDir holds mime sidecars and is hidden from List.
const metaDir = ".meta"

// FSStore stores blobs as files under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *FSStore) Root() string {
	return s.root
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	c := path.Clean(key)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") || strings.HasPrefix(c, metaDir) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return c, nil
}

func (s *FSStore) filePath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) metaPath(key string) string {
	return filepath.Join(s.root, metaDir, filepath.FromSlash(key)+".mime")
}

// Get reads a whole blob.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.filePath(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes a whole blob, replacing any existing one.
func (s *FSStore) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	w, err := s.Create(ctx, key, mimeType)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

// Head returns metadata without reading the blob.
func (s *FSStore) Head(_ context.Context, key string) (*Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	return s.stat(k)
}

func (s *FSStore) stat(key string) (*Object, error) {
	info, err := os.Stat(s.filePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Object{Key: key, Size: info.Size(), Mime: s.readMime(key), Modified: info.ModTime()}, nil
}

func (s *FSStore) readMime(key string) string {
	if data, err := os.ReadFile(s.metaPath(key)); err == nil && len(data) > 0 {
		return string(data)
	}
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Delete removes a blob and its sidecar.
func (s *FSStore) Delete(_ context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = os.Remove(s.filePath(k))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	_ = os.Remove(s.metaPath(k))
	return err
}

// List returns blobs whose keys start with prefix, sorted by key.
func (s *FSStore) List(_ context.Context, prefix string) ([]Object, error) {
	var out []Object
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if key == metaDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(key, ".tmp") || !strings.HasPrefix(key, prefix) {
			return nil
		}
		obj, err := s.stat(key)
		if err != nil {
			return err
		}
		out = append(out, *obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Open streams an existing blob.
func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.stat(k)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.filePath(k))
	if err != nil {
		return nil, nil, err
	}
	return f, obj, nil
}

// Create starts a streaming upload.
func (s *FSStore) Create(_ context.Context, key, mimeType string) (Writer, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	dst := s.filePath(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp blob: %w", err)
	}
	return &fsWriter{store: s, key: k, dst: dst, mime: mimeType, f: f}, nil
}

type fsWriter struct {
	store *FSStore
	key   string
	dst   string
	mime  string
	f     *os.File
	done  bool
}

func (w *fsWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *fsWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	if err := os.Rename(w.f.Name(), w.dst); err != nil {
		_ = os.Remove(w.f.Name())
		return fmt.Errorf("committing blob: %w", err)
	}
	meta := w.store.metaPath(w.key)
	if w.mime == "" {
		_ = os.Remove(meta)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(meta), 0o750); err != nil {
		return err
	}
	return os.WriteFile(meta, []byte(w.mime), 0o640)
}

func (w *fsWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}
