// ABOUTME: Tests for the filesystem and memory blob stores and JSONL archives.
// ABOUTME: Both stores run the same contract checks.

package blob

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"fs": fsStore, "memory": NewMemoryStore()}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, "a/b/one.txt", []byte("hello"), "text/plain"))
			require.NoError(t, s.Put(ctx, "a/two.bin", []byte("xy"), ""))

			data, err := s.Get(ctx, "a/b/one.txt")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))

			obj, err := s.Head(ctx, "a/b/one.txt")
			require.NoError(t, err)
			assert.Equal(t, int64(5), obj.Size)
			assert.Equal(t, "text/plain", obj.Mime)

			objs, err := s.List(ctx, "a/")
			require.NoError(t, err)
			require.Len(t, objs, 2)
			assert.Equal(t, "a/b/one.txt", objs[0].Key)

			rc, _, err := s.Open(ctx, "a/two.bin")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "xy", string(got))

			require.NoError(t, s.Delete(ctx, "a/two.bin"))
			_, err = s.Get(ctx, "a/two.bin")
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.ErrorIs(t, s.Delete(ctx, "a/two.bin"), ErrNotFound)
		})
	}
}

func TestWriterAbort(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			w, err := s.Create(ctx, "x/partial", "")
			require.NoError(t, err)
			_, err = w.Write([]byte("half"))
			require.NoError(t, err)
			require.NoError(t, w.Abort())

			_, err = s.Head(ctx, "x/partial")
			assert.ErrorIs(t, err, ErrNotFound)
			objs, err := s.List(ctx, "x/")
			require.NoError(t, err)
			assert.Empty(t, objs)
		})
	}
}

func TestFSStore_RejectsEscapes(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"", "/etc/passwd", "../up", "a/../../up", ".meta/x"} {
		assert.ErrorIs(t, s.Put(ctx, key, []byte("x"), ""), ErrInvalidKey, key)
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "m/s1/a", []byte("1"), ""))
	require.NoError(t, s.Put(ctx, "m/s1/b", []byte("2"), ""))
	require.NoError(t, s.Put(ctx, "m/s2/a", []byte("3"), ""))

	n, err := DeletePrefix(ctx, s, "m/s1/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	objs, _ := s.List(ctx, "m/")
	assert.Len(t, objs, 1)
}

func TestArchiveRoundTripAndParts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	key, err := NextArchiveKey(ctx, s, "agent", "sess")
	require.NoError(t, err)
	assert.Equal(t, "agents/agent/sessions/sess.jsonl.gz", key)

	records := []any{map[string]string{"type": "session"}, map[string]int{"index": 0}}
	require.NoError(t, WriteJSONL(ctx, s, key, records))

	lines, err := ReadJSONL(ctx, s, key)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"session"}`, string(lines[0]))

	next, err := NextArchiveKey(ctx, s, "agent", "sess")
	require.NoError(t, err)
	assert.Equal(t, "agents/agent/sessions/sess-part2.jsonl.gz", next)
}
