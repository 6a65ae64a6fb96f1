// ABOUTME: Gzip-compressed JSONL archives and the key layout for agent-scoped blobs.
// ABOUTME: Archive keys gain a -partN suffix instead of overwriting an existing archive.

package blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// ArchiveMime is the content type recorded for transcript archives.
const ArchiveMime = "application/gzip"

// maxArchiveParts bounds the -partN search.
const maxArchiveParts = 1000

// SessionArchiveKey is the base archive key for a session.
func SessionArchiveKey(agentID, sessionID string) string {
	return fmt.Sprintf("agents/%s/sessions/%s.jsonl.gz", agentID, sessionID)
}

// MemoryNoteKey is the daily notes file for an agent on a given date (YYYY-MM-DD).
func MemoryNoteKey(agentID, date string) string {
	return fmt.Sprintf("agents/%s/memory/%s.md", agentID, date)
}

// SessionMediaPrefix scopes media blobs to one session so reset can delete them together.
func SessionMediaPrefix(agentID, sessionID string) string {
	return fmt.Sprintf("agents/%s/media/%s/", agentID, sessionID)
}

// NextArchiveKey returns the first unused archive key for a session:
// the base key, then {sessionId}-part2, -part3, and so on.
func NextArchiveKey(ctx context.Context, s Store, agentID, sessionID string) (string, error) {
	key := SessionArchiveKey(agentID, sessionID)
	for part := 2; part <= maxArchiveParts; part++ {
		_, err := s.Head(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", err
		}
		key = SessionArchiveKey(agentID, fmt.Sprintf("%s-part%d", sessionID, part))
	}
	return "", fmt.Errorf("too many archive parts for session %s", sessionID)
}

// WriteJSONL encodes each record as one JSON line, gzips the result, and stores it under key.
func WriteJSONL(ctx context.Context, s Store, key string, records []any) error {
	w, err := s.Create(ctx, key, ArchiveMime)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = w.Abort()
			return fmt.Errorf("encoding archive record %d: %w", i, err)
		}
	}
	if err := gz.Close(); err != nil {
		_ = w.Abort()
		return fmt.Errorf("compressing archive: %w", err)
	}
	return w.Close()
}

// ReadJSONL returns the raw JSON lines of a gzip JSONL archive.
func ReadJSONL(ctx context.Context, s Store, key string) ([]json.RawMessage, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer gz.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, json.RawMessage(bytes.Clone(line)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	return out, nil
}
