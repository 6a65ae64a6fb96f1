// ABOUTME: Moves inline image data into blob storage and back again for model calls.
// ABOUTME: Persisted messages only ever hold blob references.

package media

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/coven-relay/internal/llm"
)

// ContentKey derives a stable, content-addressed key under prefix.
func ContentKey(prefix, mimeType string, data []byte) string {
	sum := blake2b.Sum256(data)
	ext := ""
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return prefix + hex.EncodeToString(sum[:16]) + ext
}

// Offload writes inline image blocks to storage under prefix and replaces them with references.
// Blocks that already carry a BlobKey are left alone.
func (c *Cache) Offload(ctx context.Context, prefix string, blocks []llm.ContentBlock) ([]llm.ContentBlock, error) {
	out := make([]llm.ContentBlock, len(blocks))
	for i, b := range blocks {
		if b.Type != llm.BlockImage || b.Data == "" {
			out[i] = b
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return nil, fmt.Errorf("decoding image data: %w", err)
		}
		key := ContentKey(prefix, b.MimeType, data)
		if err := c.Put(ctx, key, b.MimeType, data); err != nil {
			return nil, err
		}
		out[i] = llm.ContentBlock{Type: llm.BlockImage, MimeType: b.MimeType, BlobKey: key}
	}
	return out, nil
}

// Hydrate returns a copy of msgs with image references filled in from storage.
// A reference that cannot be loaded becomes a text note so the call can still proceed.
func (c *Cache) Hydrate(ctx context.Context, logger *slog.Logger, msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.ImageCount() == 0 {
			continue
		}
		blocks := make([]llm.ContentBlock, len(m.Content))
		for j, b := range m.Content {
			blocks[j] = b
			if b.Type != llm.BlockImage || b.BlobKey == "" || b.Data != "" {
				continue
			}
			item, err := c.Get(ctx, b.BlobKey)
			if err != nil {
				logger.Warn("image unavailable", "key", b.BlobKey, "error", err)
				blocks[j] = llm.ContentBlock{Type: llm.BlockText, Text: "[image unavailable]"}
				continue
			}
			mt := b.MimeType
			if mt == "" {
				mt = item.Mime
			}
			blocks[j].MimeType = mt
			blocks[j].Data = base64.StdEncoding.EncodeToString(item.Data)
		}
		out[i].Content = blocks
	}
	return out
}

// IsImageMime reports whether a mime type is an image.
func IsImageMime(mt string) bool {
	return strings.HasPrefix(mt, "image/")
}
