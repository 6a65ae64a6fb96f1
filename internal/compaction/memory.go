// ABOUTME: Durable memory extraction and the agent's daily notes files.
// ABOUTME: New facts are deduplicated against the destination day's existing notes before appending.

package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/llm"
)

// extractConcurrency bounds parallel extraction calls.
const extractConcurrency = 2

// NoteDate formats t as the daily notes file date.
func NoteDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func normalizeFact(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Dedupe returns the facts in candidates not present in known (case and whitespace
// insensitive), also dropping repeats within candidates.
func Dedupe(candidates, known []string) []string {
	seen := make(map[string]bool, len(known)+len(candidates))
	for _, k := range known {
		seen[normalizeFact(k)] = true
	}
	var out []string
	for _, c := range candidates {
		n := normalizeFact(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, strings.TrimSpace(c))
	}
	return out
}

// Notes reads and appends the agent's daily memory notes in blob storage.
type Notes struct {
	store   blob.Store
	agentID string
	mu      sync.Mutex
}

// NewNotes creates a notes writer for one agent.
func NewNotes(store blob.Store, agentID string) *Notes {
	return &Notes{store: store, agentID: agentID}
}

// Read returns the bullet facts already recorded for date.
func (n *Notes) Read(ctx context.Context, date string) ([]string, error) {
	data, err := n.store.Get(ctx, blob.MemoryNoteKey(n.agentID, date))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var facts []string
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "- "); ok {
			facts = append(facts, rest)
		}
	}
	return facts, nil
}

// Append adds facts not already recorded for date and returns how many were written.
func (n *Notes) Append(ctx context.Context, date string, facts []string) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	key := blob.MemoryNoteKey(n.agentID, date)
	existing, err := n.store.Get(ctx, key)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return 0, fmt.Errorf("reading notes %s: %w", key, err)
	}
	known, err := n.Read(ctx, date)
	if err != nil {
		return 0, err
	}
	fresh := Dedupe(facts, known)
	if len(fresh) == 0 {
		return 0, nil
	}

	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "# Memory %s\n\n", date)
	} else {
		b.Write(existing)
		if !strings.HasSuffix(string(existing), "\n") {
			b.WriteString("\n")
		}
	}
	for _, f := range fresh {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if err := n.store.Put(ctx, key, []byte(b.String()), "text/markdown"); err != nil {
		return 0, fmt.Errorf("writing notes %s: %w", key, err)
	}
	return len(fresh), nil
}

// Extract pulls durable facts from msgs, chunked by the context window and
// deduplicated against known. Chunks that fail are logged and skipped.
func (e *Engine) Extract(ctx context.Context, model string, msgs []llm.Message, contextWindow int, known []string) ([]string, error) {
	chunks := Chunk(msgs, contextWindow)
	if len(chunks) == 0 {
		return nil, nil
	}

	results := make([][]string, len(chunks))
	var failed int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(extractConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			reply, err := e.completer.Complete(gctx, model, llm.Context{
				SystemPrompt: extractorSystemPrompt,
				Messages:     []llm.Message{llm.NewUserText(extractPrompt(chunk, known))},
			}, llm.Options{MaxTokens: summaryMaxTokens})
			if err != nil || reply == nil {
				e.logger.Warn("memory extraction chunk failed", "chunk", i, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			results[i] = parseMemories(reply.Text())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if failed == len(chunks) {
		return nil, fmt.Errorf("memory extraction failed for all %d chunk(s)", failed)
	}

	var all []string
	for _, r := range results {
		all = append(all, r...)
	}
	return Dedupe(all, known), nil
}
