// ABOUTME: Compaction trigger, transcript split, and chunking.
// ABOUTME: All sizing uses the character-based token estimator.

package compaction

import (
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/tokens"
)

// MinMessages is the smallest transcript that can be compacted.
const MinMessages = 3

// Settings size compaction against the model's context window.
type Settings struct {
	Enabled          bool
	ContextWindow    int
	ReserveTokens    int
	KeepRecentTokens int
	MemoryEnabled    bool
}

// Threshold is the prompt size above which compaction is due. It may be negative.
func (s Settings) Threshold() int {
	return s.ContextWindow - s.ReserveTokens
}

// ShouldCompact reports whether the transcript needs compacting before the next call.
// A positive provider-reported input count is trusted over the estimate.
func ShouldCompact(msgs []llm.Message, systemPrompt string, lastInputTokens int, s Settings) bool {
	if len(msgs) < MinMessages {
		return false
	}
	if lastInputTokens > 0 {
		return lastInputTokens > s.Threshold()
	}
	return tokens.Transcript(msgs, systemPrompt) > s.Threshold()
}

// Split divides msgs into an old prefix to summarize and a recent suffix kept verbatim.
// The recent part holds as many trailing messages as fit in keepRecentTokens.
// Old is never empty when more than one message exists, and recent never starts
// with a tool result whose call would be summarized away.
func Split(msgs []llm.Message, keepRecentTokens int) (old, recent []llm.Message) {
	if len(msgs) == 0 {
		return nil, nil
	}

	cut := len(msgs)
	acc := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		est := tokens.Message(msgs[i])
		if acc+est > keepRecentTokens {
			break
		}
		acc += est
		cut = i
	}

	if cut == 0 && len(msgs) > 1 {
		cut = 1
	}
	for cut < len(msgs) && msgs[cut].Role == llm.RoleToolResult {
		cut++
	}
	return msgs[:cut], msgs[cut:]
}

// Chunk groups msgs into batches of at most a quarter of the context window.
// A message larger than that gets a chunk of its own.
func Chunk(msgs []llm.Message, contextWindow int) [][]llm.Message {
	limit := contextWindow / 4
	if limit <= 0 {
		limit = 1
	}

	var chunks [][]llm.Message
	var cur []llm.Message
	curTokens := 0
	for _, m := range msgs {
		est := tokens.Message(m)
		if len(cur) > 0 && curTokens+est > limit {
			chunks = append(chunks, cur)
			cur, curTokens = nil, 0
		}
		cur = append(cur, m)
		curTokens += est
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
