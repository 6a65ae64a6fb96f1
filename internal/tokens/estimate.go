// ABOUTME: Character-based token estimates for messages and prompts.
// ABOUTME: Overestimates on purpose so compaction triggers early rather than late.

package tokens

import (
	"encoding/json"
	"math"

	"github.com/2389/coven-relay/internal/llm"
)

// CharsPerToken is the heuristic ratio of serialized characters to tokens.
const CharsPerToken = 4

// SafetyMargin inflates summed estimates when deciding whether to compact.
const SafetyMargin = 1.2

// ImageTokens is the flat cost charged for each image block.
// Inline image data would otherwise dominate the serialized length.
const ImageTokens = 1200

// Message estimates a single message from its serialized length.
func Message(m llm.Message) int {
	images := 0
	if m.ImageCount() > 0 {
		stripped := make([]llm.ContentBlock, len(m.Content))
		for i, b := range m.Content {
			if b.Type == llm.BlockImage {
				images++
				b.Data = ""
			}
			stripped[i] = b
		}
		m.Content = stripped
	}

	data, err := json.Marshal(m)
	if err != nil {
		return images * ImageTokens
	}
	return ceilDiv(len(data), CharsPerToken) + images*ImageTokens
}

// Messages sums per-message estimates without the safety margin.
func Messages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += Message(m)
	}
	return total
}

// Text estimates a plain string such as a system prompt.
func Text(s string) int {
	return ceilDiv(len(s), CharsPerToken)
}

// Transcript estimates the full prompt: messages plus system prompt, with the safety margin applied.
func Transcript(msgs []llm.Message, systemPrompt string) int {
	raw := Messages(msgs) + Text(systemPrompt)
	return int(math.Ceil(float64(raw) * SafetyMargin))
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
