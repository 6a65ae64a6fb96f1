// ABOUTME: Prompts for chunk summarization and memory extraction, and parsing of their replies.
// ABOUTME: Replies carry <summary> and <memories> sections; untagged text is taken as the summary.

package compaction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/tokens"
)

const summarizerSystemPrompt = `You compress conversation history for an assistant that will continue the conversation later.

Write a dense summary of the conversation segment you are given. Keep decisions, open tasks, names, identifiers, file paths, numbers, and anything the user asked to be remembered. Drop pleasantries and redundant tool output.

Also list durable facts worth keeping beyond this conversation (preferences, personal details the user shared, long-lived project facts). Do not repeat facts already listed as known.

Reply in exactly this form:
<summary>
...
</summary>
<memories>
- fact
</memories>`

const extractorSystemPrompt = `You extract durable long-term facts from a conversation transcript.

List only facts that will still matter in future conversations: user preferences, personal details the user shared, commitments, and long-lived project facts. Skip anything already listed as known. If there is nothing new, return an empty list.

Reply in exactly this form:
<memories>
- fact
</memories>`

var (
	summaryTag  = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
	memoriesTag = regexp.MustCompile(`(?s)<memories>(.*?)</memories>`)
)

func summarizePrompt(chunk []llm.Message, previous string, known []string) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Summary of the conversation so far:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	writeKnown(&b, known)
	b.WriteString("Conversation segment:\n")
	b.WriteString(tokens.Serialize(chunk))
	return b.String()
}

func extractPrompt(chunk []llm.Message, known []string) string {
	var b strings.Builder
	writeKnown(&b, known)
	b.WriteString("Transcript:\n")
	b.WriteString(tokens.Serialize(chunk))
	return b.String()
}

func writeKnown(b *strings.Builder, known []string) {
	if len(known) == 0 {
		return
	}
	b.WriteString("Already known facts:\n")
	for _, k := range known {
		fmt.Fprintf(b, "- %s\n", k)
	}
	b.WriteString("\n")
}

// parseReply splits a summarizer reply into summary text and memory bullets.
func parseReply(text string) (string, []string) {
	summary := strings.TrimSpace(text)
	if m := summaryTag.FindStringSubmatch(text); m != nil {
		summary = strings.TrimSpace(m[1])
	} else if loc := memoriesTag.FindStringIndex(text); loc != nil {
		summary = strings.TrimSpace(text[:loc[0]])
	}
	return summary, parseMemories(text)
}

func parseMemories(text string) []string {
	m := memoriesTag.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(m[1], "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
