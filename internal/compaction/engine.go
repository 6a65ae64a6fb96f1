// ABOUTME: Three-tier compaction: full summarization, partial summarization, plaintext fallback.
// ABOUTME: Compact never returns an error; the last tier performs no I/O.

package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/tokens"
)

// Tier names which strategy produced a result.
type Tier string

const (
	TierFull     Tier = "full"
	TierPartial  Tier = "partial"
	TierFallback Tier = "fallback"
	// TierManual is a verbatim trim requested by an operator; nothing is summarized.
	TierManual Tier = "manual"
)

// Triggers recorded with each compaction.
const (
	TriggerProactive = "proactive"
	TriggerOverflow  = "overflow"
	TriggerManual    = "manual"
)

// SummaryPrefix starts the synthetic summary message.
const SummaryPrefix = "[Conversation summary]"

// summaryMaxTokens bounds each summarizer reply.
const summaryMaxTokens = 4096

// ErrEmptySummary is returned by a tier whose summarizer produced no text.
var ErrEmptySummary = errors.New("summarizer returned no summary")

// Request describes one compaction.
type Request struct {
	Model    string
	Settings Settings
	Trigger  string
	// Known memories, passed to the summarizer so it does not repeat them.
	Known []string
}

// Result is the outcome of a compaction.
type Result struct {
	Compacted    bool
	Tier         Tier
	Summary      string
	Memories     []string
	Messages     []llm.Message // replacement transcript: summary then the recent tail
	Summarized   int
	Kept         int
	Images       int
	TokensBefore int
	TokensAfter  int
}

// Engine runs compactions with a completion collaborator.
type Engine struct {
	completer llm.Completer
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine.
func NewEngine(completer llm.Completer, logger *slog.Logger) *Engine {
	return &Engine{completer: completer, logger: logger.With("component", "compaction"), now: time.Now}
}

// Compact summarizes everything but the recent tail of msgs.
func (e *Engine) Compact(ctx context.Context, msgs []llm.Message, req Request) *Result {
	ctx, span := metrics.StartSpan(ctx, "compaction.compact")
	defer span.End()

	old, recent := Split(msgs, req.Settings.KeepRecentTokens)
	res := &Result{
		Summarized:   len(old),
		Kept:         len(recent),
		TokensBefore: tokens.Messages(msgs),
	}
	if len(old) == 0 {
		res.Messages = msgs
		res.TokensAfter = res.TokensBefore
		return res
	}
	for _, m := range old {
		res.Images += m.ImageCount()
	}

	chunks := Chunk(old, req.Settings.ContextWindow)

	summary, memories, err := e.summarize(ctx, chunks, req, false)
	res.Tier = TierFull
	if err != nil {
		e.logger.Warn("full summarization failed, trying partial", "error", err, "chunks", len(chunks))
		summary, memories, err = e.summarize(ctx, chunks, req, true)
		res.Tier = TierPartial
	}
	if err != nil {
		e.logger.Warn("partial summarization failed, using fallback", "error", err)
		summary, memories = fallbackSummary(len(old), res.Images), nil
		res.Tier = TierFallback
	}

	res.Compacted = true
	res.Summary = summary
	res.Memories = memories
	res.Messages = append([]llm.Message{e.summaryMessage(summary, len(old))}, recent...)
	res.TokensAfter = tokens.Messages(res.Messages)

	span.SetAttributes(
		attribute.String("tier", string(res.Tier)),
		attribute.Int("summarized", res.Summarized),
		attribute.Int("kept", res.Kept),
	)
	metrics.RecordCompaction(string(res.Tier), req.Trigger)
	e.logger.Info("=== CONTEXT COMPACTED ===",
		"tier", res.Tier,
		"trigger", req.Trigger,
		"summarized", res.Summarized,
		"kept", res.Kept,
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter,
		"memories", len(memories),
	)
	return res
}

// summarize runs the rolling per-chunk summarization. With skipOversized set,
// chunks above half the context window are replaced by a placeholder.
func (e *Engine) summarize(ctx context.Context, chunks [][]llm.Message, req Request, skipOversized bool) (string, []string, error) {
	known := append([]string(nil), req.Known...)
	var parts []string
	var memories []string
	previous := ""
	half := req.Settings.ContextWindow / 2

	for i, chunk := range chunks {
		if skipOversized && tokens.Messages(chunk) > half {
			parts = append(parts, fmt.Sprintf("[%d message(s) omitted: too large to summarize]", len(chunk)))
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		reply, err := e.completer.Complete(ctx, req.Model, llm.Context{
			SystemPrompt: summarizerSystemPrompt,
			Messages:     []llm.Message{llm.NewUserText(summarizePrompt(chunk, previous, known))},
		}, llm.Options{MaxTokens: summaryMaxTokens})
		if err != nil {
			return "", nil, fmt.Errorf("summarizing chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if reply == nil || reply.StopReason == llm.StopError {
			return "", nil, fmt.Errorf("summarizing chunk %d/%d: %w", i+1, len(chunks), ErrEmptySummary)
		}

		summary, found := parseReply(reply.Text())
		if summary == "" {
			return "", nil, fmt.Errorf("summarizing chunk %d/%d: %w", i+1, len(chunks), ErrEmptySummary)
		}
		parts = append(parts, summary)
		previous = summary
		found = Dedupe(found, known)
		memories = append(memories, found...)
		known = append(known, found...)
	}

	if len(parts) == 0 {
		return "", nil, ErrEmptySummary
	}
	return strings.Join(parts, "\n\n"), memories, nil
}

func fallbackSummary(messages, images int) string {
	note := fmt.Sprintf("%d earlier message(s)", messages)
	if images > 0 {
		note += fmt.Sprintf(" and %d image(s)", images)
	}
	return fmt.Sprintf("%s were removed to stay within the context window. No summary is available; ask the user to restate anything important.", note)
}

func (e *Engine) summaryMessage(summary string, count int) llm.Message {
	return llm.Message{
		Role: llm.RoleUser,
		Content: []llm.ContentBlock{{
			Type: llm.BlockText,
			Text: fmt.Sprintf("%s %d earlier message(s) were compacted.\n\n%s", SummaryPrefix, count, summary),
		}},
		Timestamp: e.now().UnixMilli(),
	}
}

// IsSummary reports whether m is a synthetic compaction summary.
func IsSummary(m llm.Message) bool {
	return m.Role == llm.RoleUser && strings.HasPrefix(m.Text(), SummaryPrefix)
}
