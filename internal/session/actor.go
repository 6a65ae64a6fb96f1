// ABOUTME: Session actor: serializes inbound messages, owns the transcript, and answers session RPCs.
// ABOUTME: All state changes are written through to the Store under the actor's mutex.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/compaction"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/media"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/tokens"
)

// ErrBusy indicates an operation that cannot run while a run is active.
var ErrBusy = errors.New("session has an active run")

// ErrNoDispatcher indicates tool calls were made before a dispatcher was attached.
var ErrNoDispatcher = errors.New("no tool dispatcher attached")

// ErrInvalidArgument indicates a malformed request.
var ErrInvalidArgument = errors.New("invalid argument")

// Send statuses.
const (
	StatusStarted = "started"
	StatusQueued  = "queued"
)

// previewChars bounds each preview snippet.
const previewChars = 200

// ChatInput is one inbound message for a session.
type ChatInput struct {
	Text      string
	RunID     string
	Tools     []llm.Tool
	Routes    map[string]ToolRoute
	Overrides Overrides
	Media     []protocol.MediaItem
	Delivery  *Delivery
}

// SendResult reports whether a message started a run or was queued.
type SendResult struct {
	RunID    string `json:"runId"`
	Status   string `json:"status"`
	Position int    `json:"position,omitempty"`
}

// Actor is the in-memory instance of one session.
type Actor struct {
	key    string
	m      *Manager
	logger *slog.Logger

	mu      sync.Mutex
	snap    Snapshot
	msgs    []llm.Message
	version int
	looping bool
	rerun   bool
	// Cancels the in-flight model call, if any.
	cancelCall context.CancelFunc

	// Guarded by Manager.actorsMu.
	refs     int
	lastUsed time.Time
}

func loadActor(ctx context.Context, m *Manager, key string) (*Actor, error) {
	a := &Actor{key: key, m: m, logger: m.logger.With("session_key", key)}

	snap, err := m.store.LoadSnapshot(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		a.snap = Snapshot{Meta: Meta{
			SessionID:  uuid.NewString(),
			SessionKey: key,
			CreatedAt:  m.now(),
		}}
	case err != nil:
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	default:
		a.snap = *snap
	}

	msgs, err := m.store.Messages(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading messages for %s: %w", key, err)
	}
	a.msgs = msgs

	// A run that is neither waiting on tools nor on an alarm was cut off mid-step.
	if a.snap.Run != nil && a.snap.AlarmAt.IsZero() && !a.snap.awaitingTools() {
		a.logger.Warn("resuming interrupted run", "run_id", a.snap.Run.RunID)
		a.setAlarmLocked(m.now())
	}
	return a, nil
}

// ChatSend starts a run for the message, or queues it behind the active run.
func (a *Actor) ChatSend(ctx context.Context, in ChatInput) (*SendResult, error) {
	if in.Text == "" && len(in.Media) == 0 {
		return nil, fmt.Errorf("%w: message has no content", ErrInvalidArgument)
	}
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.snap.Run != nil {
		msg, err := a.userMessageLocked(ctx, in)
		if err != nil {
			return nil, err
		}
		a.snap.Queue = append(a.snap.Queue, QueuedMessage{
			RunID:     runID,
			Message:   msg,
			Tools:     in.Tools,
			Routes:    in.Routes,
			Overrides: in.Overrides,
			Delivery:  in.Delivery,
			QueuedAt:  a.m.now(),
		})
		if err := a.saveLocked(ctx); err != nil {
			return nil, err
		}
		a.logger.Debug("message queued", "run_id", runID, "position", len(a.snap.Queue))
		return &SendResult{RunID: runID, Status: StatusQueued, Position: len(a.snap.Queue)}, nil
	}

	if ResetDue(a.policyLocked(), a.snap.Meta.UpdatedAt, a.m.localNow()) {
		a.logger.Info("auto-reset due", "policy", a.policyLocked().Mode, "last_activity", a.snap.Meta.UpdatedAt)
		if _, err := a.resetLocked(ctx, "auto"); err != nil {
			return nil, fmt.Errorf("auto-reset: %w", err)
		}
	}

	msg, err := a.userMessageLocked(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := a.startRunLocked(ctx, QueuedMessage{
		RunID:     runID,
		Message:   msg,
		Tools:     in.Tools,
		Routes:    in.Routes,
		Overrides: in.Overrides,
		Delivery:  in.Delivery,
	}); err != nil {
		return nil, err
	}
	a.startLoopLocked()
	return &SendResult{RunID: runID, Status: StatusStarted}, nil
}

// startRunLocked appends the run's message and sets CurrentRun.
func (a *Actor) startRunLocked(ctx context.Context, q QueuedMessage) error {
	if err := a.appendLocked(ctx, q.Message); err != nil {
		return err
	}
	now := a.m.now()
	a.snap.Run = &Run{
		RunID:     q.RunID,
		Tools:     q.Tools,
		Routes:    q.Routes,
		Overrides: q.Overrides,
		StartedAt: now,
	}
	a.snap.Meta.UpdatedAt = now
	if q.Delivery != nil {
		a.snap.Meta.Delivery = q.Delivery
	}
	if err := a.saveLocked(ctx); err != nil {
		return err
	}
	a.logger.Info("run started", "run_id", q.RunID)
	return nil
}

// ToolResult records the outcome of a pending call. Unknown and duplicate ids are ignored.
func (a *Actor) ToolResult(ctx context.Context, callID string, result json.RawMessage, errText string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.resolveLocked(callID, result, errText) {
		a.logger.Warn("ignoring tool result for unknown call", "call_id", callID)
		return
	}
	if err := a.saveLocked(ctx); err != nil {
		a.logger.Error("failed to persist tool result", "call_id", callID, "error", err)
	}
	if a.snap.Run != nil && !a.snap.awaitingTools() {
		a.clearAlarmLocked()
		a.startLoopLocked()
	}
}

func (a *Actor) resolveLocked(callID string, result json.RawMessage, errText string) bool {
	for i := range a.snap.Pending {
		p := &a.snap.Pending[i]
		if p.ID != callID {
			continue
		}
		if p.Done {
			return false
		}
		p.Result = result
		p.Error = errText
		p.Done = true
		return true
	}
	return false
}

// Alarm handles a fired timer: unresolved calls time out and the loop resumes.
// Alarms that no longer match the persisted alarm time are stale and ignored.
func (a *Actor) Alarm(ctx context.Context, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.snap.AlarmAt.IsZero() || a.snap.AlarmAt.UnixMilli() != at.UnixMilli() {
		return
	}
	a.snap.AlarmAt = time.Time{}

	timedOut := 0
	for i := range a.snap.Pending {
		p := &a.snap.Pending[i]
		if !p.Done {
			p.Error = fmt.Sprintf("tool call timed out after %s", a.m.cfg.ToolTimeout)
			p.Done = true
			timedOut++
		}
	}
	if timedOut > 0 {
		a.logger.Warn("tool calls timed out", "count", timedOut)
	}
	if err := a.saveLocked(ctx); err != nil {
		a.logger.Error("failed to persist alarm", "error", err)
	}
	if a.snap.Run != nil {
		a.startLoopLocked()
	}
}

// Abort cancels the active run. It reports whether there was one.
func (a *Actor) Abort(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.snap.Run == nil {
		return false
	}
	a.snap.Run.Aborted = true
	a.snap.Pending = nil
	a.clearAlarmLocked()
	a.logger.Info("run aborted", "run_id", a.snap.Run.RunID)
	a.finishRunLocked(ctx, StateError, nil, "Run aborted")
	return true
}

// ResetResult describes a completed reset.
type ResetResult struct {
	OldSessionID string `json:"oldSessionId"`
	NewSessionID string `json:"newSessionId"`
	Archived     int    `json:"archived"`
	ArchiveKey   string `json:"archiveKey,omitempty"`
}

// Reset archives the transcript and rotates the session id.
func (a *Actor) Reset(ctx context.Context) (*ResetResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked(ctx, "manual")
}

func (a *Actor) resetLocked(ctx context.Context, reason string) (*ResetResult, error) {
	meta := &a.snap.Meta
	res := &ResetResult{OldSessionID: meta.SessionID, Archived: len(a.msgs)}

	if len(a.msgs) > 0 {
		key, err := a.archiveLocked(ctx, a.msgs, reason)
		if err != nil {
			return nil, err
		}
		res.ArchiveKey = key
		a.extractMemoriesLocked()
	}

	prefix := blob.SessionMediaPrefix(a.m.cfg.AgentID, meta.SessionID)
	if n, err := blob.DeletePrefix(ctx, a.m.blobs, prefix); err != nil {
		a.logger.Warn("failed to delete session media", "prefix", prefix, "error", err)
	} else if n > 0 {
		a.logger.Debug("deleted session media", "count", n)
	}
	a.m.media.Forget(prefix)

	if err := a.m.store.ReplaceMessages(ctx, a.key, nil); err != nil {
		return nil, fmt.Errorf("clearing transcript: %w", err)
	}
	a.msgs = nil
	a.version++

	// The queue is dropped before the run so finishing it cannot start another.
	a.snap.Queue = nil
	if a.snap.Run != nil {
		a.snap.Run.Aborted = true
		a.snap.Pending = nil
		a.finishRunLocked(ctx, StateError, nil, "Session reset")
	}
	a.snap.Pending = nil
	a.clearAlarmLocked()

	now := a.m.now()
	meta.PreviousSessionIDs = append(meta.PreviousSessionIDs, meta.SessionID)
	meta.SessionID = uuid.NewString()
	meta.InputTokens, meta.OutputTokens = 0, 0
	meta.CacheReadTokens, meta.CacheWriteTokens = 0, 0
	meta.LastInputTokens = 0
	meta.CompactionCount = 0
	meta.LastCompactedAt = time.Time{}
	meta.UpdatedAt = now
	res.NewSessionID = meta.SessionID

	if err := a.saveLocked(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("=== SESSION RESET ===",
		"reason", reason,
		"old_session_id", res.OldSessionID,
		"new_session_id", res.NewSessionID,
		"archived", res.Archived,
	)
	return res, nil
}

// archiveLocked writes msgs to the next free archive key for the current session id.
func (a *Actor) archiveLocked(ctx context.Context, msgs []llm.Message, reason string) (string, error) {
	meta := a.snap.Meta
	key, err := blob.NextArchiveKey(ctx, a.m.blobs, a.m.cfg.AgentID, meta.SessionID)
	if err != nil {
		return "", fmt.Errorf("choosing archive key: %w", err)
	}

	records := make([]any, 0, len(msgs)+1)
	records = append(records, archiveHeader{
		Type:             "session",
		AgentID:          a.m.cfg.AgentID,
		SessionID:        meta.SessionID,
		SessionKey:       meta.SessionKey,
		Reason:           reason,
		ArchivedAt:       a.m.now(),
		CreatedAt:        meta.CreatedAt,
		UpdatedAt:        meta.UpdatedAt,
		MessageCount:     len(msgs),
		InputTokens:      meta.InputTokens,
		OutputTokens:     meta.OutputTokens,
		CacheReadTokens:  meta.CacheReadTokens,
		CacheWriteTokens: meta.CacheWriteTokens,
		CompactionCount:  meta.CompactionCount,
	})
	for i, m := range msgs {
		records = append(records, archiveEntry{Type: "message", Index: i, Message: m})
	}
	if err := blob.WriteJSONL(ctx, a.m.blobs, key, records); err != nil {
		return "", fmt.Errorf("writing archive %s: %w", key, err)
	}
	a.logger.Info("transcript archived", "key", key, "messages", len(msgs))
	return key, nil
}

type archiveHeader struct {
	Type             string    `json:"type"`
	AgentID          string    `json:"agentId"`
	SessionID        string    `json:"sessionId"`
	SessionKey       string    `json:"sessionKey"`
	Reason           string    `json:"reason"`
	ArchivedAt       time.Time `json:"archivedAt"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	MessageCount     int       `json:"messageCount"`
	InputTokens      int64     `json:"inputTokens"`
	OutputTokens     int64     `json:"outputTokens"`
	CacheReadTokens  int64     `json:"cacheReadTokens"`
	CacheWriteTokens int64     `json:"cacheWriteTokens"`
	CompactionCount  int       `json:"compactionCount"`
}

type archiveEntry struct {
	Type    string      `json:"type"`
	Index   int         `json:"index"`
	Message llm.Message `json:"message"`
}

// extractMemoriesLocked files durable facts from the transcript under the date of
// last activity. It runs in the background and only logs failures.
func (a *Actor) extractMemoriesLocked() {
	if !a.m.cfg.Compaction.MemoryEnabled {
		return
	}
	msgs := append([]llm.Message(nil), a.msgs...)
	date := a.m.noteDate(a.snap.Meta.UpdatedAt)
	logger := a.logger.With("date", date)
	model, _ := a.resolveModelLocked(Overrides{})
	m := a.m

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ExtractTimeout)
		defer cancel()

		known, err := m.notes.Read(ctx, date)
		if err != nil {
			logger.Warn("failed to read memory notes", "error", err)
		}
		facts, err := m.engine.Extract(ctx, model, msgs, m.cfg.Compaction.ContextWindow, known)
		if err != nil {
			logger.Warn("memory extraction failed", "error", err)
			return
		}
		n, err := m.notes.Append(ctx, date, facts)
		if err != nil {
			logger.Warn("failed to append memory notes", "error", err)
			return
		}
		logger.Info("memories extracted", "count", n)
	}()
}

// CompactResult describes a manual compaction.
type CompactResult struct {
	Archived   int             `json:"archived"`
	Kept       int             `json:"kept"`
	ArchiveKey string          `json:"archiveKey,omitempty"`
	Tier       compaction.Tier `json:"tier,omitempty"`
}

// Compact trims the transcript to its last keep messages, archiving the rest verbatim.
func (a *Actor) Compact(ctx context.Context, keep int) (*CompactResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("%w: keep must not be negative", ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.snap.Run != nil {
		return nil, ErrBusy
	}
	if len(a.msgs) <= keep {
		return &CompactResult{Kept: len(a.msgs)}, nil
	}

	cut := len(a.msgs) - keep
	for cut < len(a.msgs) && a.msgs[cut].Role == llm.RoleToolResult {
		cut++
	}
	archived, kept := a.msgs[:cut], append([]llm.Message(nil), a.msgs[cut:]...)

	key, err := a.archiveLocked(ctx, archived, "compact")
	if err != nil {
		return nil, err
	}
	if err := a.m.store.ReplaceMessages(ctx, a.key, kept); err != nil {
		return nil, fmt.Errorf("rewriting transcript: %w", err)
	}
	a.msgs = kept
	a.version++
	a.snap.Meta.LastInputTokens = 0
	a.snap.Meta.UpdatedAt = a.m.now()
	if err := a.saveLocked(ctx); err != nil {
		return nil, err
	}
	metrics.RecordCompaction(string(compaction.TierManual), compaction.TriggerManual)
	a.logger.Info("transcript trimmed", "archived", len(archived), "kept", len(kept))
	return &CompactResult{Archived: len(archived), Kept: len(kept), ArchiveKey: key, Tier: compaction.TierManual}, nil
}

// Info is the session.get view.
type Info struct {
	Meta          Meta   `json:"meta"`
	Running       bool   `json:"running"`
	RunID         string `json:"runId,omitempty"`
	AwaitingTools bool   `json:"awaitingTools"`
	QueueLength   int    `json:"queueLength"`
	MessageCount  int    `json:"messageCount"`
}

// Get returns metadata and run state.
func (a *Actor) Get() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := Info{
		Meta:          a.snap.Meta,
		Running:       a.snap.Run != nil,
		AwaitingTools: a.snap.awaitingTools(),
		QueueLength:   len(a.snap.Queue),
		MessageCount:  len(a.msgs),
	}
	if a.snap.Run != nil {
		info.RunID = a.snap.Run.RunID
	}
	return info
}

// Stats is the session.stats view.
type Stats struct {
	SessionID        string    `json:"sessionId"`
	MessageCount     int       `json:"messageCount"`
	EstimatedTokens  int       `json:"estimatedTokens"`
	LastInputTokens  int       `json:"lastInputTokens"`
	InputTokens      int64     `json:"inputTokens"`
	OutputTokens     int64     `json:"outputTokens"`
	CacheReadTokens  int64     `json:"cacheReadTokens"`
	CacheWriteTokens int64     `json:"cacheWriteTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	ContextWindow    int       `json:"contextWindow"`
	CompactAt        int       `json:"compactAt"`
	CompactionCount  int       `json:"compactionCount"`
	LastCompactedAt  time.Time `json:"lastCompactedAt,omitempty"`
	QueueLength      int       `json:"queueLength"`
	Running          bool      `json:"running"`
}

// Stats returns token and size accounting.
func (a *Actor) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	meta := a.snap.Meta
	return Stats{
		SessionID:        meta.SessionID,
		MessageCount:     len(a.msgs),
		EstimatedTokens:  tokens.Messages(a.msgs),
		LastInputTokens:  meta.LastInputTokens,
		InputTokens:      meta.InputTokens,
		OutputTokens:     meta.OutputTokens,
		CacheReadTokens:  meta.CacheReadTokens,
		CacheWriteTokens: meta.CacheWriteTokens,
		TotalTokens:      meta.TotalTokens(),
		ContextWindow:    a.m.cfg.Compaction.ContextWindow,
		CompactAt:        a.m.cfg.Compaction.Threshold(),
		CompactionCount:  meta.CompactionCount,
		LastCompactedAt:  meta.LastCompactedAt,
		QueueLength:      len(a.snap.Queue),
		Running:          a.snap.Run != nil,
	}
}

// Patch changes settings. Nil fields are left alone; empty strings clear an override.
type Patch struct {
	Model        *string
	Reasoning    *string
	SystemPrompt *string
	ResetPolicy  *ResetPolicy
}

// Patch applies p and returns the updated metadata.
func (a *Actor) Patch(ctx context.Context, p Patch) (*Meta, error) {
	if p.ResetPolicy != nil {
		if err := p.ResetPolicy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s := &a.snap.Meta.Settings
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.Reasoning != nil {
		s.Reasoning = *p.Reasoning
	}
	if p.SystemPrompt != nil {
		s.SystemPrompt = *p.SystemPrompt
	}
	if p.ResetPolicy != nil {
		rp := *p.ResetPolicy
		a.snap.Meta.ResetPolicy = &rp
	}
	if err := a.saveLocked(ctx); err != nil {
		return nil, err
	}
	meta := a.snap.Meta
	return &meta, nil
}

// History returns the last limit messages with their indices; limit <= 0 means all.
func (a *Actor) History(limit int) []StoredMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := 0
	if limit > 0 && len(a.msgs) > limit {
		start = len(a.msgs) - limit
	}
	out := make([]StoredMessage, 0, len(a.msgs)-start)
	for i := start; i < len(a.msgs); i++ {
		out = append(out, StoredMessage{Index: i, Message: a.msgs[i]})
	}
	return out
}

// PreviewItem is a plain-text snippet of one message.
type PreviewItem struct {
	Index     int    `json:"index"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Preview renders the last limit messages as short plain-text snippets.
func (a *Actor) Preview(limit int) []PreviewItem {
	hist := a.History(limit)
	out := make([]PreviewItem, 0, len(hist))
	for _, h := range hist {
		text := h.Message.Text()
		if text == "" && len(h.Message.ToolCalls) > 0 {
			names := make([]string, len(h.Message.ToolCalls))
			for i, tc := range h.Message.ToolCalls {
				names[i] = tc.Name
			}
			text = "[calls " + strings.Join(names, ", ") + "]"
		}
		if n := h.Message.ImageCount(); n > 0 {
			text = strings.TrimSpace(fmt.Sprintf("%s [%d image(s)]", text, n))
		}
		if len(text) > previewChars {
			text = tokens.Clip(text, previewChars) + "…"
		}
		out = append(out, PreviewItem{Index: h.Index, Role: h.Message.Role, Text: text, Timestamp: h.Message.Timestamp})
	}
	return out
}

// Snapshot returns a copy of the persisted state.
func (a *Actor) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

func (a *Actor) policyLocked() ResetPolicy {
	if a.snap.Meta.ResetPolicy != nil {
		return *a.snap.Meta.ResetPolicy
	}
	return a.m.cfg.DefaultReset
}

func (a *Actor) saveLocked(ctx context.Context) error {
	if err := a.m.store.SaveSnapshot(ctx, a.key, &a.snap); err != nil {
		return fmt.Errorf("persisting session %s: %w", a.key, err)
	}
	return nil
}

func (a *Actor) appendLocked(ctx context.Context, msg llm.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = a.m.now().UnixMilli()
	}
	if _, err := a.m.store.AppendMessage(ctx, a.key, msg); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	a.msgs = append(a.msgs, msg)
	a.version++
	return nil
}

func (a *Actor) setAlarmLocked(at time.Time) {
	a.snap.AlarmAt = at
	a.m.schedule(a.key, at)
}

func (a *Actor) clearAlarmLocked() {
	if a.snap.AlarmAt.IsZero() {
		return
	}
	a.snap.AlarmAt = time.Time{}
	a.m.cancelAlarm(a.key)
}

func (a *Actor) mediaPrefixLocked() string {
	return blob.SessionMediaPrefix(a.m.cfg.AgentID, a.snap.Meta.SessionID)
}

// userMessageLocked builds a user message: transcriptions are inlined as text and
// images are moved to blob storage and kept as references.
func (a *Actor) userMessageLocked(ctx context.Context, in ChatInput) (llm.Message, error) {
	var blocks []llm.ContentBlock
	if in.Text != "" {
		blocks = append(blocks, llm.ContentBlock{Type: llm.BlockText, Text: in.Text})
	}
	for _, item := range in.Media {
		switch {
		case item.Transcription != "":
			blocks = append(blocks, llm.ContentBlock{
				Type: llm.BlockText,
				Text: fmt.Sprintf("[%s transcription] %s", item.Type, item.Transcription),
			})
		case item.Type == "image" || media.IsImageMime(item.MimeType):
			if item.Data == "" && item.BlobKey == "" {
				continue
			}
			blocks = append(blocks, llm.ContentBlock{
				Type:     llm.BlockImage,
				MimeType: item.MimeType,
				Data:     item.Data,
				BlobKey:  item.BlobKey,
			})
		default:
			name := item.Filename
			if name == "" {
				name = item.Type
			}
			blocks = append(blocks, llm.ContentBlock{
				Type: llm.BlockText,
				Text: fmt.Sprintf("[attachment: %s (%s)]", name, item.MimeType),
			})
		}
	}
	if len(blocks) == 0 {
		return llm.Message{}, fmt.Errorf("%w: message has no content", ErrInvalidArgument)
	}

	blocks, err := a.m.media.Offload(ctx, a.mediaPrefixLocked(), blocks)
	if err != nil {
		return llm.Message{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return llm.Message{Role: llm.RoleUser, Content: blocks, Timestamp: a.m.now().UnixMilli()}, nil
}

// toolResultMessageLocked converts a resolved call into a transcript message.
func (a *Actor) toolResultMessageLocked(ctx context.Context, p PendingToolCall) llm.Message {
	msg := llm.Message{
		Role:       llm.RoleToolResult,
		ToolCallID: p.ID,
		ToolName:   p.Name,
		Timestamp:  a.m.now().UnixMilli(),
	}
	if p.Error != "" {
		msg.IsError = true
		msg.Content = []llm.ContentBlock{{Type: llm.BlockText, Text: "Error: " + p.Error}}
		return msg
	}

	blocks := decodeToolResult(p.Result)
	stored, err := a.m.media.Offload(ctx, a.mediaPrefixLocked(), blocks)
	if err != nil {
		a.logger.Warn("failed to store tool result images", "call_id", p.ID, "error", err)
		stored = make([]llm.ContentBlock, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == llm.BlockImage && b.BlobKey == "" {
				b = llm.ContentBlock{Type: llm.BlockText, Text: "[image could not be stored]"}
			}
			stored = append(stored, b)
		}
	}
	msg.Content = stored
	return msg
}

// decodeToolResult accepts a JSON string, a {"content":[blocks]} object, a bare
// block array, or any other JSON (rendered verbatim as text).
func decodeToolResult(raw json.RawMessage) []llm.ContentBlock {
	if len(raw) == 0 || string(raw) == "null" {
		return []llm.ContentBlock{{Type: llm.BlockText, Text: "(no output)"}}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []llm.ContentBlock{{Type: llm.BlockText, Text: s}}
	}

	var wrapped struct {
		Content []llm.ContentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && validBlocks(wrapped.Content) {
		return wrapped.Content
	}

	var blocks []llm.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil && validBlocks(blocks) {
		return blocks
	}

	return []llm.ContentBlock{{Type: llm.BlockText, Text: string(raw)}}
}

func validBlocks(blocks []llm.ContentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		switch b.Type {
		case llm.BlockText:
		case llm.BlockImage:
			if b.Data == "" && b.BlobKey == "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}
