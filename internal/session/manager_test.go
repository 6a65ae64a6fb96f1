// ABOUTME: Behavioural tests for the session actor driven through the Manager.
// ABOUTME: Uses a scripted completer, a recording dispatcher, and a buffered broadcaster.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/compaction"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/protocol"
)

const testKey = "agent:main:test"

// fakeLLM answers completions with reply, recording every call.
type fakeLLM struct {
	mu     sync.Mutex
	calls  []recordedCall
	reply  func(n int, model string, c llm.Context) (*llm.Message, error)
	active atomic.Int32
	peak   atomic.Int32
}

type recordedCall struct {
	Model string
	Ctx   llm.Context
}

func (f *fakeLLM) Complete(ctx context.Context, model string, c llm.Context, _ llm.Options) (*llm.Message, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	idx := len(f.calls)
	f.calls = append(f.calls, recordedCall{Model: model, Ctx: c})
	f.mu.Unlock()

	if f.reply == nil {
		return assistantText("ok"), nil
	}
	return f.reply(idx, model, c)
}

func (f *fakeLLM) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

// mainCalls filters out summarizer and memory extractor calls.
func (f *fakeLLM) mainCalls() []recordedCall {
	var out []recordedCall
	for _, c := range f.Calls() {
		if !isHousekeeping(c.Ctx) {
			out = append(out, c)
		}
	}
	return out
}

func isHousekeeping(c llm.Context) bool {
	return strings.HasPrefix(c.SystemPrompt, "You compress") || strings.HasPrefix(c.SystemPrompt, "You extract")
}

func assistantText(text string) *llm.Message {
	return &llm.Message{
		Role:       llm.RoleAssistant,
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: llm.StopEnd,
		Usage:      &llm.Usage{InputTokens: 10, OutputTokens: 2},
	}
}

func assistantCalls(calls ...llm.ToolCall) *llm.Message {
	return &llm.Message{Role: llm.RoleAssistant, ToolCalls: calls, StopReason: llm.StopToolUse}
}

type dispatched struct {
	Key   string
	Call  llm.ToolCall
	Route ToolRoute
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
	ch    chan dispatched
	hook  func(d dispatched) error
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{ch: make(chan dispatched, 64)}
}

func (d *recordingDispatcher) DispatchTool(_ context.Context, key string, call llm.ToolCall, route ToolRoute) error {
	rec := dispatched{Key: key, Call: call, Route: route}
	d.mu.Lock()
	d.calls = append(d.calls, rec)
	d.mu.Unlock()
	if d.hook != nil {
		if err := d.hook(rec); err != nil {
			return err
		}
	}
	d.ch <- rec
	return nil
}

type chanBroadcaster struct {
	ch chan Event
}

func (b *chanBroadcaster) Broadcast(ev Event) {
	b.ch <- ev
}

type harness struct {
	m      *Manager
	store  Store
	blobs  *blob.MemoryStore
	llm    *fakeLLM
	disp   *recordingDispatcher
	events chan Event
}

func newHarness(t *testing.T, cfg Config, store Store, fake *fakeLLM) *harness {
	t.Helper()
	if store == nil {
		store = setupTestStore(t)
	}
	if fake == nil {
		fake = &fakeLLM{}
	}
	blobs := blob.NewMemoryStore()
	m := NewManager(cfg, Deps{
		Store:     store,
		Blobs:     blobs,
		Completer: fake,
		Prompts:   StaticPrompt{SystemPrompt: "You are a test agent."},
	})
	h := &harness{
		m:      m,
		store:  store,
		blobs:  blobs,
		llm:    fake,
		disp:   newRecordingDispatcher(),
		events: make(chan Event, 256),
	}
	m.Attach(h.disp, &chanBroadcaster{ch: h.events})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return h
}

func (h *harness) waitEvent(t *testing.T, state string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", state)
			return Event{}
		}
	}
}

func (h *harness) waitDispatch(t *testing.T) dispatched {
	t.Helper()
	select {
	case d := <-h.disp.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tool dispatch")
		return dispatched{}
	}
}

func (h *harness) send(t *testing.T, text string) *SendResult {
	t.Helper()
	res, err := h.m.ChatSend(context.Background(), testKey, ChatInput{Text: text})
	require.NoError(t, err)
	return res
}

func TestChatSend_FinalReply(t *testing.T) {
	h := newHarness(t, Config{DefaultModel: "default-model"}, nil, &fakeLLM{
		reply: func(int, string, llm.Context) (*llm.Message, error) { return assistantText("hello back"), nil },
	})

	res := h.send(t, "hello")
	assert.Equal(t, StatusStarted, res.Status)
	assert.NotEmpty(t, res.RunID)

	ev := h.waitEvent(t, StateFinal)
	assert.Equal(t, res.RunID, ev.RunID)
	assert.Equal(t, testKey, ev.SessionKey)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello back", ev.Message.Text())

	hist, err := h.m.History(context.Background(), testKey, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, llm.RoleUser, hist[0].Message.Role)
	assert.Equal(t, "default-model", hist[1].Message.Model)

	calls := h.llm.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "default-model", calls[0].Model)
	assert.Equal(t, "You are a test agent.", calls[0].Ctx.SystemPrompt)

	st, err := h.m.Stats(context.Background(), testKey)
	require.NoError(t, err)
	assert.EqualValues(t, 10, st.InputTokens)
	assert.EqualValues(t, 2, st.OutputTokens)
	assert.Equal(t, 10, st.LastInputTokens)
	assert.False(t, st.Running)
}

func TestChatSend_RejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	_, err := h.m.ChatSend(context.Background(), testKey, ChatInput{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.m.ChatSend(context.Background(), "", ChatInput{Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestChatSend_AtMostOneRun(t *testing.T) {
	gate := make(chan struct{})
	var first atomic.Bool
	fake := &fakeLLM{reply: func(_ int, _ string, c llm.Context) (*llm.Message, error) {
		if first.CompareAndSwap(false, true) {
			<-gate
		}
		last := c.Messages[len(c.Messages)-1]
		return assistantText("re: " + last.Text()), nil
	}}
	h := newHarness(t, Config{}, nil, fake)

	started := h.send(t, "m0")
	require.Equal(t, StatusStarted, started.Status)

	const n = 4
	results := make([]*SendResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.m.ChatSend(context.Background(), testKey, ChatInput{Text: "queued"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	order := make([]string, n)
	for _, r := range results {
		require.Equal(t, StatusQueued, r.Status)
		require.GreaterOrEqual(t, r.Position, 1)
		require.LessOrEqual(t, r.Position, n)
		order[r.Position-1] = r.RunID
	}

	info, err := h.m.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, n, info.QueueLength)

	close(gate)

	finals := []string{h.waitEvent(t, StateFinal).RunID}
	for i := 0; i < n; i++ {
		finals = append(finals, h.waitEvent(t, StateFinal).RunID)
	}
	assert.Equal(t, append([]string{started.RunID}, order...), finals)
	assert.EqualValues(t, 1, fake.peak.Load(), "model calls for one session never overlap")

	hist, err := h.m.History(context.Background(), testKey, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2*(n+1))
}

func TestToolLoop_TimeoutFoldsInPartialFailure(t *testing.T) {
	fake := &fakeLLM{reply: func(n int, _ string, c llm.Context) (*llm.Message, error) {
		if n == 0 {
			return assistantCalls(
				llm.ToolCall{ID: "call-a", Name: "alpha", Args: json.RawMessage(`{}`)},
				llm.ToolCall{ID: "call-b", Name: "beta", Args: json.RawMessage(`{}`)},
			), nil
		}
		return assistantText("done"), nil
	}}
	h := newHarness(t, Config{ToolTimeout: 150 * time.Millisecond}, nil, fake)

	h.send(t, "use tools")
	first := h.waitDispatch(t)
	second := h.waitDispatch(t)
	assert.ElementsMatch(t, []string{"call-a", "call-b"}, []string{first.Call.ID, second.Call.ID})
	assert.Equal(t, "alpha", first.Route.Tool)

	require.NoError(t, h.m.ToolResult(context.Background(), testKey, "call-a", json.RawMessage(`"alpha ok"`), ""))

	h.waitEvent(t, StateFinal)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	msgs := calls[1].Ctx.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleToolResult, msgs[2].Role)
	assert.Equal(t, "call-a", msgs[2].ToolCallID)
	assert.Equal(t, "alpha ok", msgs[2].Text())
	assert.False(t, msgs[2].IsError)

	assert.Equal(t, "call-b", msgs[3].ToolCallID)
	assert.True(t, msgs[3].IsError)
	assert.Equal(t, "Error: tool call timed out after 150ms", msgs[3].Text())
}

func TestToolResult_UnknownAndDuplicateIgnored(t *testing.T) {
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			return assistantCalls(llm.ToolCall{ID: "c1", Name: "echo"}, llm.ToolCall{ID: "c2", Name: "echo"}), nil
		}
		return assistantText("done"), nil
	}}
	h := newHarness(t, Config{ToolTimeout: time.Minute}, nil, fake)
	ctx := context.Background()

	h.send(t, "go")
	h.waitDispatch(t)
	h.waitDispatch(t)

	require.NoError(t, h.m.ToolResult(ctx, testKey, "nope", json.RawMessage(`"x"`), ""))
	require.NoError(t, h.m.ToolResult(ctx, testKey, "c1", json.RawMessage(`"first"`), ""))
	require.NoError(t, h.m.ToolResult(ctx, testKey, "c1", json.RawMessage(`"second"`), ""))

	info, err := h.m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, info.AwaitingTools, "c2 is still outstanding")

	require.NoError(t, h.m.ToolResult(ctx, testKey, "c2", nil, "boom"))
	h.waitEvent(t, StateFinal)

	msgs := fake.Calls()[1].Ctx.Messages
	assert.Equal(t, "first", msgs[2].Text())
	assert.Equal(t, "Error: boom", msgs[3].Text())
}

func TestToolLoop_DispatchErrorResolvesImmediately(t *testing.T) {
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			return assistantCalls(llm.ToolCall{ID: "c1", Name: "missing"}), nil
		}
		return assistantText("recovered"), nil
	}}
	h := newHarness(t, Config{ToolTimeout: time.Minute}, nil, fake)
	h.disp.hook = func(dispatched) error { return errors.New("tool not found: missing") }

	h.send(t, "go")
	ev := h.waitEvent(t, StateFinal)
	assert.Equal(t, "recovered", ev.Message.Text())

	msgs := fake.Calls()[1].Ctx.Messages
	assert.True(t, msgs[2].IsError)
	assert.Contains(t, msgs[2].Text(), "tool not found")
}

func TestToolLoop_QueuedMessageJoinsActiveRun(t *testing.T) {
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			return &llm.Message{
				Role:       llm.RoleAssistant,
				Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: "checking"}},
				ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "lookup"}},
				StopReason: llm.StopToolUse,
			}, nil
		}
		return assistantText("both answered"), nil
	}}
	h := newHarness(t, Config{ToolTimeout: time.Minute, DefaultModel: "base"}, nil, fake)
	ctx := context.Background()

	first := h.send(t, "first question")
	partial := h.waitEvent(t, StatePartial)
	assert.Equal(t, "checking", partial.Message.Text())
	h.waitDispatch(t)

	second, err := h.m.ChatSend(ctx, testKey, ChatInput{Text: "second question", Overrides: Overrides{Model: "override"}})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, second.Status)

	require.NoError(t, h.m.ToolResult(ctx, testKey, "c1", json.RawMessage(`"found"`), ""))

	got := map[string]bool{}
	got[h.waitEvent(t, StateFinal).RunID] = true
	got[h.waitEvent(t, StateFinal).RunID] = true
	assert.Equal(t, map[string]bool{first.RunID: true, second.RunID: true}, got)

	calls := fake.Calls()
	require.Len(t, calls, 2, "the queued message does not need a run of its own")
	assert.Equal(t, "base", calls[0].Model)
	assert.Equal(t, "override", calls[1].Model)
	msgs := calls[1].Ctx.Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleToolResult, msgs[2].Role)
	assert.Equal(t, "second question", msgs[3].Text())
}

func TestAbort_CancelsRunAndStartsQueued(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			<-release
		}
		return assistantText("ok"), nil
	}}
	h := newHarness(t, Config{}, nil, fake)
	ctx := context.Background()

	first := h.send(t, "slow")
	queued := h.send(t, "after")
	require.Equal(t, StatusQueued, queued.Status)

	_, err := h.m.Compact(ctx, testKey, 1)
	assert.ErrorIs(t, err, ErrBusy)

	aborted, err := h.m.Abort(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, aborted)

	ev := h.waitEvent(t, StateError)
	assert.Equal(t, first.RunID, ev.RunID)
	assert.Equal(t, "Run aborted", ev.ErrorMessage)

	close(release)
	final := h.waitEvent(t, StateFinal)
	assert.Equal(t, queued.RunID, final.RunID)

	aborted, err = h.m.Abort(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestAutoReset_IdleMovesMessageIntoFreshTranscript(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	last := time.Now().UTC().Add(-61 * time.Minute)
	require.NoError(t, store.SaveSnapshot(ctx, testKey, &Snapshot{Meta: Meta{
		SessionID:    "old-session",
		SessionKey:   testKey,
		CreatedAt:    last.Add(-time.Hour),
		UpdatedAt:    last,
		InputTokens:  500,
		OutputTokens: 50,
		ResetPolicy:  &ResetPolicy{Mode: ResetIdle, IdleMinutes: 60},
	}}))
	_, err := store.AppendMessage(ctx, testKey, llm.NewUserText("old question"))
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, testKey, *assistantText("old answer"))
	require.NoError(t, err)

	h := newHarness(t, Config{AgentID: "main"}, store, nil)

	h.send(t, "fresh start")
	h.waitEvent(t, StateFinal)

	hist, err := h.m.History(ctx, testKey, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 0, hist[0].Index)
	assert.Equal(t, "fresh start", hist[0].Message.Text())

	info, err := h.m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, "old-session", info.Meta.SessionID)
	assert.Equal(t, []string{"old-session"}, info.Meta.PreviousSessionIDs)
	assert.EqualValues(t, 10, info.Meta.InputTokens, "counters restart with the new session")

	records, err := blob.ReadJSONL(ctx, h.blobs, blob.SessionArchiveKey("main", "old-session"))
	require.NoError(t, err)
	assert.Len(t, records, 3, "header plus two messages")
}

func TestReset_ArchivesAndRotates(t *testing.T) {
	h := newHarness(t, Config{AgentID: "main"}, nil, nil)
	ctx := context.Background()

	h.send(t, "one")
	h.waitEvent(t, StateFinal)
	h.send(t, "two")
	h.waitEvent(t, StateFinal)

	before, err := h.m.Get(ctx, testKey)
	require.NoError(t, err)
	oldID := before.Meta.SessionID

	mediaKey := blob.SessionMediaPrefix("main", oldID) + "x.png"
	require.NoError(t, h.blobs.Put(ctx, mediaKey, []byte("png"), "image/png"))

	res, err := h.m.Reset(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, oldID, res.OldSessionID)
	assert.NotEqual(t, oldID, res.NewSessionID)
	assert.Equal(t, 4, res.Archived)
	assert.Equal(t, blob.SessionArchiveKey("main", oldID), res.ArchiveKey)

	after, err := h.m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, res.NewSessionID, after.Meta.SessionID)
	assert.Equal(t, []string{oldID}, after.Meta.PreviousSessionIDs)
	assert.Zero(t, after.Meta.TotalTokens())
	assert.Zero(t, after.MessageCount)

	_, err = h.blobs.Get(ctx, mediaKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	records, err := blob.ReadJSONL(ctx, h.blobs, res.ArchiveKey)
	require.NoError(t, err)
	require.Len(t, records, 5)
	var header map[string]any
	require.NoError(t, json.Unmarshal(records[0], &header))
	assert.Equal(t, "session", header["type"])
	assert.EqualValues(t, 4, header["messageCount"])
}

func TestReset_ExtractsMemoriesUnderLastActivityDate(t *testing.T) {
	fake := &fakeLLM{reply: func(_ int, _ string, c llm.Context) (*llm.Message, error) {
		if strings.HasPrefix(c.SystemPrompt, "You extract") {
			return assistantText("<memories>\n- The user's cat is named Miso\n</memories>"), nil
		}
		return assistantText("noted"), nil
	}}
	h := newHarness(t, Config{
		AgentID:    "main",
		Location:   time.UTC,
		Compaction: compaction.Settings{MemoryEnabled: true, ContextWindow: 100000},
	}, nil, fake)
	ctx := context.Background()

	h.send(t, "my cat is Miso")
	h.waitEvent(t, StateFinal)
	info, err := h.m.Get(ctx, testKey)
	require.NoError(t, err)
	date := compaction.NoteDate(info.Meta.UpdatedAt.In(time.UTC))

	_, err = h.m.Reset(ctx, testKey)
	require.NoError(t, err)
	h.m.Wait()

	data, err := h.blobs.Get(ctx, blob.MemoryNoteKey("main", date))
	require.NoError(t, err)
	assert.Contains(t, string(data), "- The user's cat is named Miso")
}

func TestOverflow_CompactsOnceAndRetries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	long := strings.Repeat("x", 400)
	for _, m := range []llm.Message{llm.NewUserText("a"), *assistantText(long), llm.NewUserText("b"), *assistantText(long)} {
		_, err := store.AppendMessage(ctx, testKey, m)
		require.NoError(t, err)
	}

	var mainCalls atomic.Int32
	fake := &fakeLLM{reply: func(_ int, _ string, c llm.Context) (*llm.Message, error) {
		if strings.HasPrefix(c.SystemPrompt, "You compress") {
			return assistantText("<summary>Earlier the user said a and b.</summary>"), nil
		}
		if mainCalls.Add(1) == 1 {
			return nil, llm.ErrContextOverflow
		}
		return assistantText("fits now"), nil
	}}
	h := newHarness(t, Config{Compaction: compaction.Settings{
		Enabled:          true,
		ContextWindow:    100000,
		ReserveTokens:    1000,
		KeepRecentTokens: 40,
	}}, store, fake)

	h.send(t, "retry me")
	ev := h.waitEvent(t, StateFinal)
	assert.Equal(t, "fits now", ev.Message.Text())

	main := fake.mainCalls()
	require.Len(t, main, 2)
	retry := main[1].Ctx.Messages
	require.Len(t, retry, 2)
	assert.True(t, compaction.IsSummary(retry[0]))
	assert.Contains(t, retry[0].Text(), "Earlier the user said a and b.")
	assert.Equal(t, "retry me", retry[1].Text())

	info, err := h.m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Meta.CompactionCount)
	assert.False(t, info.Meta.LastCompactedAt.IsZero())
}

func TestOverflow_SecondOverflowIsFatal(t *testing.T) {
	fake := &fakeLLM{reply: func(_ int, _ string, c llm.Context) (*llm.Message, error) {
		if strings.HasPrefix(c.SystemPrompt, "You compress") {
			return assistantText("<summary>s</summary>"), nil
		}
		return nil, llm.ErrContextOverflow
	}}
	h := newHarness(t, Config{Compaction: compaction.Settings{Enabled: true, ContextWindow: 100000, ReserveTokens: 1000}}, nil, fake)

	h.send(t, "too big")
	ev := h.waitEvent(t, StateError)
	assert.Equal(t, overflowMessage, ev.ErrorMessage)
	assert.Len(t, fake.mainCalls(), 2)

	info, err := h.m.Get(context.Background(), testKey)
	require.NoError(t, err)
	assert.False(t, info.Running, "the session stays usable")
}

func TestRunErrors_EmptyAndFailedReplies(t *testing.T) {
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		switch n {
		case 0:
			return &llm.Message{Role: llm.RoleAssistant, StopReason: llm.StopEnd}, nil
		case 1:
			return nil, errors.New("upstream 500")
		default:
			return &llm.Message{Role: llm.RoleAssistant, StopReason: llm.StopError, ErrorMessage: "rate limited"}, nil
		}
	}}
	h := newHarness(t, Config{}, nil, fake)

	h.send(t, "a")
	assert.Equal(t, "Model returned an empty response", h.waitEvent(t, StateError).ErrorMessage)
	h.send(t, "b")
	assert.Contains(t, h.waitEvent(t, StateError).ErrorMessage, "upstream 500")
	h.send(t, "c")
	assert.Equal(t, "rate limited", h.waitEvent(t, StateError).ErrorMessage)

	hist, err := h.m.History(context.Background(), testKey, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "failed replies are not persisted")
}

func TestMaxTurns_StopsRunawayLoop(t *testing.T) {
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		return assistantCalls(llm.ToolCall{ID: "c" + string(rune('a'+n)), Name: "again"}), nil
	}}
	h := newHarness(t, Config{MaxTurns: 2, ToolTimeout: time.Minute}, nil, fake)
	h.disp.hook = func(d dispatched) error {
		go func() {
			_ = h.m.ToolResult(context.Background(), d.Key, d.Call.ID, json.RawMessage(`"ok"`), "")
		}()
		return nil
	}

	h.send(t, "loop forever")
	ev := h.waitEvent(t, StateError)
	assert.Equal(t, "Run stopped after 2 model calls without a final answer", ev.ErrorMessage)
	assert.Len(t, fake.Calls(), 2)
}

func TestHibernation_NewManagerResumesPendingRun(t *testing.T) {
	store := setupTestStore(t)
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			return assistantCalls(llm.ToolCall{ID: "c1", Name: "slow"}), nil
		}
		return assistantText("resumed"), nil
	}}
	ctx := context.Background()

	first := newHarness(t, Config{ToolTimeout: time.Minute}, store, fake)
	res := first.send(t, "start")
	first.waitDispatch(t)

	before, err := first.m.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, before.AwaitingTools)
	require.NoError(t, first.m.Stop(ctx))

	second := newHarness(t, Config{ToolTimeout: time.Minute}, store, fake)
	restored, err := second.m.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, before.Meta, restored.Meta)
	assert.Equal(t, before.RunID, restored.RunID)
	assert.True(t, restored.AwaitingTools)

	require.NoError(t, second.m.ToolResult(ctx, testKey, "c1", json.RawMessage(`"done"`), ""))
	ev := second.waitEvent(t, StateFinal)
	assert.Equal(t, res.RunID, ev.RunID)
	assert.Equal(t, "resumed", ev.Message.Text())
}

func TestHibernation_ResumeDoesNotRepeatLoggedResults(t *testing.T) {
	store := setupTestStore(t)
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			return assistantCalls(llm.ToolCall{ID: "c1", Name: "a"}, llm.ToolCall{ID: "c2", Name: "b"}), nil
		}
		return assistantText("both back"), nil
	}}
	ctx := context.Background()
	cfg := Config{ToolTimeout: time.Minute}

	first := newHarness(t, cfg, store, fake)
	first.send(t, "start")
	first.waitDispatch(t)
	first.waitDispatch(t)
	require.NoError(t, first.m.ToolResult(ctx, testKey, "c1", json.RawMessage(`"one"`), ""))
	require.NoError(t, first.m.Stop(ctx))

	// The c1 result reached the log but the cleared pending set was never saved.
	_, err := store.AppendMessage(ctx, testKey, llm.Message{
		Role:       llm.RoleToolResult,
		ToolCallID: "c1",
		ToolName:   "a",
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: "one"}},
	})
	require.NoError(t, err)

	second := newHarness(t, cfg, store, fake)
	require.NoError(t, second.m.ToolResult(ctx, testKey, "c2", json.RawMessage(`"two"`), ""))
	ev := second.waitEvent(t, StateFinal)
	assert.Equal(t, "both back", ev.Message.Text())

	hist, err := second.m.History(ctx, testKey, 0)
	require.NoError(t, err)
	results := map[string]int{}
	for _, h := range hist {
		if h.Message.Role == llm.RoleToolResult {
			results[h.Message.ToolCallID]++
		}
	}
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1}, results)
}

func TestHibernation_AlarmRestoredOnStart(t *testing.T) {
	store := setupTestStore(t)
	fake := &fakeLLM{reply: func(n int, _ string, _ llm.Context) (*llm.Message, error) {
		if n == 0 {
			return assistantCalls(llm.ToolCall{ID: "c1", Name: "never"}), nil
		}
		return assistantText("gave up waiting"), nil
	}}
	ctx := context.Background()

	first := newHarness(t, Config{ToolTimeout: 300 * time.Millisecond}, store, fake)
	first.send(t, "start")
	first.waitDispatch(t)
	require.NoError(t, first.m.Stop(ctx))

	second := newHarness(t, Config{ToolTimeout: 300 * time.Millisecond}, store, fake)
	ev := second.waitEvent(t, StateFinal)
	assert.Equal(t, "gave up waiting", ev.Message.Text())
}

func TestEvict_ReloadsFromStore(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()

	h.send(t, "remember me")
	h.waitEvent(t, StateFinal)
	h.m.Wait()

	require.Eventually(t, func() bool { return h.m.Evict(testKey) }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.m.ActorCount())

	hist, err := h.m.History(ctx, testKey, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "remember me", hist[0].Message.Text())
}

func TestManualCompact_ArchivesPrefix(t *testing.T) {
	h := newHarness(t, Config{AgentID: "main"}, nil, nil)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		h.send(t, text)
		h.waitEvent(t, StateFinal)
	}

	res, err := h.m.Compact(ctx, testKey, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Archived)
	assert.Equal(t, 2, res.Kept)
	assert.Equal(t, compaction.TierManual, res.Tier)

	hist, err := h.m.History(ctx, testKey, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 0, hist[0].Index)
	assert.Equal(t, "three", hist[0].Message.Text())

	records, err := blob.ReadJSONL(ctx, h.blobs, res.ArchiveKey)
	require.NoError(t, err)
	assert.Len(t, records, 5)

	_, err = h.m.Compact(ctx, testKey, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	noop, err := h.m.Compact(ctx, testKey, 10)
	require.NoError(t, err)
	assert.Zero(t, noop.Archived)
	assert.Empty(t, noop.Tier)
}

func TestPatch_SettingsResolveModel(t *testing.T) {
	h := newHarness(t, Config{DefaultModel: "default"}, nil, nil)
	ctx := context.Background()

	model := "patched"
	prompt := "Custom prompt."
	meta, err := h.m.Patch(ctx, testKey, Patch{Model: &model, SystemPrompt: &prompt})
	require.NoError(t, err)
	assert.Equal(t, "patched", meta.Settings.Model)

	_, err = h.m.Patch(ctx, testKey, Patch{ResetPolicy: &ResetPolicy{Mode: "weekly"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	h.send(t, "hi")
	h.waitEvent(t, StateFinal)
	_, err = h.m.ChatSend(ctx, testKey, ChatInput{Text: "again", Overrides: Overrides{Model: "one-off"}})
	require.NoError(t, err)
	h.waitEvent(t, StateFinal)

	calls := h.llm.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "patched", calls[0].Model)
	assert.Equal(t, "Custom prompt.", calls[0].Ctx.SystemPrompt)
	assert.Equal(t, "one-off", calls[1].Model)
}

func TestSetDefaults_AppliesToSessionsWithoutSettings(t *testing.T) {
	h := newHarness(t, Config{DefaultModel: "default", DefaultReasoning: "low"}, nil, nil)

	h.m.SetDefaults("runtime", "")
	model, reasoning := h.m.Defaults()
	assert.Equal(t, "runtime", model)
	assert.Equal(t, "low", reasoning)

	h.send(t, "hi")
	h.waitEvent(t, StateFinal)
	calls := h.llm.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "runtime", calls[0].Model)
}

func TestChatSend_MediaIsOffloaded(t *testing.T) {
	h := newHarness(t, Config{AgentID: "main"}, nil, nil)
	ctx := context.Background()

	_, err := h.m.ChatSend(ctx, testKey, ChatInput{
		Text: "look",
		Media: []protocol.MediaItem{
			{Type: "image", MimeType: "image/png", Data: "iVBORw0KGgo="},
			{Type: "audio", MimeType: "audio/ogg", Transcription: "hello from a voice note"},
			{Type: "file", MimeType: "application/pdf", Filename: "report.pdf"},
		},
	})
	require.NoError(t, err)
	h.waitEvent(t, StateFinal)

	hist, err := h.m.History(ctx, testKey, 0)
	require.NoError(t, err)
	user := hist[0].Message
	require.Len(t, user.Content, 4)
	img := user.Content[1]
	assert.Equal(t, llm.BlockImage, img.Type)
	assert.Empty(t, img.Data, "stored messages never carry inline image bytes")
	assert.NotEmpty(t, img.BlobKey)
	assert.Contains(t, user.Content[2].Text, "hello from a voice note")
	assert.Contains(t, user.Content[3].Text, "report.pdf")

	sent := h.llm.Calls()[0].Ctx.Messages[0].Content[1]
	assert.Equal(t, "iVBORw0KGgo=", sent.Data, "images are hydrated for the model call")

	preview, err := h.m.Preview(ctx, testKey, 1)
	require.NoError(t, err)
	require.Len(t, preview, 1)
	assert.Equal(t, llm.RoleAssistant, preview[0].Role)
}

func TestPreview_CutsOnRuneBoundary(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	h.send(t, strings.Repeat("é", 150))
	h.waitEvent(t, StateFinal)

	preview, err := h.m.Preview(context.Background(), testKey, 2)
	require.NoError(t, err)
	require.Len(t, preview, 2)
	text := preview[0].Text
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, strings.Repeat("é", 100)+"…", text)
}

func TestDecodeToolResult(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []llm.ContentBlock
	}{
		{"string", `"plain"`, []llm.ContentBlock{{Type: llm.BlockText, Text: "plain"}}},
		{"wrapped", `{"content":[{"type":"text","text":"w"}]}`, []llm.ContentBlock{{Type: llm.BlockText, Text: "w"}}},
		{"array", `[{"type":"text","text":"a"},{"type":"image","mimeType":"image/png","data":"AA=="}]`, []llm.ContentBlock{
			{Type: llm.BlockText, Text: "a"},
			{Type: llm.BlockImage, MimeType: "image/png", Data: "AA=="},
		}},
		{"object", `{"count":3}`, []llm.ContentBlock{{Type: llm.BlockText, Text: `{"count":3}`}}},
		{"null", `null`, []llm.ContentBlock{{Type: llm.BlockText, Text: "(no output)"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decodeToolResult(json.RawMessage(tc.raw)))
		})
	}
}
