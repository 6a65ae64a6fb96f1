// ABOUTME: The agent loop: folds tool results into the transcript, calls the model, and dispatches tool calls.
// ABOUTME: The actor mutex is released around every model call and every tool dispatch.

package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/compaction"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/metrics"
)

// overflowMessage is shown when a run cannot fit the context window even after compaction.
const overflowMessage = "The conversation is too large for the model's context window. Reset the session to continue."

// startLoopLocked makes sure a loop goroutine will look at the session. A request
// that arrives while the loop is running makes it re-check before exiting.
func (a *Actor) startLoopLocked() {
	if a.looping {
		a.rerun = true
		return
	}
	a.looping = true
	a.m.wg.Add(1)
	go func() {
		defer a.m.wg.Done()
		a.loop()
	}()
}

func (a *Actor) readyLocked() bool {
	return a.snap.Run != nil && !a.snap.awaitingTools() && !a.m.stopping()
}

func (a *Actor) loop() {
	for {
		a.mu.Lock()
		a.rerun = false
		if !a.readyLocked() {
			a.looping = false
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		if yield := a.step(); yield {
			a.mu.Lock()
			if !a.rerun {
				a.looping = false
				a.mu.Unlock()
				return
			}
			a.mu.Unlock()
		}
	}
}

// step performs one model call for the active run. It returns true when the run
// is waiting on something outside the loop (tool results or an alarm).
func (a *Actor) step() bool {
	ctx := a.m.ctx

	a.mu.Lock()
	run := a.snap.Run
	if run == nil || a.snap.awaitingTools() {
		a.mu.Unlock()
		return true
	}
	runID := run.RunID
	a.clearAlarmLocked()

	consumed, err := a.consumeResultsLocked(ctx)
	if err != nil {
		a.failLocked(ctx, err)
		a.mu.Unlock()
		return false
	}

	overrides := run.Overrides
	if consumed && len(a.snap.Queue) > 0 {
		if overrides, err = a.spliceQueueLocked(ctx, overrides); err != nil {
			a.failLocked(ctx, err)
			a.mu.Unlock()
			return false
		}
	}

	if limit := a.m.cfg.MaxTurns; limit > 0 && run.Turns >= limit {
		a.logger.Warn("run hit max turns", "run_id", runID, "turns", run.Turns)
		a.finishRunLocked(ctx, StateError, nil, fmt.Sprintf("Run stopped after %d model calls without a final answer", limit))
		a.mu.Unlock()
		return false
	}
	run.Turns++
	if err := a.saveLocked(ctx); err != nil {
		a.failLocked(ctx, err)
		a.mu.Unlock()
		return false
	}

	model, reasoning := a.resolveModelLocked(overrides)
	sessionPrompt := a.snap.Meta.Settings.SystemPrompt
	tools := run.Tools
	a.mu.Unlock()

	prompt, err := a.m.prompts.Build(ctx, a.key)
	if err != nil {
		a.logger.Warn("failed to build prompt", "error", err)
	}
	systemPrompt := prompt.SystemPrompt
	if sessionPrompt != "" {
		systemPrompt = sessionPrompt
	}
	tools = mergeTools(tools, prompt.Tools)

	return a.complete(ctx, runID, model, reasoning, systemPrompt, tools)
}

// complete runs proactive compaction if due, calls the model, and handles the reply.
func (a *Actor) complete(ctx context.Context, runID, model, reasoning, systemPrompt string, tools []llm.Tool) bool {
	if a.m.cfg.Compaction.Enabled {
		a.mu.Lock()
		due := compaction.ShouldCompact(a.msgs, systemPrompt, a.snap.Meta.LastInputTokens, a.m.cfg.Compaction)
		a.mu.Unlock()
		if due {
			a.compact(ctx, model, compaction.TriggerProactive)
		}
	}

	a.mu.Lock()
	if !a.currentLocked(runID) {
		a.mu.Unlock()
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, a.m.cfg.LLMTimeout)
	defer cancel()
	a.cancelCall = cancel
	msgs := append([]llm.Message(nil), a.msgs...)
	a.mu.Unlock()

	hydrated := a.m.media.Hydrate(callCtx, a.logger, msgs)
	spanCtx, span := metrics.StartSpan(callCtx, "session.complete", trace.WithAttributes(
		attribute.String("session_key", a.key),
		attribute.String("run_id", runID),
		attribute.String("model", model),
		attribute.Int("messages", len(hydrated)),
	))
	start := time.Now()
	reply, err := a.m.completer.Complete(spanCtx, model, llm.Context{
		SystemPrompt: systemPrompt,
		Messages:     hydrated,
		Tools:        tools,
	}, llm.Options{Reasoning: reasoning})
	elapsed := time.Since(start)
	span.End()
	metrics.RecordLLMCall(model, err == nil && reply != nil && reply.StopReason != llm.StopError, elapsed)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelCall = nil
	if !a.currentLocked(runID) {
		a.logger.Debug("dropping reply for finished run", "run_id", runID)
		return false
	}
	run := a.snap.Run

	if a.m.stopping() {
		// Leave the run in place and resume it from a persisted alarm after restart.
		a.snap.AlarmAt = a.m.now()
		if err := a.saveLocked(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("failed to persist run for resume", "error", err)
		}
		return true
	}

	if llm.IsContextOverflow(reply, err) {
		if a.m.cfg.Compaction.Enabled && !run.CompactionAttempted {
			run.CompactionAttempted = true
			run.Turns--
			if err := a.saveLocked(ctx); err != nil {
				a.failLocked(ctx, err)
				return false
			}
			a.logger.Warn("context overflow, compacting before retry", "run_id", runID)
			a.mu.Unlock()
			a.compact(ctx, model, compaction.TriggerOverflow)
			a.mu.Lock()
			return false
		}
		a.logger.Error("context overflow after compaction", "run_id", runID)
		a.finishRunLocked(ctx, StateError, nil, overflowMessage)
		return false
	}

	switch {
	case err != nil:
		a.logger.Error("model call failed", "run_id", runID, "model", model, "error", err)
		a.finishRunLocked(ctx, StateError, nil, fmt.Sprintf("Model call failed: %v", err))
		return false
	case reply.StopReason == llm.StopError:
		text := reply.ErrorMessage
		if text == "" {
			text = "Model returned an error"
		}
		a.logger.Error("model returned an error", "run_id", runID, "error", text)
		a.finishRunLocked(ctx, StateError, nil, text)
		return false
	case llm.IsEmpty(reply):
		a.logger.Warn("model returned an empty response", "run_id", runID)
		a.finishRunLocked(ctx, StateError, nil, "Model returned an empty response")
		return false
	}

	if reply.Model == "" {
		reply.Model = model
	}
	for i := range reply.ToolCalls {
		if reply.ToolCalls[i].ID == "" {
			reply.ToolCalls[i].ID = "call_" + a.m.newID()
		}
	}
	a.recordUsageLocked(reply)
	if err := a.appendLocked(ctx, *reply); err != nil {
		a.failLocked(ctx, err)
		return false
	}

	if len(reply.ToolCalls) == 0 {
		a.finishRunLocked(ctx, StateFinal, reply, "")
		return false
	}
	return a.dispatchLocked(ctx, reply)
}

// dispatchLocked registers the reply's tool calls, arms the timeout, and sends them.
// It is entered and left with the mutex held but releases it while dispatching.
func (a *Actor) dispatchLocked(ctx context.Context, reply *llm.Message) bool {
	run := a.snap.Run
	runID := run.RunID
	routes := run.Routes

	if reply.Text() != "" {
		a.m.broadcaster().Broadcast(Event{SessionKey: a.key, RunID: runID, State: StatePartial, Message: reply})
	}
	for _, tc := range reply.ToolCalls {
		a.snap.Pending = append(a.snap.Pending, PendingToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	a.setAlarmLocked(a.m.now().Add(a.m.cfg.ToolTimeout))
	if err := a.saveLocked(ctx); err != nil {
		a.failLocked(ctx, err)
		return false
	}
	calls := reply.ToolCalls
	a.mu.Unlock()

	dispatcher := a.m.dispatcher()
	for _, tc := range calls {
		route, ok := routes[tc.Name]
		if !ok {
			route = ToolRoute{Tool: tc.Name}
		}
		err := dispatcher.DispatchTool(ctx, a.key, tc, route)
		if err == nil {
			a.logger.Debug("tool call dispatched", "call_id", tc.ID, "tool", tc.Name, "node_id", route.NodeID)
			continue
		}
		a.logger.Warn("tool dispatch failed", "call_id", tc.ID, "tool", tc.Name, "error", err)
		a.mu.Lock()
		if a.currentLocked(runID) && a.resolveLocked(tc.ID, nil, err.Error()) {
			if err := a.saveLocked(ctx); err != nil {
				a.logger.Error("failed to persist dispatch failure", "call_id", tc.ID, "error", err)
			}
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	if a.currentLocked(runID) && len(a.snap.Pending) > 0 && !a.snap.awaitingTools() {
		a.setAlarmLocked(a.m.now().Add(a.m.cfg.ContinueDelay))
		if err := a.saveLocked(ctx); err != nil {
			a.logger.Error("failed to persist continuation", "error", err)
		}
	}
	return true
}

// consumeResultsLocked turns resolved pending calls into tool-result messages.
func (a *Actor) consumeResultsLocked(ctx context.Context) (bool, error) {
	if len(a.snap.Pending) == 0 {
		return false, nil
	}
	logged := a.loggedResultsLocked()
	for _, p := range a.snap.Pending {
		if logged[p.ID] {
			a.logger.Info("tool result already in transcript", "call_id", p.ID)
			continue
		}
		if err := a.appendLocked(ctx, a.toolResultMessageLocked(ctx, p)); err != nil {
			return false, err
		}
		metrics.RecordToolCall(p.Name, p.Error == "")
	}
	a.snap.Pending = nil
	return true, nil
}

// loggedResultsLocked returns the call ids answered since the last assistant
// message. A run resumed after a crash may find its results already logged.
func (a *Actor) loggedResultsLocked() map[string]bool {
	out := make(map[string]bool)
	for i := len(a.msgs) - 1; i >= 0; i-- {
		m := a.msgs[i]
		if m.Role == llm.RoleAssistant {
			break
		}
		if m.Role == llm.RoleToolResult {
			out[m.ToolCallID] = true
		}
	}
	return out
}

// spliceQueueLocked moves queued messages into the active run. Their overrides
// apply to the next completion only and are returned rather than stored.
func (a *Actor) spliceQueueLocked(ctx context.Context, overrides Overrides) (Overrides, error) {
	run := a.snap.Run
	queue := a.snap.Queue
	for _, q := range queue {
		if err := a.appendLocked(ctx, q.Message); err != nil {
			return overrides, err
		}
		run.Absorbed = append(run.Absorbed, q.RunID)
		overrides = overrides.merge(q.Overrides)
		if len(q.Tools) > 0 {
			run.Tools, run.Routes = q.Tools, q.Routes
		}
		if q.Delivery != nil {
			a.snap.Meta.Delivery = q.Delivery
		}
	}
	a.snap.Queue = nil
	a.logger.Info("queued messages joined active run", "run_id", run.RunID, "count", len(queue))
	return overrides, nil
}

// finishRunLocked ends the active run, broadcasts its outcome, and starts the next queued message.
func (a *Actor) finishRunLocked(ctx context.Context, state string, msg *llm.Message, errText string) {
	run := a.snap.Run
	if run == nil {
		return
	}
	a.snap.Run = nil
	a.snap.Pending = nil
	a.clearAlarmLocked()
	if a.cancelCall != nil {
		a.cancelCall()
		a.cancelCall = nil
	}
	a.snap.Meta.UpdatedAt = a.m.now()

	b := a.m.broadcaster()
	for _, id := range append([]string{run.RunID}, run.Absorbed...) {
		b.Broadcast(Event{
			SessionKey:   a.key,
			RunID:        id,
			Absorbed:     id != run.RunID,
			State:        state,
			Message:      msg,
			ErrorMessage: errText,
		})
	}
	metrics.RecordRun(state, a.m.now().Sub(run.StartedAt))
	a.logger.Info("run finished", "run_id", run.RunID, "state", state, "turns", run.Turns, "absorbed", len(run.Absorbed))

	for len(a.snap.Queue) > 0 {
		next := a.snap.Queue[0]
		a.snap.Queue = a.snap.Queue[1:]
		if err := a.startRunLocked(ctx, next); err != nil {
			a.logger.Error("failed to start queued run", "run_id", next.RunID, "error", err)
			b.Broadcast(Event{SessionKey: a.key, RunID: next.RunID, State: StateError, ErrorMessage: err.Error()})
			continue
		}
		a.startLoopLocked()
		return
	}
	if err := a.saveLocked(ctx); err != nil {
		a.logger.Error("failed to persist finished run", "run_id", run.RunID, "error", err)
	}
}

func (a *Actor) failLocked(ctx context.Context, err error) {
	a.logger.Error("run failed", "error", err)
	a.finishRunLocked(ctx, StateError, nil, err.Error())
}

func (a *Actor) currentLocked(runID string) bool {
	return a.snap.Run != nil && a.snap.Run.RunID == runID && !a.snap.Run.Aborted
}

// resolveModelLocked applies message override, then session setting, then the global default.
func (a *Actor) resolveModelLocked(o Overrides) (model, reasoning string) {
	s := a.snap.Meta.Settings
	defModel, defReasoning := a.m.Defaults()
	model = firstNonEmpty(o.Model, s.Model, defModel)
	reasoning = firstNonEmpty(o.Reasoning, s.Reasoning, defReasoning)
	return model, reasoning
}

func (a *Actor) recordUsageLocked(reply *llm.Message) {
	u := reply.Usage
	if u == nil {
		return
	}
	meta := &a.snap.Meta
	meta.InputTokens += int64(u.InputTokens)
	meta.OutputTokens += int64(u.OutputTokens)
	meta.CacheReadTokens += int64(u.CacheReadTokens)
	meta.CacheWriteTokens += int64(u.CacheWriteTokens)
	meta.LastInputTokens = u.InputTokens + u.CacheReadTokens
}

// compact summarizes the transcript. The result is discarded if the transcript
// changed while the summarizer ran.
func (a *Actor) compact(ctx context.Context, model, trigger string) bool {
	a.mu.Lock()
	msgs := append([]llm.Message(nil), a.msgs...)
	version := a.version
	date := a.m.noteDate(a.m.now())
	a.mu.Unlock()

	if len(msgs) < compaction.MinMessages {
		return false
	}
	settings := a.m.cfg.Compaction

	var known []string
	if settings.MemoryEnabled {
		var err error
		if known, err = a.m.notes.Read(ctx, date); err != nil {
			a.logger.Warn("failed to read memory notes", "date", date, "error", err)
		}
	}

	res := a.m.engine.Compact(ctx, msgs, compaction.Request{
		Model:    model,
		Settings: settings,
		Trigger:  trigger,
		Known:    known,
	})
	if !res.Compacted {
		return false
	}

	a.mu.Lock()
	if a.version != version {
		a.mu.Unlock()
		a.logger.Warn("transcript changed during compaction, discarding summary")
		return false
	}
	if err := a.m.store.ReplaceMessages(ctx, a.key, res.Messages); err != nil {
		a.mu.Unlock()
		a.logger.Error("failed to store compacted transcript", "error", err)
		return false
	}
	a.msgs = res.Messages
	a.version++
	meta := &a.snap.Meta
	meta.CompactionCount++
	meta.LastCompactedAt = a.m.now()
	meta.LastInputTokens = 0
	if err := a.saveLocked(ctx); err != nil {
		a.logger.Error("failed to persist compaction", "error", err)
	}
	a.mu.Unlock()

	if settings.MemoryEnabled && len(res.Memories) > 0 {
		if _, err := a.m.notes.Append(ctx, date, res.Memories); err != nil {
			a.logger.Warn("failed to append memory notes", "date", date, "error", err)
		}
	}
	return true
}

// mergeTools appends extra tools whose names are not already offered.
func mergeTools(base, extra []llm.Tool) []llm.Tool {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := append([]llm.Tool(nil), base...)
	for _, t := range base {
		seen[t.Name] = true
	}
	for _, t := range extra {
		if !seen[t.Name] {
			out = append(out, t)
			seen[t.Name] = true
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
