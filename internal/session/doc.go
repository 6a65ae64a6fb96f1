// Package session implements the per-conversation actor: the agent loop, the
// inbound queue, tool-call bookkeeping, auto-reset, and compaction triggers.
//
// Every mutation is written through to a Store before the actor proceeds, so an
// actor can be dropped from memory between any two steps and rebuilt from its
// persisted snapshot. The Manager owns the in-memory actor cache and the alarm
// timers that resume actors after tool timeouts.
package session
