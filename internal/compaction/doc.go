// Package compaction shrinks a session transcript that has outgrown the model's
// context window. Old messages are summarized in chunks with a three-tier
// fallback, durable facts are extracted into daily memory notes, and the
// recent tail is kept verbatim.
package compaction
