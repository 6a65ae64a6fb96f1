// Package transfer streams bytes between connected nodes and durable storage.
//
// A transfer has a source and a destination, each either a node path or a
// storage key. Node sources are asked for metadata and bytes with a
// transfer.send event; node destinations are asked to accept with a
// transfer.receive event. Bytes travel as binary chunks tagged with the
// transfer id. The outcome is reported to the session tool call that started
// the transfer.
package transfer
