// Package media caches attachment bytes and keeps image payloads out of persisted transcripts.
package media
