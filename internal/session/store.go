// ABOUTME: Storage contract for session snapshots, message logs, and runtime config.
// ABOUTME: Implemented by SQLiteStore and RedisStore.

package session

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/llm"
)

// ErrNotFound indicates no state is stored for a session key.
var ErrNotFound = errors.New("session not found")

// Store persists actor state. Message indices restart at zero after ReplaceMessages.
type Store interface {
	LoadSnapshot(ctx context.Context, key string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, key string, snap *Snapshot) error

	Messages(ctx context.Context, key string) ([]llm.Message, error)
	AppendMessage(ctx context.Context, key string, msg llm.Message) (int, error)
	ReplaceMessages(ctx context.Context, key string, msgs []llm.Message) error

	ListSessions(ctx context.Context) ([]Meta, error)
	ListAlarms(ctx context.Context) (map[string]time.Time, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	ListConfig(ctx context.Context) (map[string]string, error)

	Close() error
}
