// Package status projects per-workflow status into the KV store.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lidarscope/control-plane/internal/database"
)

// DefaultTTL is how long a workflow status key lives.
const DefaultTTL = 24 * time.Hour

// Entry is the stored value of one workflow status key.
type Entry struct {
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
}

// Store writes one key per workflow id. Writes are last-write-wins; the
// status sequence is a monotone projection so that is acceptable.
type Store struct {
	kv     *database.Redis
	prefix string
	ttl    time.Duration
}

// NewStore creates a status store. Empty prefix defaults to "ingest",
// zero ttl to DefaultTTL.
func NewStore(kv *database.Redis, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = "ingest"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, prefix: prefix, ttl: ttl}
}

func (s *Store) key(workflowID string) string {
	return fmt.Sprintf("%s:status:%s", s.prefix, workflowID)
}

// Set writes the status entry for the workflow, refreshing the TTL.
func (s *Store) Set(ctx context.Context, workflowID, status string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	value, err := json.Marshal(Entry{Status: status, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to serialize status entry: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(workflowID), value, s.ttl); err != nil {
		return fmt.Errorf("failed to write status for %s: %w", workflowID, err)
	}
	return nil
}

// Get returns the stored entry, or nil when the key is absent or expired.
func (s *Store) Get(ctx context.Context, workflowID string) (*Entry, error) {
	raw, err := s.kv.Get(ctx, s.key(workflowID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status for %s: %w", workflowID, err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to parse status for %s: %w", workflowID, err)
	}
	return &entry, nil
}
