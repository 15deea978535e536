// Package history keeps a capped log of past chart analyses.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/abdhe/chart-signal/pkg/signal"
)

// DefaultLimit is how many entries a store keeps.
const DefaultLimit = 100

// Entry is one recorded analysis.
type Entry struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Source    string        `json:"source,omitempty"` // File name or "upload"
	Cached    bool          `json:"cached"`
	Result    signal.Result `json:"result"`
}

// NewEntry stamps res with a fresh id and the current time.
func NewEntry(provider, model, source string, cached bool, res signal.Result) Entry {
	return Entry{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Provider:  provider,
		Model:     model,
		Source:    source,
		Cached:    cached,
		Result:    res,
	}
}

// Store persists entries newest first.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// RedisStore keeps entries in a capped Redis list.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	limit  int
}

// NewRedisStore creates a Redis-backed history keeping at most limit entries.
func NewRedisStore(client redis.UniversalClient, limit int) *RedisStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisStore{client: client, key: "chart_signal:history", limit: limit}
}

// Append pushes e to the head of the list and trims the tail.
func (s *RedisStore) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key, data)
		p.LTrim(ctx, s.key, 0, int64(s.limit-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first.
func (s *RedisStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	vals, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}

	out := make([]Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("history: unmarshal: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// MemoryStore is an in-process Store used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry // Newest last
	limit   int
}

// NewMemoryStore creates an in-memory history keeping at most limit entries.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{limit: limit}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.limit; over > 0 {
		m.entries = append(m.entries[:0], m.entries[over:]...)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}
