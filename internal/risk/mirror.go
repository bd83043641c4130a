package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"papertrader/internal/domain"
)

// DefaultMirrorKey is the hash holding mirrored positions.
const DefaultMirrorKey = "open_positions"

// Mirror is an advisory copy of OPEN positions read by the sweep.
// The relational store stays authoritative.
type Mirror interface {
	// Put inserts or replaces one position.
	Put(ctx context.Context, p domain.Position) error
	// Remove drops a position. Removing an absent id is not an error.
	Remove(ctx context.Context, positionID string) error
	// Replace swaps the whole set for positions.
	Replace(ctx context.Context, positions []domain.Position) error
	// All returns every mirrored position.
	All(ctx context.Context) ([]domain.Position, error)
}

// RedisMirror keeps positions as JSON values in one redis hash keyed by position id.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
	logger *zap.Logger
}

// NewRedisMirror creates a mirror stored under key.
func NewRedisMirror(client redis.UniversalClient, key string, logger *zap.Logger) *RedisMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, key: key, logger: logger}
}

// Put writes p into the hash.
func (m *RedisMirror) Put(ctx context.Context, p domain.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := m.client.HSet(ctx, m.key, p.ID, data).Err(); err != nil {
		return fmt.Errorf("mirror put: %w", err)
	}
	return nil
}

// Remove deletes the hash field for positionID.
func (m *RedisMirror) Remove(ctx context.Context, positionID string) error {
	if err := m.client.HDel(ctx, m.key, positionID).Err(); err != nil {
		return fmt.Errorf("mirror remove: %w", err)
	}
	return nil
}

// Replace deletes the hash and writes positions in one MULTI block.
func (m *RedisMirror) Replace(ctx context.Context, positions []domain.Position) error {
	values := make([]any, 0, len(positions)*2)
	for _, p := range positions {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode position %s: %w", p.ID, err)
		}
		values = append(values, p.ID, data)
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.key)
		if len(values) > 0 {
			pipe.HSet(ctx, m.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror replace: %w", err)
	}
	return nil
}

// All reads the hash. Entries that fail to decode are logged and skipped.
func (m *RedisMirror) All(ctx context.Context) ([]domain.Position, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("mirror read: %w", err)
	}

	positions := make([]domain.Position, 0, len(raw))
	for id, data := range raw {
		var p domain.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			m.logger.Warn("skipping undecodable mirror entry", zap.String("position_id", id), zap.Error(err))
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// MemoryMirror is a process-local Mirror.
type MemoryMirror struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewMemoryMirror creates an empty in-process mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{positions: make(map[string]domain.Position)}
}

func (m *MemoryMirror) Put(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *MemoryMirror) Remove(_ context.Context, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, positionID)
	return nil
}

func (m *MemoryMirror) Replace(_ context.Context, positions []domain.Position) error {
	next := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		next[p.ID] = p
	}

	m.mu.Lock()
	m.positions = next
	m.mu.Unlock()
	return nil
}

func (m *MemoryMirror) All(_ context.Context) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}
