package notify

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Surface is the platform notification surface.
type Surface interface {
	Post(ctx context.Context, p Payload) error
	Remove(ctx context.Context, keys []string) error
	Pending(ctx context.Context) ([]Payload, error)
	Delivered(ctx context.Context) ([]Payload, error)
	SetBadge(ctx context.Context, n int) error
}

// MemorySurface keeps notifications in memory. Posted payloads are pending
// until Deliver is called.
type MemorySurface struct {
	mu        sync.Mutex
	pending   []Payload
	delivered []Payload
	badge     int
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{}
}

func (s *MemorySurface) Post(_ context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, p)
	return nil
}

// Deliver moves every pending payload to the delivered list.
func (s *MemorySurface) Deliver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, s.pending...)
	s.pending = nil
}

func (s *MemorySurface) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := func(p Payload) bool { return slices.Contains(keys, p.Key) }
	s.pending = slices.DeleteFunc(s.pending, drop)
	s.delivered = slices.DeleteFunc(s.delivered, drop)
	return nil
}

func (s *MemorySurface) Pending(context.Context) ([]Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending), nil
}

func (s *MemorySurface) Delivered(context.Context) ([]Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.delivered), nil
}

func (s *MemorySurface) SetBadge(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badge = n
	return nil
}

// Badge returns the last badge value set.
func (s *MemorySurface) Badge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.badge
}

// LogSurface writes notifications to a logger. Posted payloads count as
// delivered immediately.
type LogSurface struct {
	mem    *MemorySurface
	logger *zap.Logger
}

func NewLogSurface(logger *zap.Logger) *LogSurface {
	return &LogSurface{mem: NewMemorySurface(), logger: logger.Named("surface")}
}

func (s *LogSurface) Post(ctx context.Context, p Payload) error {
	s.logger.Info("notification",
		zap.String("key", p.Key),
		zap.String("title", p.Title),
		zap.String("body", p.Body),
		zap.Bool("foreground", p.Foreground),
		zap.String("conversation_id", p.Metadata[MetaConversationID]),
	)
	_ = s.mem.Post(ctx, p)
	s.mem.Deliver()
	return nil
}

func (s *LogSurface) Remove(ctx context.Context, keys []string) error {
	if len(keys) > 0 {
		s.logger.Info("notifications cleared", zap.Strings("keys", keys))
	}
	return s.mem.Remove(ctx, keys)
}

func (s *LogSurface) Pending(ctx context.Context) ([]Payload, error) {
	return s.mem.Pending(ctx)
}

func (s *LogSurface) Delivered(ctx context.Context) ([]Payload, error) {
	return s.mem.Delivered(ctx)
}

func (s *LogSurface) SetBadge(ctx context.Context, n int) error {
	s.logger.Debug("badge", zap.Int("count", n))
	return s.mem.SetBadge(ctx, n)
}
