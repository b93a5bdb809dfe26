// Package memory provides an in-process ingest.Queue with the same
// claim, visibility and dead-letter semantics as the durable queue.
// State is lost on restart; intended for tests and throwaway runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mreis/archivum/internal/ingest"
)

// Config mirrors the durable queue's delivery knobs.
type Config struct {
	VisibilityTimeout      time.Duration
	VisibilityTimeoutLarge time.Duration
	LargePayloadBytes      int
	MaxAttempts            int
	NackDelay              time.Duration
}

type message struct {
	ingest.Message
	visibility time.Duration
}

// Queue is a mutex-guarded in-memory queue.
type Queue struct {
	mu     sync.Mutex
	nextID int64
	live   map[int64]*message
	dead   []ingest.Message
	clock  ingest.Clock
	cfg    Config
}

// New creates an empty in-memory queue.
func New(clock ingest.Clock, cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.VisibilityTimeoutLarge <= 0 {
		cfg.VisibilityTimeoutLarge = cfg.VisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Queue{
		live:  make(map[int64]*message),
		clock: clock,
		cfg:   cfg,
	}
}

// Enqueue appends a message, immediately visible.
func (q *Queue) Enqueue(_ context.Context, documentID, payloadRef string, payloadSize int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	visibility := q.cfg.VisibilityTimeout
	if q.cfg.LargePayloadBytes > 0 && payloadSize >= q.cfg.LargePayloadBytes {
		visibility = q.cfg.VisibilityTimeoutLarge
	}

	q.nextID++
	now := q.clock.Now()
	q.live[q.nextID] = &message{
		Message: ingest.Message{
			ID:           q.nextID,
			DocumentID:   documentID,
			PayloadRef:   payloadRef,
			EnqueuedAt:   now,
			VisibleAfter: now,
		},
		visibility: visibility,
	}
	return nil
}

// Claim takes the oldest visible message and hides it for its visibility
// timeout. Visible messages with a spent delivery budget are dead-lettered.
func (q *Queue) Claim(_ context.Context) (*ingest.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	var candidates []*message
	for _, m := range q.live {
		if m.VisibleAfter.After(now) {
			continue
		}
		if m.AttemptCount >= q.cfg.MaxAttempts {
			q.deadLetterLocked(m)
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})

	m := candidates[0]
	m.AttemptCount++
	m.VisibleAfter = now.Add(m.visibility)

	claimed := m.Message
	return &claimed, nil
}

// Ack removes a processed message.
func (q *Queue) Ack(_ context.Context, msg *ingest.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, msg.ID)
	return nil
}

// Nack makes the message claimable again after the nack delay, or
// dead-letters it when the budget is spent.
func (q *Queue) Nack(_ context.Context, msg *ingest.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.live[msg.ID]
	if !ok {
		return nil
	}
	if m.AttemptCount >= q.cfg.MaxAttempts {
		q.deadLetterLocked(m)
		return nil
	}
	m.VisibleAfter = q.clock.Now().Add(q.cfg.NackDelay)
	return nil
}

// DeadLetter routes the message straight to the dead-letter list.
func (q *Queue) DeadLetter(_ context.Context, msg *ingest.Message, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if m, ok := q.live[msg.ID]; ok {
		q.deadLetterLocked(m)
	}
	return nil
}

// Depth reports live and dead-lettered counts.
func (q *Queue) Depth(_ context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live), len(q.dead), nil
}

// DeadLetters returns a copy of the dead-lettered messages.
func (q *Queue) DeadLetters() []ingest.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ingest.Message, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *Queue) deadLetterLocked(m *message) {
	q.dead = append(q.dead, m.Message)
	delete(q.live, m.ID)
}

var _ ingest.Queue = (*Queue)(nil)
