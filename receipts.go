package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ReadMarker is the slice of Backend the read coordinator needs.
type ReadMarker interface {
	MarkRead(ctx context.Context, ids []string) error
}

const (
	DefaultMarkReadRate  = rate.Limit(2)
	DefaultMarkReadBurst = 1
)

// ReceiptConfig configures a ReceiptCoordinator.
type ReceiptConfig struct {
	LocalUserID string
	Marker      ReadMarker
	Rate        rate.Limit
	Burst       int
	Logger      *zerolog.Logger
}

func (c *ReceiptConfig) defaults() {
	if c.Rate <= 0 {
		c.Rate = DefaultMarkReadRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultMarkReadBurst
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ReceiptCoordinator issues mark-read calls at most once per message. An
// id stays in the requested set from the moment its call is issued until
// the call fails or the message is seen as read.
type ReceiptCoordinator struct {
	cfg     ReceiptConfig
	log     zerolog.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	requested map[string]struct{}
}

// NewReceiptCoordinator creates a coordinator with an empty requested set.
func NewReceiptCoordinator(cfg ReceiptConfig) *ReceiptCoordinator {
	cfg.defaults()
	return &ReceiptCoordinator{
		cfg:       cfg,
		log:       *cfg.Logger,
		limiter:   rate.NewLimiter(cfg.Rate, cfg.Burst),
		requested: make(map[string]struct{}),
	}
}

// Evaluate issues one batched mark-read for every eligible message in
// snapshot when observed is true. It returns the ids that were marked. A
// pass refused by the rate limiter reserves nothing and returns
// ErrThrottled; RetryAfter tells the caller when to try again.
func (r *ReceiptCoordinator) Evaluate(ctx context.Context, snapshot []Message, observed bool) ([]string, error) {
	if !observed || r.cfg.Marker == nil {
		return nil, nil
	}

	r.mu.Lock()
	var ids []string
	for i := range snapshot {
		m := &snapshot[i]
		if m.State == StateRead {
			delete(r.requested, m.ID)
			continue
		}
		if !r.eligible(m) {
			continue
		}
		if _, ok := r.requested[m.ID]; ok {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		r.mu.Unlock()
		return nil, nil
	}
	if !r.limiter.Allow() {
		r.mu.Unlock()
		incMarkRead("throttled")
		r.log.Debug().Int("count", len(ids)).Msg("mark-read pass throttled")
		return nil, ErrThrottled
	}
	for _, id := range ids {
		r.requested[id] = struct{}{}
	}
	r.mu.Unlock()

	if err := r.cfg.Marker.MarkRead(ctx, ids); err != nil {
		r.mu.Lock()
		for _, id := range ids {
			delete(r.requested, id)
		}
		r.mu.Unlock()
		incMarkRead("error")
		r.log.Warn().Err(err).Int("count", len(ids)).Msg("mark-read failed, will retry on next trigger")
		return nil, fmt.Errorf("mark read: %w", err)
	}
	incMarkRead("ok")
	r.log.Debug().Strs("message_ids", ids).Msg("marked read")
	return ids, nil
}

func (r *ReceiptCoordinator) eligible(m *Message) bool {
	local := r.cfg.LocalUserID
	return m.ID != "" &&
		m.RecipientID == local &&
		m.SenderID != local &&
		!m.Deleted &&
		m.State.Before(StateRead) &&
		m.State != StateFailed
}

// RetryAfter reports how long until the limiter admits another pass. It
// does not consume a token.
func (r *ReceiptCoordinator) RetryAfter() time.Duration {
	res := r.limiter.Reserve()
	defer res.Cancel()
	if !res.OK() {
		return 0
	}
	return res.Delay()
}

// Pending reports how many ids are currently in the requested set.
func (r *ReceiptCoordinator) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requested)
}

// Reset forgets every requested id.
func (r *ReceiptCoordinator) Reset() {
	r.mu.Lock()
	r.requested = make(map[string]struct{})
	r.mu.Unlock()
}
