package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Backend is the durable message store collaborator.
type Backend interface {
	Persister
	Fetcher
	ReadMarker
}

// SessionConfig configures one conversation session.
type SessionConfig struct {
	LocalUserID string
	PeerID      string

	Backend      Backend
	Push         Channel       // optional; without it the session polls
	Subscription Channel       // optional change feed
	Snapshots    SnapshotStore // optional warm-start cache

	Engine         EngineConfig
	PollInterval   time.Duration
	ReconnectGrace time.Duration
	FetchTimeout   time.Duration
	MarkReadRate   rate.Limit
	MarkReadBurst  int

	Logger           *zerolog.Logger
	NewCorrelationID func() string
}

func (c *SessionConfig) defaults() {
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
	c.Engine.defaults()
	if c.NewCorrelationID == nil {
		c.NewCorrelationID = uuid.NewString
	}
}

type sessionState int

const (
	sessionIdle sessionState = iota
	sessionOpen
	sessionClosed
)

// Session owns all synchronization state for one conversation: the store
// and engine, the channel coordinator, the read coordinator and the send
// pipeline. All store mutation happens under mu; network calls never do.
type Session struct {
	cfg    SessionConfig
	key    ConversationKey
	log    zerolog.Logger
	events *emitter

	mu           sync.Mutex
	state        sessionState
	gen          uint64
	engine       *Engine
	coord        *Coordinator
	receipts     *ReceiptCoordinator
	phases       map[string]SendPhase
	visible      bool
	reconnecting bool
	receiptRetry *time.Timer
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSession validates cfg and builds an unopened session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.LocalUserID == "" || cfg.PeerID == "" {
		return nil, errors.New("chatsync: local and peer user ids are required")
	}
	if cfg.LocalUserID == cfg.PeerID {
		return nil, errors.New("chatsync: local and peer user ids must differ")
	}
	if cfg.Backend == nil {
		return nil, errors.New("chatsync: backend is required")
	}
	cfg.defaults()

	key := NewConversationKey(cfg.LocalUserID, cfg.PeerID)
	log := cfg.Logger.With().Str("conversation", key.String()).Logger()
	cfg.Engine.Logger = &log

	return &Session{
		cfg:    cfg,
		key:    key,
		log:    log,
		events: newEmitter(),
		engine: NewEngine(cfg.Engine),
		receipts: NewReceiptCoordinator(ReceiptConfig{
			LocalUserID: cfg.LocalUserID,
			Marker:      cfg.Backend,
			Rate:        cfg.MarkReadRate,
			Burst:       cfg.MarkReadBurst,
			Logger:      &log,
		}),
		phases: make(map[string]SendPhase),
	}, nil
}

// Key returns the canonical conversation key.
func (s *Session) Key() ConversationKey { return s.key }

// On registers a handler for a session event.
func (s *Session) On(event string, handler EventHandler) {
	s.events.on(event, handler)
}

// Open warms the store from the snapshot cache and starts the channel
// coordinator. It returns once the first connection attempts settle.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case sessionOpen:
		s.mu.Unlock()
		return errors.New("chatsync: session already open")
	case sessionClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = sessionOpen
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	s.warm(gen)

	coord := NewCoordinator(CoordinatorConfig{
		Key:            s.key,
		Push:           s.cfg.Push,
		Subscription:   s.cfg.Subscription,
		Fetcher:        s.cfg.Backend,
		Handler:        func(evs []Event) { s.handle(gen, evs) },
		Cursor:         s.cursor,
		OnReconnecting: s.setReconnecting,
		OnTyping:       func(t TypingIndicator) { s.events.emit(EventTyping, t) },
		PollInterval:   s.cfg.PollInterval,
		ReconnectGrace: s.cfg.ReconnectGrace,
		FetchTimeout:   s.cfg.FetchTimeout,
		Logger:         &s.log,
	})

	s.mu.Lock()
	if s.gen != gen || s.state != sessionOpen {
		s.mu.Unlock()
		return ErrClosed
	}
	s.coord = coord
	s.mu.Unlock()

	if err := coord.Start(runCtx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	s.log.Info().Str("channels", string(coord.State())).Msg("session open")
	return nil
}

// warm replays the cached snapshot. Optimistic records that were still
// pending when the cache was written lost their durable write, so they
// come back as failed and can be retried.
func (s *Session) warm(gen uint64) {
	if s.cfg.Snapshots == nil {
		return
	}
	msgs, err := s.cfg.Snapshots.Load(s.key)
	if err != nil {
		s.log.Warn().Err(err).Msg("snapshot cache load failed")
		return
	}
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	changed := false
	for _, m := range msgs {
		if s.engine.Apply(MessageEvent(SourceCache, m)) {
			changed = true
		}
		if m.Optimistic() && m.State == StatePending {
			s.engine.MarkFailed(m.CorrelationID)
			s.phases[m.CorrelationID] = PhaseFailed
		}
	}
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()

	s.log.Debug().Int("count", len(msgs)).Msg("store warmed from snapshot cache")
	s.notify(snap, nil)
}

// Close stops every channel, drops in-flight completions and writes the
// final state to the snapshot cache.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = sessionClosed
	s.gen++
	coord := s.coord
	if s.receiptRetry != nil {
		s.receiptRetry.Stop()
		s.receiptRetry = nil
	}
	snap := s.engine.Store().Snapshot()
	s.engine.Reset()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	var errs []error
	if coord != nil {
		if err := coord.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	s.receipts.Reset()
	if s.cfg.Snapshots != nil {
		if err := s.cfg.Snapshots.Save(s.key, snap); err != nil {
			errs = append(errs, fmt.Errorf("save snapshot: %w", err))
		}
	}
	s.wg.Wait()
	s.events.removeAll()
	s.log.Info().Msg("session closed")
	return errors.Join(errs...)
}

// ── Inbound ──────────────────────────────────────────────

func (s *Session) handle(gen uint64, evs []Event) {
	s.mu.Lock()
	if s.gen != gen || s.state != sessionOpen {
		s.mu.Unlock()
		return
	}
	changed := false
	for _, ev := range evs {
		if s.engine.Apply(ev) {
			changed = true
		}
	}
	conflicts := s.engine.takeConflicts()
	snap := s.snapshotLocked(changed)
	runReceipts := changed && s.visible
	if runReceipts {
		s.wg.Add(1)
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.notify(snap, conflicts)
	if runReceipts {
		go func() {
			defer s.wg.Done()
			if err := s.evaluateReceipts(ctx); err != nil {
				s.log.Debug().Err(err).Msg("receipt pass failed")
			}
		}()
	}
}

func (s *Session) cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Store().LatestServerTimestamp()
}

func (s *Session) setReconnecting(v bool) {
	s.mu.Lock()
	s.reconnecting = v
	s.mu.Unlock()
	s.events.emit(EventReconnecting, v)
}

// ── Read receipts ────────────────────────────────────────

// MarkVisible records that the conversation is in the foreground and
// marks every eligible counterpart message read in one batched call.
func (s *Session) MarkVisible(ctx context.Context) error {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.visible = true
	s.mu.Unlock()
	return s.evaluateReceipts(ctx)
}

// MarkHidden stops automatic read marking until the next MarkVisible.
func (s *Session) MarkHidden() {
	s.mu.Lock()
	s.visible = false
	s.mu.Unlock()
}

func (s *Session) evaluateReceipts(ctx context.Context) error {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	snap := s.engine.Store().Snapshot()
	s.mu.Unlock()

	ids, err := s.receipts.Evaluate(ctx, snap, true)
	if errors.Is(err, ErrThrottled) {
		s.retryReceipts(gen)
		return nil
	}
	if err != nil || len(ids) == 0 {
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.state == sessionClosed {
		s.mu.Unlock()
		return nil
	}
	changed := false
	for _, id := range ids {
		if s.engine.Apply(DeliveryUpdate(SourceLocal, id, StateRead)) {
			changed = true
		}
	}
	out := s.snapshotLocked(changed)
	s.mu.Unlock()
	s.notify(out, nil)
	return nil
}

// retryReceipts schedules one deferred pass for when the limiter admits
// the next call. Later throttled passes share it.
func (s *Session) retryReceipts(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiptRetry != nil || s.gen != gen || s.state != sessionOpen {
		return
	}
	delay := s.receipts.RetryAfter()
	s.receiptRetry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.receiptRetry = nil
		if s.gen != gen || s.state != sessionOpen || !s.visible {
			s.mu.Unlock()
			return
		}
		ctx := s.ctx
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		if err := s.evaluateReceipts(ctx); err != nil {
			s.log.Debug().Err(err).Msg("deferred receipt pass failed")
		}
	})
	s.log.Debug().Dur("delay", delay).Msg("mark-read deferred")
}

// ── Projections ──────────────────────────────────────────

// Snapshot returns the time-ordered message list.
func (s *Session) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Store().Snapshot()
}

// UnreadCount is recomputed from the store on every call.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Store().UnreadCount(s.cfg.LocalUserID)
}

// Conversation returns the presentation summary.
func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.engine.Store()
	return Conversation{
		Key:          s.key,
		LocalUserID:  s.cfg.LocalUserID,
		PeerID:       s.cfg.PeerID,
		LastActivity: st.LastActivity(),
		UnreadCount:  st.UnreadCount(s.cfg.LocalUserID),
	}
}

// Reconnecting reports whether the reconnecting signal is raised.
func (s *Session) Reconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// ChannelState reports the coordinator state, or unstarted before Open.
func (s *Session) ChannelState() CoordinatorState {
	s.mu.Lock()
	coord := s.coord
	s.mu.Unlock()
	if coord == nil {
		return CoordinatorUnstarted
	}
	return coord.State()
}

// ── Helpers ──────────────────────────────────────────────

func (s *Session) snapshotLocked(changed bool) []Message {
	if !changed {
		return nil
	}
	return s.engine.Store().Snapshot()
}

// notify emits after the lock is released. A nil snapshot means nothing
// changed.
func (s *Session) notify(snap []Message, conflicts []Message) {
	for _, m := range conflicts {
		s.events.emit(EventConflict, m)
	}
	if snap != nil {
		s.events.emit(EventChange, snap)
	}
}
