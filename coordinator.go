package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink receives normalized events and connection-health changes from a
// Channel. Implementations are safe for concurrent use.
type Sink interface {
	Deliver(ev Event)
	ConnectionChanged(connected bool)
}

// Channel is one independent producer of conversation events. Open
// returns once the first connection attempt has finished; a channel that
// fails to connect may keep retrying in the background and report
// recovery through the sink. Close stops all background work.
type Channel interface {
	Open(ctx context.Context, key ConversationKey, sink Sink) error
	Close() error
}

// Fetcher is the slice of Backend the poll channel needs.
type Fetcher interface {
	FetchMessagesSince(ctx context.Context, key ConversationKey, since time.Time) ([]Message, error)
}

// CoordinatorState is the channel coordinator's activation state.
type CoordinatorState string

const (
	CoordinatorUnstarted  CoordinatorState = "unstarted"
	CoordinatorPushActive CoordinatorState = "push_active"
	CoordinatorPollActive CoordinatorState = "poll_active"
	CoordinatorStopped    CoordinatorState = "stopped"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultReconnectGrace = 10 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
)

// CoordinatorConfig wires a coordinator to its channels and consumer.
type CoordinatorConfig struct {
	Key          ConversationKey
	Push         Channel // nil means polling only
	Subscription Channel // optional
	Fetcher      Fetcher

	// Handler receives every accepted batch of events. Stale batches from
	// a previous generation never reach it.
	Handler func(evs []Event)
	// Cursor returns the newest server timestamp already held.
	Cursor func() time.Time
	// OnReconnecting fires with true once all channels have been down for
	// ReconnectGrace, and with false when any of them recovers.
	OnReconnecting func(reconnecting bool)
	// OnTyping receives typing indicators from channels that carry them.
	OnTyping func(t TypingIndicator)

	PollInterval   time.Duration
	ReconnectGrace time.Duration
	FetchTimeout   time.Duration
	Logger         *zerolog.Logger
}

func (c *CoordinatorConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = DefaultReconnectGrace
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Cursor == nil {
		c.Cursor = func() time.Time { return time.Time{} }
	}
	if c.Handler == nil {
		c.Handler = func([]Event) {}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Coordinator is the sole authority over which channels are active for a
// conversation. Push and subscription run concurrently; polling runs only
// while push is down.
type Coordinator struct {
	cfg CoordinatorConfig
	log zerolog.Logger

	mu       sync.Mutex
	state    CoordinatorState
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	pollGen  uint64
	pollOn   bool
	stopPoll func()

	pushUp       bool
	pushReported bool
	subUp        bool
	pollOK       bool
	graceTimer   *time.Timer
	reconnecting bool
}

// NewCoordinator creates an unstarted coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("conversation", cfg.Key.String()).Logger(),
		state: CoordinatorUnstarted,
	}
}

// State returns the current activation state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Polling reports whether the poll timer is running.
func (c *Coordinator) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollOn
}

// Start connects push and subscription concurrently and settles into
// PushActive or PollActive. Channel failures are absorbed, so the only
// error is starting twice.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CoordinatorUnstarted {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already %s", c.state)
	}
	c.gen++
	gen := c.gen
	c.pushReported = false
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	var (
		wg      sync.WaitGroup
		pushErr error
	)
	if c.cfg.Push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushErr = c.cfg.Push.Open(runCtx, c.cfg.Key, &channelSink{c: c, gen: gen, src: SourcePush})
		}()
	} else {
		pushErr = errors.New("no push channel configured")
	}
	if c.cfg.Subscription != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &channelSink{c: c, gen: gen, src: SourceSubscription}
			if err := c.cfg.Subscription.Open(runCtx, c.cfg.Key, sink); err != nil {
				c.log.Warn().Err(err).Msg("subscription channel failed to open")
				return
			}
			sink.ConnectionChanged(true)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	if c.gen != gen || c.state == CoordinatorStopped {
		c.mu.Unlock()
		return nil
	}
	// A drop reported between Open returning and here wins over the
	// successful Open.
	switch {
	case pushErr != nil:
		c.pushUp = false
	case !c.pushReported:
		c.pushUp = true
	}
	if c.pushUp {
		c.toPushLocked()
	} else {
		c.log.Warn().Err(pushErr).Msg("push channel unavailable, falling back to polling")
		c.toPollLocked()
	}
	notify := c.evaluateHealthLocked()
	c.mu.Unlock()
	notify()
	return nil
}

// Stop tears down every channel and timer. Any completion still in flight
// is dropped when it returns.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state == CoordinatorStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = CoordinatorStopped
	incTransition(CoordinatorStopped)
	c.gen++
	c.stopPollLocked()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	var errs []error
	if c.cfg.Push != nil {
		if err := c.cfg.Push.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close push: %w", err))
		}
	}
	if c.cfg.Subscription != nil {
		if err := c.cfg.Subscription.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
	}
	c.log.Debug().Msg("coordinator stopped")
	return errors.Join(errs...)
}

// ── State transitions ────────────────────────────────────

func (c *Coordinator) toPushLocked() {
	c.stopPollLocked()
	if c.state != CoordinatorPushActive {
		c.state = CoordinatorPushActive
		incTransition(CoordinatorPushActive)
		c.log.Info().Msg("push active")
	}
}

func (c *Coordinator) toPollLocked() {
	if c.state != CoordinatorPollActive {
		c.state = CoordinatorPollActive
		incTransition(CoordinatorPollActive)
		c.log.Info().Dur("interval", c.cfg.PollInterval).Msg("poll active")
	}
	c.startPollLocked()
}

func (c *Coordinator) startPollLocked() {
	if c.pollOn || c.cfg.Fetcher == nil {
		return
	}
	c.pollOn = true
	c.pollOK = false
	c.pollGen++
	stop := make(chan struct{})
	pg := c.pollGen
	gen := c.gen
	ctx := c.ctx
	go c.pollLoop(ctx, gen, pg, stop)
	c.stopPoll = func() { close(stop) }
}

func (c *Coordinator) stopPollLocked() {
	if !c.pollOn {
		return
	}
	c.pollOn = false
	c.pollOK = false
	c.pollGen++
	c.stopPoll()
	c.stopPoll = nil
}

// ── Polling ──────────────────────────────────────────────

func (c *Coordinator) pollLoop(ctx context.Context, gen, pg uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.pollOnce(ctx, gen, pg)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, gen, pg)
		}
	}
}

func (c *Coordinator) pollActive(gen, pg uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.pollGen == pg && c.pollOn && c.state == CoordinatorPollActive
}

// pollOnce runs one fetch. It is only ever called from the poll loop, so
// there is never more than one fetch in flight.
func (c *Coordinator) pollOnce(ctx context.Context, gen, pg uint64) {
	if !c.pollActive(gen, pg) {
		return
	}
	since := c.cfg.Cursor()
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	msgs, err := c.cfg.Fetcher.FetchMessagesSince(fetchCtx, c.cfg.Key, since)
	cancel()

	if !c.pollActive(gen, pg) {
		incPollFetch("stale")
		return
	}
	if err != nil {
		incPollFetch("error")
		c.log.Warn().Err(err).Msg("poll fetch failed")
		c.setHealth(func() { c.pollOK = false })
		return
	}
	incPollFetch("ok")
	c.setHealth(func() { c.pollOK = true })
	if len(msgs) == 0 {
		return
	}
	evs := make([]Event, 0, len(msgs))
	now := time.Now()
	for _, m := range msgs {
		ev := MessageEvent(SourcePoll, m)
		ev.ReceivedAt = now
		evs = append(evs, ev)
	}
	c.deliver(gen, evs)
}

// ── Delivery & health ────────────────────────────────────

func (c *Coordinator) deliver(gen uint64, evs []Event) {
	c.mu.Lock()
	live := c.gen == gen && c.state != CoordinatorStopped
	c.mu.Unlock()
	if !live {
		return
	}
	c.cfg.Handler(evs)
}

func (c *Coordinator) connectionChanged(gen uint64, src Source, connected bool) {
	c.mu.Lock()
	if c.gen != gen || c.state == CoordinatorStopped {
		c.mu.Unlock()
		return
	}
	switch src {
	case SourcePush:
		c.pushUp = connected
		c.pushReported = true
		// Transitions wait for Start to settle the initial state.
		if c.state != CoordinatorUnstarted {
			if connected {
				c.toPushLocked()
			} else {
				c.toPollLocked()
			}
		}
	case SourceSubscription:
		c.subUp = connected
	}
	notify := c.evaluateHealthLocked()
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) setHealth(update func()) {
	c.mu.Lock()
	update()
	notify := c.evaluateHealthLocked()
	c.mu.Unlock()
	notify()
}

// evaluateHealthLocked arms or disarms the reconnecting signal. It returns
// the callback to run once the lock is released.
func (c *Coordinator) evaluateHealthLocked() func() {
	if c.state == CoordinatorUnstarted || c.state == CoordinatorStopped {
		return func() {}
	}
	allDown := !c.pushUp && !c.subUp && !c.pollOK
	if !allDown {
		if c.graceTimer != nil {
			c.graceTimer.Stop()
			c.graceTimer = nil
		}
		if c.reconnecting {
			c.reconnecting = false
			c.log.Info().Msg("channels recovered")
			return c.reconnectingCallback(false)
		}
		return func() {}
	}
	if c.graceTimer == nil && !c.reconnecting {
		gen := c.gen
		c.graceTimer = time.AfterFunc(c.cfg.ReconnectGrace, func() { c.graceExpired(gen) })
	}
	return func() {}
}

func (c *Coordinator) graceExpired(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state == CoordinatorStopped || c.graceTimer == nil {
		c.mu.Unlock()
		return
	}
	c.graceTimer = nil
	if c.pushUp || c.subUp || c.pollOK || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.log.Warn().Dur("grace", c.cfg.ReconnectGrace).Msg("all channels down, reconnecting")
	notify := c.reconnectingCallback(true)
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) reconnectingCallback(v bool) func() {
	cb := c.cfg.OnReconnecting
	if cb == nil {
		return func() {}
	}
	return func() { cb(v) }
}

// channelSink binds a channel to the generation it was opened under.
type channelSink struct {
	c   *Coordinator
	gen uint64
	src Source
}

func (s *channelSink) Deliver(ev Event) {
	ev.Source = s.src
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	s.c.deliver(s.gen, []Event{ev})
}

func (s *channelSink) ConnectionChanged(connected bool) {
	s.c.connectionChanged(s.gen, s.src, connected)
}

// Typing forwards an ephemeral typing indicator. Channels discover it
// through the TypingSink interface.
func (s *channelSink) Typing(t TypingIndicator) {
	s.c.mu.Lock()
	live := s.c.gen == s.gen && s.c.state != CoordinatorStopped
	s.c.mu.Unlock()
	if live && s.c.cfg.OnTyping != nil {
		s.c.cfg.OnTyping(t)
	}
}

// TypingSink is implemented by sinks that accept typing indicators.
type TypingSink interface {
	Typing(t TypingIndicator)
}
