package pgfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

// ListenerConfig tunes the LISTEN/NOTIFY subscription.
type ListenerConfig struct {
	DSN                  string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	OpenTimeout          time.Duration
	PingInterval         time.Duration
	Logger               *zerolog.Logger
}

func (c *ListenerConfig) defaults() {
	if c.Channel == "" {
		c.Channel = NotifyChannel
	}
	if c.MinReconnectInterval == 0 {
		c.MinReconnectInterval = 1 * time.Second
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = 30 * time.Second
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 90 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Listener is a chatsync subscription channel fed by the change trigger
// installed by Migrate.
type Listener struct {
	cfg ListenerConfig
	log zerolog.Logger

	mu     sync.Mutex
	key    chatsync.ConversationKey
	sink   chatsync.Sink
	pql    *pq.Listener
	cancel context.CancelFunc
	closed bool
}

// NewListener creates an unopened listener.
func NewListener(cfg ListenerConfig) *Listener {
	cfg.defaults()
	return &Listener{
		cfg: cfg,
		log: cfg.Logger.With().Str("channel", "pg_notify").Logger(),
	}
}

// Open starts listening. If the database is not reachable within
// OpenTimeout the error is returned while pq keeps reconnecting; the sink
// hears about it once the connection comes up.
func (l *Listener) Open(ctx context.Context, key chatsync.ConversationKey, sink chatsync.Sink) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return chatsync.ErrClosed
	}
	if l.pql != nil {
		l.mu.Unlock()
		return errors.New("listener already open")
	}
	l.key = key
	l.sink = sink
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.pql = pq.NewListener(l.cfg.DSN, l.cfg.MinReconnectInterval, l.cfg.MaxReconnectInterval, l.onEvent)
	pql := l.pql
	l.mu.Unlock()

	go l.loop(runCtx, pql)

	errc := make(chan error, 1)
	go func() { errc <- pql.Listen(l.cfg.Channel) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen %s: %w", l.cfg.Channel, err)
		}
		return nil
	case <-time.After(l.cfg.OpenTimeout):
		return fmt.Errorf("listen %s: %w", l.cfg.Channel, chatsync.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops listening and releases the connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pql := l.pql
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()

	if pql == nil {
		return nil
	}
	return pql.Close()
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	l.mu.Lock()
	sink, closed := l.sink, l.closed
	l.mu.Unlock()
	if closed || sink == nil {
		return
	}
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.log.Info().Msg("listener connected")
		sink.ConnectionChanged(true)
	case pq.ListenerEventDisconnected:
		l.log.Warn().Err(err).Msg("listener disconnected")
		sink.ConnectionChanged(false)
	case pq.ListenerEventConnectionAttemptFailed:
		l.log.Debug().Err(err).Msg("listener connection attempt failed")
	}
}

func (l *Listener) loop(ctx context.Context, pql *pq.Listener) {
	ping := time.NewTicker(l.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-pql.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Re-established connection; anything sent in between is lost
				// and the poll or push channels will catch it up.
				l.log.Debug().Msg("listener reconnected, notifications may have been missed")
				continue
			}
			l.handle([]byte(n.Extra))
		case <-ping.C:
			if err := pql.Ping(); err != nil {
				l.log.Debug().Err(err).Msg("listener ping failed")
			}
		}
	}
}

func (l *Listener) handle(payload []byte) {
	l.mu.Lock()
	key, sink := l.key, l.sink
	l.mu.Unlock()
	if sink == nil {
		return
	}
	ev, ok, err := chatsync.ParseChangeFor(key, payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("dropping change notification")
		return
	}
	if ok {
		sink.Deliver(ev)
	}
}
