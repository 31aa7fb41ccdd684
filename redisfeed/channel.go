// Package redisfeed carries change rows over Redis pub/sub, one channel per
// conversation.
package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

// Topic returns the pub/sub channel name for a conversation.
func Topic(key chatsync.ConversationKey) string {
	return "chatsync:" + key.String()
}

// Publish fans one change row out to the conversation's subscribers.
func Publish(ctx context.Context, rdb *redis.Client, key chatsync.ConversationKey, row []byte) error {
	if err := rdb.Publish(ctx, Topic(key), row).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Config configures a Channel.
type Config struct {
	Client         *redis.Client
	HealthInterval time.Duration
	Logger         *zerolog.Logger
}

// Channel is a chatsync subscription channel over Redis pub/sub.
type Channel struct {
	rdb      *redis.Client
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	key    chatsync.ConversationKey
	sink   chatsync.Sink
	ps     *redis.PubSub
	cancel context.CancelFunc
	up     bool
	closed bool
	done   chan struct{}
}

// New creates an unopened channel.
func New(cfg Config) *Channel {
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return &Channel{
		rdb:      cfg.Client,
		interval: cfg.HealthInterval,
		log:      cfg.Logger.With().Str("channel", "redis").Logger(),
	}
}

// Open subscribes and waits for the subscription to be confirmed.
func (c *Channel) Open(ctx context.Context, key chatsync.ConversationKey, sink chatsync.Sink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chatsync.ErrClosed
	}
	if c.ps != nil {
		c.mu.Unlock()
		return errors.New("redis channel already open")
	}
	c.key = key
	c.sink = sink
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.ps = c.rdb.Subscribe(runCtx, Topic(key))
	ps := c.ps
	c.done = make(chan struct{})
	c.mu.Unlock()

	// Receive confirms the first subscription and must finish before the
	// loop starts reading. go-redis resubscribes on its own after that.
	_, err := ps.Receive(ctx)
	go c.loop(runCtx, ps)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Topic(key), err)
	}
	c.setUp(true)
	return nil
}

// Close unsubscribes and waits for the receive loop to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps, done := c.ps, c.done
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (c *Channel) loop(ctx context.Context, ps *redis.PubSub) {
	defer close(c.done)
	health := time.NewTicker(c.interval)
	defer health.Stop()

	msgs := ps.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-msgs:
			if !ok {
				return
			}
			switch m := v.(type) {
			case *redis.Subscription:
				c.setUp(m.Kind == "subscribe")
			case *redis.Message:
				c.handle([]byte(m.Payload))
			}
		case <-health.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.interval/2)
			err := c.rdb.Ping(pingCtx).Err()
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				c.log.Warn().Err(err).Msg("redis health check failed")
			}
			c.setUp(err == nil)
		}
	}
}

// setUp reports connection edges to the sink.
func (c *Channel) setUp(up bool) {
	c.mu.Lock()
	if c.closed || c.up == up {
		c.mu.Unlock()
		return
	}
	c.up = up
	sink := c.sink
	c.mu.Unlock()
	sink.ConnectionChanged(up)
}

func (c *Channel) handle(payload []byte) {
	c.mu.Lock()
	key, sink := c.key, c.sink
	c.mu.Unlock()
	ev, ok, err := chatsync.ParseChangeFor(key, payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping change message")
		return
	}
	if ok {
		sink.Deliver(ev)
	}
}
