package chatsync

import (
	"time"

	"github.com/rs/zerolog"
)

// EngineConfig tunes the reconciliation engine. Zero values select the
// package defaults.
type EngineConfig struct {
	DedupWindow    time.Duration
	DedupSize      int
	OrphanMaxAge   time.Duration
	OrphanLimit    int
	MatchTolerance time.Duration
	Logger         *zerolog.Logger
	Now            func() time.Time
}

func (c *EngineConfig) defaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.DedupSize <= 0 {
		c.DedupSize = DefaultDedupSize
	}
	if c.OrphanMaxAge <= 0 {
		c.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if c.OrphanLimit <= 0 {
		c.OrphanLimit = DefaultOrphanLimit
	}
	if c.MatchTolerance <= 0 {
		c.MatchTolerance = DefaultMatchTolerance
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine is the single entry point for inbound events. It owns one Store
// and the private dedup and orphan state that guard it. Like Store, an
// Engine is not safe for concurrent use.
type Engine struct {
	store     *Store
	seen      *dedupSet
	reactions *reactionWindow
	orphans   *orphanBuffer
	log       zerolog.Logger
	now       func() time.Time
	conflicts []Message
}

// NewEngine creates an engine over a fresh store.
func NewEngine(cfg EngineConfig) *Engine {
	cfg.defaults()
	return &Engine{
		store:   NewStore(cfg.MatchTolerance),
		seen:      newDedupSet(cfg.DedupWindow, cfg.DedupSize),
		reactions: newReactionWindow(cfg.DedupWindow, cfg.DedupSize),
		orphans:   newOrphanBuffer(cfg.OrphanMaxAge, cfg.OrphanLimit),
		log:       *cfg.Logger,
		now:       cfg.Now,
	}
}

// Store exposes the engine's store for reads.
func (e *Engine) Store() *Store { return e.store }

// Apply merges ev into the store and reports whether observable state
// changed. Duplicates, orphans, malformed input and even a panic in the
// merge path all come back as false; nothing escapes to the caller.
func (e *Engine) Apply(ev Event) (changed bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("source", string(ev.Source)).
				Str("kind", string(ev.Kind)).
				Msg("event apply panicked, dropping event")
			incMalformed(ev.Source)
			changed = false
		}
	}()

	if err := ev.validate(); err != nil {
		e.log.Warn().Err(err).Str("source", string(ev.Source)).Msg("dropping event")
		incMalformed(ev.Source)
		return false
	}

	now := e.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	addOrphans("expired", e.orphans.expire(now))

	if e.suppressed(&ev, now) {
		incDuplicate(ev.Source, ev.Kind)
		return false
	}

	switch ev.Kind {
	case KindMessage:
		changed = e.applyMessage(ev)
	case KindDelivery, KindReaction:
		changed = e.applyOrBuffer(ev, now)
	}
	if changed {
		incApplied(ev.Source, ev.Kind)
	}
	return changed
}

func (e *Engine) suppressed(ev *Event, now time.Time) bool {
	var dup, stale bool
	if ev.Kind == KindReaction {
		dup, stale = e.reactions.check(ev.Reaction, now)
	} else {
		dup = e.seen.check(eventHash(ev), now)
	}
	if !dup && !stale {
		return false
	}
	msg := "duplicate event suppressed"
	if stale {
		msg = "stale reaction suppressed"
	}
	e.log.Debug().
		Str("source", string(ev.Source)).
		Str("kind", string(ev.Kind)).
		Str("message_id", ev.targetID()).
		Msg(msg)
	return true
}

func (e *Engine) applyMessage(ev Event) bool {
	res := e.store.upsert(*ev.Message)
	e.noteResult(res, ev.Source)
	changed := res.changed
	if res.key != "" && res.key == ev.Message.ID {
		if e.replay(res.key) {
			changed = true
		}
	}
	return changed
}

func (e *Engine) applyOrBuffer(ev Event, now time.Time) bool {
	id := ev.targetID()
	if !e.store.Has(id) {
		evicted := e.orphans.add(ev, now)
		addOrphans("buffered", 1)
		addOrphans("evicted", evicted)
		e.log.Debug().
			Str("source", string(ev.Source)).
			Str("kind", string(ev.Kind)).
			Str("message_id", id).
			Msg("buffered orphan event")
		return false
	}
	return e.applyDirect(ev)
}

func (e *Engine) applyDirect(ev Event) bool {
	switch ev.Kind {
	case KindDelivery:
		return e.store.ApplyDeliveryEvent(*ev.Delivery)
	case KindReaction:
		r := ev.Reaction
		return e.store.ApplyReaction(r.UserID, r.MessageID, r.Emoji)
	}
	return false
}

// replay applies buffered events for id in receipt order.
func (e *Engine) replay(id string) bool {
	addOrphans("expired", e.orphans.expire(e.now()))
	pending := e.orphans.take(id)
	if len(pending) == 0 {
		return false
	}
	changed := false
	for _, ev := range pending {
		if e.applyDirect(ev) {
			changed = true
		}
	}
	addOrphans("replayed", len(pending))
	e.log.Debug().Str("message_id", id).Int("count", len(pending)).Msg("replayed orphan events")
	return changed
}

func (e *Engine) noteResult(res upsertResult, src Source) {
	if !res.conflict {
		return
	}
	m, _ := e.store.Get(res.key)
	e.conflicts = append(e.conflicts, m)
	incConflict()
	e.log.Error().
		Str("source", string(src)).
		Str("message_id", m.ID).
		Str("correlation_id", m.CorrelationID).
		Msg("authoritative content differs from held copy, keeping held copy")
}

// ── Local send path ──────────────────────────────────────

// InsertOptimistic stores a locally composed message. The record must
// carry a correlation id and no durable id.
func (e *Engine) InsertOptimistic(m Message) bool {
	m.ID = ""
	m.State = StatePending
	return e.Apply(MessageEvent(SourceLocal, m))
}

// Reconcile swaps the optimistic record for correlationID with its
// authoritative counterpart and replays anything that arrived for the
// durable id in the meantime.
func (e *Engine) Reconcile(correlationID string, auth Message) bool {
	res := e.store.replaceOptimistic(correlationID, auth)
	e.noteResult(res, SourceLocal)
	changed := res.changed
	if auth.ID != "" && e.replay(auth.ID) {
		changed = true
	}
	if changed {
		incApplied(SourceLocal, KindMessage)
	}
	return changed
}

// MarkFailed flags the optimistic record as failed.
func (e *Engine) MarkFailed(correlationID string) bool {
	return e.store.MarkFailed(correlationID)
}

// Reset discards dedup and orphan state. The store is kept.
func (e *Engine) Reset() {
	e.seen.reset()
	e.reactions.reset()
	e.orphans.reset()
}

// takeConflicts drains the conflicts recorded since the last call.
func (e *Engine) takeConflicts() []Message {
	out := e.conflicts
	e.conflicts = nil
	return out
}

// OrphanCount reports how many events are waiting for their message.
func (e *Engine) OrphanCount() int {
	return e.orphans.len()
}

func (e *Engine) resetFailed(correlationID string) (Message, bool) {
	return e.store.resetFailed(correlationID)
}
