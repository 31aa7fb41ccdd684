package chatsync

import (
	"container/list"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultDedupWindow = 5 * time.Second
	DefaultDedupSize   = 4096
)

// dedupSet remembers event hashes for a bounded time and count. Entries
// are kept in first-seen order so expiry and eviction both pop the front.
type dedupSet struct {
	ttl   time.Duration
	max   int
	seen  map[uint64]*list.Element
	order *list.List
}

type seenEntry struct {
	hash uint64
	at   time.Time
}

func newDedupSet(ttl time.Duration, max int) *dedupSet {
	return &dedupSet{
		ttl:   ttl,
		max:   max,
		seen:  make(map[uint64]*list.Element),
		order: list.New(),
	}
}

// check records h and reports whether it was already inside the window.
func (d *dedupSet) check(h uint64, now time.Time) bool {
	d.expire(now)
	if _, ok := d.seen[h]; ok {
		return true
	}
	d.seen[h] = d.order.PushBack(seenEntry{hash: h, at: now})
	for d.order.Len() > d.max {
		d.removeFront()
	}
	return false
}

func (d *dedupSet) expire(now time.Time) {
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		if now.Sub(front.Value.(seenEntry).at) < d.ttl {
			return
		}
		d.removeFront()
	}
}

func (d *dedupSet) removeFront() {
	front := d.order.Front()
	if front == nil {
		return
	}
	delete(d.seen, front.Value.(seenEntry).hash)
	d.order.Remove(front)
}

func (d *dedupSet) len() int {
	return d.order.Len()
}

func (d *dedupSet) reset() {
	d.seen = make(map[uint64]*list.Element)
	d.order.Init()
}

// eventHash digests the logical identity of an event. Two deliveries of
// the same fact from different channels hash equal; the source and
// receipt time are deliberately left out.
func eventHash(ev *Event) uint64 {
	h := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.Write([]byte{0})
		}
	}
	write(string(ev.Kind))
	switch ev.Kind {
	case KindMessage:
		m := ev.Message
		deleted := "0"
		if m.Deleted {
			deleted = "1"
		}
		write(m.key(), string(m.State), deleted, m.Content)
		if !m.ServerTimestamp.IsZero() {
			write(m.ServerTimestamp.UTC().Format(time.RFC3339Nano))
		}
	case KindDelivery:
		write(ev.Delivery.MessageID, string(ev.Delivery.State))
	}
	return h.Sum64()
}

// reactionWindow dedups reactions against the latest fact seen for each
// (user, message) pair. A reaction slot is a register rather than a set of
// facts: after a clear, setting the same emoji again is new.
type reactionWindow struct {
	ttl   time.Duration
	max   int
	last  map[reactionSlot]*list.Element
	order *list.List
}

type reactionSlot struct {
	user, message string
}

type reactionFact struct {
	slot  reactionSlot
	emoji string
	at    time.Time // source timestamp, zero when the channel has none
	seen  time.Time
}

func newReactionWindow(ttl time.Duration, max int) *reactionWindow {
	return &reactionWindow{
		ttl:   ttl,
		max:   max,
		last:  make(map[reactionSlot]*list.Element),
		order: list.New(),
	}
}

// check records r as the latest fact for its slot and reports whether it
// should be suppressed: either it repeats the latest fact inside the
// window, or its source timestamp is older than the latest fact's.
func (w *reactionWindow) check(r *ReactionEvent, now time.Time) (dup, stale bool) {
	w.expire(now)
	slot := reactionSlot{user: r.UserID, message: r.MessageID}
	if el, ok := w.last[slot]; ok {
		f := el.Value.(reactionFact)
		if f.emoji == r.Emoji {
			return true, false
		}
		if !r.At.IsZero() && !f.at.IsZero() && r.At.Before(f.at) {
			return false, true
		}
		w.order.Remove(el)
	}
	w.last[slot] = w.order.PushBack(reactionFact{slot: slot, emoji: r.Emoji, at: r.At, seen: now})
	for w.order.Len() > w.max {
		w.removeFront()
	}
	return false, false
}

func (w *reactionWindow) expire(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(reactionFact).seen) < w.ttl {
			return
		}
		w.removeFront()
	}
}

func (w *reactionWindow) removeFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	delete(w.last, front.Value.(reactionFact).slot)
	w.order.Remove(front)
}

func (w *reactionWindow) len() int {
	return w.order.Len()
}

func (w *reactionWindow) reset() {
	w.last = make(map[reactionSlot]*list.Element)
	w.order.Init()
}
