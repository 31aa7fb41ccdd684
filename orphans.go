package chatsync

import (
	"container/list"
	"time"
)

const (
	DefaultOrphanMaxAge = 30 * time.Second
	DefaultOrphanLimit  = 1024
)

// orphanBuffer holds delivery and reaction events whose message is not in
// the store yet. order is global receipt order; byID keeps the per-message
// elements in the same order, so the oldest event of any message is always
// the head of its slice.
type orphanBuffer struct {
	maxAge time.Duration
	max    int
	byID   map[string][]*list.Element
	order  *list.List
}

type orphan struct {
	messageID string
	ev        Event
	at        time.Time
}

func newOrphanBuffer(maxAge time.Duration, max int) *orphanBuffer {
	return &orphanBuffer{
		maxAge: maxAge,
		max:    max,
		byID:   make(map[string][]*list.Element),
		order:  list.New(),
	}
}

// add buffers ev and returns how many older entries were evicted to stay
// under the cap.
func (b *orphanBuffer) add(ev Event, now time.Time) int {
	id := ev.targetID()
	el := b.order.PushBack(&orphan{messageID: id, ev: ev, at: now})
	b.byID[id] = append(b.byID[id], el)
	evicted := 0
	for b.order.Len() > b.max {
		b.removeFront()
		evicted++
	}
	return evicted
}

// take removes and returns the live events for id in receipt order.
func (b *orphanBuffer) take(id string) []Event {
	els, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	out := make([]Event, 0, len(els))
	for _, el := range els {
		out = append(out, el.Value.(*orphan).ev)
		b.order.Remove(el)
	}
	return out
}

// expire drops entries older than maxAge and returns how many went.
func (b *orphanBuffer) expire(now time.Time) int {
	n := 0
	for front := b.order.Front(); front != nil; front = b.order.Front() {
		if now.Sub(front.Value.(*orphan).at) <= b.maxAge {
			break
		}
		b.removeFront()
		n++
	}
	return n
}

func (b *orphanBuffer) removeFront() {
	front := b.order.Front()
	if front == nil {
		return
	}
	o := front.Value.(*orphan)
	b.order.Remove(front)
	els := b.byID[o.messageID]
	if len(els) <= 1 {
		delete(b.byID, o.messageID)
		return
	}
	b.byID[o.messageID] = els[1:]
}

func (b *orphanBuffer) len() int {
	return b.order.Len()
}

func (b *orphanBuffer) reset() {
	b.byID = make(map[string][]*list.Element)
	b.order.Init()
}
