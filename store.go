package chatsync

import (
	"sort"
	"time"
)

// DefaultMatchTolerance bounds how far apart the client timestamps of an
// optimistic record and an uncorrelated authoritative record may be for the
// two to be treated as the same logical message.
const DefaultMatchTolerance = 2 * time.Second

// ============================================================================
// Store
// ============================================================================

// Store is the in-memory view of one conversation's messages. It performs
// no I/O and has no side effects beyond its own state; every mutator
// reports whether observable state changed. A Store is not safe for
// concurrent use: the owning Session serializes access.
type Store struct {
	messages      map[string]*Message // keyed by Message.key()
	byCorrelation map[string]string   // correlation id -> current key
	tolerance     time.Duration
}

// NewStore creates an empty store. A non-positive tolerance selects
// DefaultMatchTolerance.
func NewStore(tolerance time.Duration) *Store {
	if tolerance <= 0 {
		tolerance = DefaultMatchTolerance
	}
	return &Store{
		messages:      make(map[string]*Message),
		byCorrelation: make(map[string]string),
		tolerance:     tolerance,
	}
}

type upsertResult struct {
	changed  bool
	key      string
	replaced string // correlation id of a swapped-out optimistic record
	conflict bool   // authoritative content differed and was kept
}

// Upsert inserts an unseen message or merges it into the known one.
func (s *Store) Upsert(m Message) bool {
	return s.upsert(m).changed
}

func (s *Store) upsert(in Message) upsertResult {
	in = in.clone()
	if in.State == "" {
		if in.Optimistic() {
			in.State = StatePending
		} else {
			in.State = StateSent
		}
	}

	if in.Optimistic() {
		key := in.key()
		if existing, ok := s.messages[key]; ok {
			changed, conflict := mergeInto(existing, &in)
			return upsertResult{changed: changed, key: key, conflict: conflict}
		}
		s.messages[key] = &in
		s.byCorrelation[in.CorrelationID] = key
		return upsertResult{changed: true, key: key}
	}

	if existing, ok := s.messages[in.ID]; ok {
		changed, conflict := mergeInto(existing, &in)
		res := upsertResult{changed: changed, key: in.ID, conflict: conflict}
		if in.CorrelationID != "" {
			if optKey, ok := s.byCorrelation[in.CorrelationID]; ok && optKey != in.ID {
				if s.absorb(optKey, existing) {
					res.changed = true
					res.replaced = in.CorrelationID
				}
			}
		}
		return res
	}

	if optKey := s.matchOptimistic(&in); optKey != "" {
		return s.replace(optKey, in)
	}

	s.messages[in.ID] = &in
	if in.CorrelationID != "" {
		s.byCorrelation[in.CorrelationID] = in.ID
	}
	return upsertResult{changed: true, key: in.ID}
}

// mergeInto folds in into existing following the merge rules: the server
// timestamp overwrites, state only advances, deletion is sticky, and
// authoritative content never changes.
func mergeInto(existing *Message, in *Message) (changed, conflict bool) {
	if !in.ServerTimestamp.IsZero() && !in.ServerTimestamp.Equal(existing.ServerTimestamp) {
		existing.ServerTimestamp = in.ServerTimestamp
		changed = true
	}
	if existing.ClientTimestamp.IsZero() && !in.ClientTimestamp.IsZero() {
		existing.ClientTimestamp = in.ClientTimestamp
		changed = true
	}
	if st, ok := advanceState(existing.State, in.State); ok && st != StateFailed {
		existing.State = st
		changed = true
	}
	if in.Deleted && !existing.Deleted {
		existing.Deleted = true
		changed = true
	}
	if in.Content != "" && in.Content != existing.Content {
		switch {
		case existing.Content == "":
			existing.Content = in.Content
			changed = true
		case existing.Optimistic():
			existing.Content = in.Content
			changed = true
		default:
			conflict = true
		}
	}
	if existing.SenderID == "" && in.SenderID != "" {
		existing.SenderID = in.SenderID
		changed = true
	}
	if existing.RecipientID == "" && in.RecipientID != "" {
		existing.RecipientID = in.RecipientID
		changed = true
	}
	if existing.CorrelationID == "" && in.CorrelationID != "" {
		existing.CorrelationID = in.CorrelationID
		changed = true
	}
	for user, emoji := range in.Reactions {
		if existing.Reactions[user] != emoji {
			if existing.Reactions == nil {
				existing.Reactions = make(map[string]string)
			}
			existing.Reactions[user] = emoji
			changed = true
		}
	}
	return changed, conflict
}

// matchOptimistic finds the pending placeholder for an authoritative
// record, first by correlation id, then by the fallback key.
func (s *Store) matchOptimistic(in *Message) string {
	if in.CorrelationID != "" {
		if key, ok := s.byCorrelation[in.CorrelationID]; ok {
			if m := s.messages[key]; m != nil && m.Optimistic() {
				return key
			}
		}
	}

	ts := in.ClientTimestamp
	if ts.IsZero() {
		ts = in.ServerTimestamp
	}
	if ts.IsZero() {
		return ""
	}

	best := ""
	var bestDiff time.Duration
	for _, key := range s.byCorrelation {
		m := s.messages[key]
		if m == nil || !m.Optimistic() {
			continue
		}
		if m.SenderID != in.SenderID || m.RecipientID != in.RecipientID || m.Content != in.Content {
			continue
		}
		diff := m.ClientTimestamp.Sub(ts)
		if diff < 0 {
			diff = -diff
		}
		if diff > s.tolerance {
			continue
		}
		if best == "" || diff < bestDiff || (diff == bestDiff && key < best) {
			best, bestDiff = key, diff
		}
	}
	return best
}

// replace swaps the optimistic record at optKey for auth, keeping the
// reactions and delivery progress the placeholder already carried.
func (s *Store) replace(optKey string, auth Message) upsertResult {
	opt := s.messages[optKey]
	res := upsertResult{changed: true, key: auth.ID, replaced: opt.CorrelationID}

	merged := auth
	if merged.CorrelationID == "" {
		merged.CorrelationID = opt.CorrelationID
	}
	if merged.ClientTimestamp.IsZero() {
		merged.ClientTimestamp = opt.ClientTimestamp
	}
	if merged.SenderID == "" {
		merged.SenderID = opt.SenderID
	}
	if merged.RecipientID == "" {
		merged.RecipientID = opt.RecipientID
	}
	if opt.Content != "" && merged.Content != opt.Content {
		if merged.Content != "" {
			res.conflict = true
		}
		merged.Content = opt.Content
	}
	state := opt.State
	if st, ok := advanceState(state, auth.State); ok {
		state = st
	}
	if state == StatePending || state == StateFailed {
		state = StateSent
	}
	merged.State = state
	merged.Deleted = merged.Deleted || opt.Deleted
	if len(opt.Reactions) > 0 {
		reactions := make(map[string]string, len(opt.Reactions)+len(auth.Reactions))
		for u, e := range opt.Reactions {
			reactions[u] = e
		}
		for u, e := range auth.Reactions {
			reactions[u] = e
		}
		merged.Reactions = reactions
	}

	delete(s.messages, optKey)
	s.messages[merged.ID] = &merged
	s.byCorrelation[merged.CorrelationID] = merged.ID
	if opt.CorrelationID != merged.CorrelationID {
		s.byCorrelation[opt.CorrelationID] = merged.ID
	}
	return res
}

// absorb folds a leftover optimistic record into an authoritative one that
// arrived under its own identity.
func (s *Store) absorb(optKey string, into *Message) bool {
	opt := s.messages[optKey]
	if opt == nil || !opt.Optimistic() {
		return false
	}
	for u, e := range opt.Reactions {
		if _, ok := into.Reactions[u]; !ok {
			if into.Reactions == nil {
				into.Reactions = make(map[string]string)
			}
			into.Reactions[u] = e
		}
	}
	delete(s.messages, optKey)
	s.byCorrelation[opt.CorrelationID] = into.ID
	return true
}

// ApplyDeliveryEvent advances the state of a known message. Unknown ids
// return false; buffering them is the engine's job.
func (s *Store) ApplyDeliveryEvent(ev DeliveryEvent) bool {
	m := s.messages[ev.MessageID]
	if m == nil || ev.State == StateFailed {
		return false
	}
	st, ok := advanceState(m.State, ev.State)
	if !ok {
		return false
	}
	m.State = st
	return true
}

// ApplyReaction sets or, with an empty emoji, clears one user's reaction.
func (s *Store) ApplyReaction(userID, messageID, emoji string) bool {
	m := s.messages[messageID]
	if m == nil || userID == "" {
		return false
	}
	if emoji == "" {
		if _, ok := m.Reactions[userID]; !ok {
			return false
		}
		delete(m.Reactions, userID)
		return true
	}
	if m.Reactions[userID] == emoji {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	m.Reactions[userID] = emoji
	return true
}

// ReplaceOptimistic swaps the placeholder for correlationID with its
// authoritative record. Calling it again, or after an echo already
// replaced the placeholder, only merges.
func (s *Store) ReplaceOptimistic(correlationID string, auth Message) bool {
	return s.replaceOptimistic(correlationID, auth).changed
}

func (s *Store) replaceOptimistic(correlationID string, auth Message) upsertResult {
	if auth.ID == "" {
		return upsertResult{}
	}
	auth = auth.clone()
	if auth.CorrelationID == "" {
		auth.CorrelationID = correlationID
	}
	if auth.State == "" {
		auth.State = StateSent
	}
	key, ok := s.byCorrelation[correlationID]
	if !ok {
		return s.upsert(auth)
	}
	if m := s.messages[key]; m != nil && m.Optimistic() {
		if existing, ok := s.messages[auth.ID]; ok {
			_, conflict := mergeInto(existing, &auth)
			s.absorb(key, existing)
			return upsertResult{changed: true, key: auth.ID, replaced: correlationID, conflict: conflict}
		}
		return s.replace(key, auth)
	}
	return s.upsert(auth)
}

// MarkFailed flags a pending optimistic record as terminally failed.
func (s *Store) MarkFailed(correlationID string) bool {
	m := s.optimistic(correlationID)
	if m == nil {
		return false
	}
	st, ok := advanceState(m.State, StateFailed)
	if !ok {
		return false
	}
	m.State = st
	return true
}

// resetFailed puts a failed optimistic record back to pending for a
// user-initiated retry.
func (s *Store) resetFailed(correlationID string) (Message, bool) {
	m := s.optimistic(correlationID)
	if m == nil || m.State != StateFailed {
		return Message{}, false
	}
	m.State = StatePending
	return m.clone(), true
}

func (s *Store) optimistic(correlationID string) *Message {
	key, ok := s.byCorrelation[correlationID]
	if !ok {
		return nil
	}
	m := s.messages[key]
	if m == nil || !m.Optimistic() {
		return nil
	}
	return m
}

// ── Reads ────────────────────────────────────────────────

// Has reports whether a message with the durable id is present.
func (s *Store) Has(id string) bool {
	_, ok := s.messages[id]
	return ok
}

// Get returns a copy of the message with the durable id.
func (s *Store) Get(id string) (Message, bool) {
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// GetByCorrelation returns a copy of the record currently associated with
// the correlation id, optimistic or confirmed.
func (s *Store) GetByCorrelation(correlationID string) (Message, bool) {
	key, ok := s.byCorrelation[correlationID]
	if !ok {
		return Message{}, false
	}
	m, ok := s.messages[key]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Snapshot returns a time-ordered deep copy. Ties are broken by identity so
// equal states always render in the same order.
func (s *Store) Snapshot() []Message {
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Timestamp(), out[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].key() < out[j].key()
	})
	return out
}

// UnreadCount counts messages from the peer to localUser that are not yet
// read and not deleted.
func (s *Store) UnreadCount(localUser string) int {
	n := 0
	for _, m := range s.messages {
		if isUnreadFor(m, localUser) {
			n++
		}
	}
	return n
}

func isUnreadFor(m *Message, localUser string) bool {
	return m.RecipientID == localUser &&
		m.SenderID != localUser &&
		!m.Deleted &&
		m.State.Before(StateRead) &&
		m.State != StateFailed
}

// LatestServerTimestamp is the newest authoritative timestamp held, used
// as the poll cursor.
func (s *Store) LatestServerTimestamp() time.Time {
	var latest time.Time
	for _, m := range s.messages {
		if m.ServerTimestamp.After(latest) {
			latest = m.ServerTimestamp
		}
	}
	return latest
}

// LastActivity is the newest ordering timestamp held.
func (s *Store) LastActivity() time.Time {
	var latest time.Time
	for _, m := range s.messages {
		if ts := m.Timestamp(); ts.After(latest) {
			latest = ts
		}
	}
	return latest
}
