package chatsync

import (
	"context"
	"fmt"
	"time"
)

// Persister is the slice of Backend the send pipeline needs.
type Persister interface {
	PersistMessage(ctx context.Context, req PersistRequest) (PersistResult, error)
}

// PersistRequest carries everything the backend needs to store a message
// and everything the engine needs to match its echo.
type PersistRequest struct {
	CorrelationID   string    `json:"correlationId"`
	SenderID        string    `json:"senderId"`
	RecipientID     string    `json:"recipientId"`
	Content         string    `json:"content"`
	ClientTimestamp time.Time `json:"clientTimestamp"`
}

// PersistResult is the durable identity assigned by the backend.
type PersistResult struct {
	ID              string    `json:"id"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// SendPhase tracks one outbound message through the pipeline.
type SendPhase string

const (
	PhaseComposed             SendPhase = "composed"
	PhaseOptimisticallyStored SendPhase = "optimistically_stored"
	PhasePersisting           SendPhase = "persisting"
	PhaseReconciled           SendPhase = "reconciled"
	PhaseFailed               SendPhase = "failed"
)

// SendFailure is the payload of the send.failed event.
type SendFailure struct {
	CorrelationID string
	Message       Message
	Err           error
}

// Send inserts content optimistically, persists it and reconciles the
// placeholder with the durable record. It blocks for the durable write;
// callers that must not wait run it in a goroutine. A failed write leaves
// the record in the failed state and returns the error.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	m := Message{
		CorrelationID:   s.cfg.NewCorrelationID(),
		SenderID:        s.cfg.LocalUserID,
		RecipientID:     s.cfg.PeerID,
		Content:         content,
		ClientTimestamp: s.cfg.Engine.Now().UTC(),
		State:           StatePending,
	}

	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return Message{}, ErrClosed
	}
	gen := s.gen
	s.phases[m.CorrelationID] = PhaseComposed
	changed := s.engine.InsertOptimistic(m)
	s.phases[m.CorrelationID] = PhaseOptimisticallyStored
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()
	s.notify(snap, nil)

	s.log.Debug().Str("correlation_id", m.CorrelationID).Msg("message stored optimistically")
	return s.persist(ctx, gen, m)
}

// Retry re-sends a message left in the failed state. Nothing is retried
// automatically; this is the user's retry affordance.
func (s *Session) Retry(ctx context.Context, correlationID string) (Message, error) {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return Message{}, ErrClosed
	}
	m, ok := s.engine.resetFailed(correlationID)
	if !ok {
		_, known := s.engine.Store().GetByCorrelation(correlationID)
		s.mu.Unlock()
		if known {
			return Message{}, ErrNotFailed
		}
		return Message{}, ErrUnknownMessage
	}
	gen := s.gen
	s.phases[correlationID] = PhaseOptimisticallyStored
	snap := s.snapshotLocked(true)
	s.mu.Unlock()
	s.notify(snap, nil)

	s.log.Info().Str("correlation_id", correlationID).Msg("retrying send")
	return s.persist(ctx, gen, m)
}

// persist runs the durable write outside the session lock and applies the
// outcome only if the session generation is unchanged.
func (s *Session) persist(ctx context.Context, gen uint64, m Message) (Message, error) {
	s.setPhase(m.CorrelationID, PhasePersisting)

	res, err := s.cfg.Backend.PersistMessage(ctx, PersistRequest{
		CorrelationID:   m.CorrelationID,
		SenderID:        m.SenderID,
		RecipientID:     m.RecipientID,
		Content:         m.Content,
		ClientTimestamp: m.ClientTimestamp,
	})
	if err == nil && res.ID == "" {
		err = fmt.Errorf("backend returned no message id")
	}

	s.mu.Lock()
	if s.gen != gen || s.state == sessionClosed {
		s.mu.Unlock()
		incSend("stale")
		s.log.Debug().Str("correlation_id", m.CorrelationID).Msg("dropping send completion for closed session")
		return Message{}, ErrClosed
	}

	if err != nil {
		changed := s.engine.MarkFailed(m.CorrelationID)
		s.phases[m.CorrelationID] = PhaseFailed
		failed, _ := s.engine.Store().GetByCorrelation(m.CorrelationID)
		snap := s.snapshotLocked(changed)
		s.mu.Unlock()

		incSend("error")
		s.log.Warn().Err(err).Str("correlation_id", m.CorrelationID).Msg("send failed")
		s.notify(snap, nil)
		s.events.emit(EventSendFailed, SendFailure{CorrelationID: m.CorrelationID, Message: failed, Err: err})
		return failed, fmt.Errorf("persist message: %w", err)
	}

	auth := m
	auth.ID = res.ID
	auth.ServerTimestamp = res.ServerTimestamp
	auth.State = StateSent
	changed := s.engine.Reconcile(m.CorrelationID, auth)
	s.phases[m.CorrelationID] = PhaseReconciled
	final, _ := s.engine.Store().GetByCorrelation(m.CorrelationID)
	conflicts := s.engine.takeConflicts()
	snap := s.snapshotLocked(changed)
	s.mu.Unlock()

	incSend("ok")
	s.log.Debug().
		Str("correlation_id", m.CorrelationID).
		Str("message_id", res.ID).
		Msg("message reconciled")
	s.notify(snap, conflicts)
	return final, nil
}

func (s *Session) setPhase(correlationID string, p SendPhase) {
	s.mu.Lock()
	s.phases[correlationID] = p
	s.mu.Unlock()
}

// Phase reports where an outbound message is in the pipeline.
func (s *Session) Phase(correlationID string) (SendPhase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phases[correlationID]
	return p, ok
}
