package channel

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/anpag/escaipe-room/internal/agent"
)

var (
	ErrSessionBusy   = errors.New("session busy")
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("subscriber too slow")
)

// Key identifies a session. Zone is empty for coordinator sessions.
type Key struct {
	TeamID string
	Kind   agent.Kind
	Zone   string
}

// Session is one conversation: a transcript, the subscribers attached to
// it and a worker that processes utterances one at a time in submission
// order.
type Session struct {
	key Key
	id  uint64

	// gen is the team generation the session was opened against. Agent
	// responses are only merged into that generation.
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan string

	mu         sync.Mutex
	transcript []agent.Entry
	subs       map[*Subscription]struct{}
	closed     bool
	applying   bool
	closeAfter string
	bufSize    int
}

func (s *Session) Key() Key   { return s.key }
func (s *Session) ID() uint64 { return s.id }

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []agent.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Attach subscribes to the session. The first frame on the subscription is
// always the full transcript; every later entry follows in order.
func (s *Session) Attach() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	sub := &Subscription{
		s:  s,
		ch: make(chan Frame, s.bufSize),
	}
	sub.ch <- Frame{Type: FrameHistory, History: slices.Clone(s.transcript)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Send queues an utterance. It fails with ErrSessionBusy when the queue is
// full and with ErrSessionClosed once the session is gone.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.queue <- text:
		return nil
	default:
		return ErrSessionBusy
	}
}

func (s *Session) append(e agent.Entry, f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.transcript = append(s.transcript, e)
	s.broadcastLocked(f)
	return true
}

func (s *Session) broadcastLocked(f Frame) {
	for sub := range s.subs {
		sub.sendLocked(f)
	}
}

// close ends the session. It reports false if the session was already
// closed.
func (s *Session) close(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	f := Frame{Type: FrameClosed, Reason: reason}
	for sub := range s.subs {
		sub.sendLocked(f)
		sub.endLocked(ErrSessionClosed)
	}
	s.subs = nil
	s.transcript = nil
	s.cancel()
	return true
}

// Subscription is one consumer of a session, typically a socket.
type Subscription struct {
	s   *Session
	ch  chan Frame
	err error
}

// Frames is closed when the subscription ends. Err then tells why.
func (sub *Subscription) Frames() <-chan Frame { return sub.ch }

func (sub *Subscription) Session() *Session { return sub.s }

func (sub *Subscription) Err() error {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	return sub.err
}

// Notify delivers a frame to this subscriber only, after everything
// already queued for it.
func (sub *Subscription) Notify(f Frame) {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	if _, ok := sub.s.subs[sub]; ok {
		sub.sendLocked(f)
	}
}

// Detach ends the subscription without affecting the session.
func (sub *Subscription) Detach() {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	if _, ok := sub.s.subs[sub]; ok {
		sub.endLocked(nil)
	}
}

// sendLocked never blocks. A subscriber whose buffer is full is cut off so
// it can never observe a transcript with gaps.
func (sub *Subscription) sendLocked(f Frame) {
	if sub.err != nil {
		return
	}
	select {
	case sub.ch <- f:
	default:
		sub.endLocked(ErrSlowConsumer)
	}
}

func (sub *Subscription) endLocked(err error) {
	if _, ok := sub.s.subs[sub]; !ok {
		return
	}
	delete(sub.s.subs, sub)
	if sub.err == nil {
		sub.err = err
	}
	close(sub.ch)
}
