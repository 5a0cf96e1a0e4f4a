// Package channel is the interaction channel manager. Each team has at most
// one coordinator session and at most one item session; every session has
// its own worker, so sessions never wait on each other.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anpag/escaipe-room/internal/agent"
	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/rooms"
)

type Config struct {
	Registry *registry.Registry
	Rooms    *rooms.Table
	Engine   *game.Engine
	Gateway  agent.Gateway
	Logger   *slog.Logger

	AgentTimeout     time.Duration
	QueueDepth       int
	SubscriberBuffer int
}

type Manager struct {
	reg     *registry.Registry
	rooms   *rooms.Table
	engine  *game.Engine
	gateway agent.Gateway
	logger  *slog.Logger

	timeout    time.Duration
	queueDepth int
	bufSize    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nextID atomic.Uint64

	mu           sync.Mutex
	coordinators map[string]*Session
	items        map[string]*Session
	stopped      bool
}

// NewManager creates a manager and subscribes it to team resets and
// deletions and to game events.
func NewManager(cfg Config) *Manager {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 30 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		reg:          cfg.Registry,
		rooms:        cfg.Rooms,
		engine:       cfg.Engine,
		gateway:      cfg.Gateway,
		logger:       cfg.Logger,
		timeout:      cfg.AgentTimeout,
		queueDepth:   cfg.QueueDepth,
		bufSize:      cfg.SubscriberBuffer,
		ctx:          ctx,
		cancel:       cancel,
		coordinators: make(map[string]*Session),
		items:        make(map[string]*Session),
	}
	cfg.Registry.AddListener(m)
	cfg.Engine.AddObserver(m)
	return m
}

// OpenCoordinator returns the team's coordinator session, creating it
// seeded with the current room's greeting if there is none.
func (m *Manager) OpenCoordinator(teamID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrSessionClosed
	}
	if s, ok := m.coordinators[teamID]; ok {
		return s, nil
	}

	team, err := m.reg.Get(teamID)
	if err != nil {
		return nil, err
	}
	var seed []agent.Entry
	if def, err := m.rooms.Get(team.State.CurrentRoom); err == nil && def.Coordinator.Greeting != "" {
		seed = append(seed, agent.Entry{Role: agent.RoleAgent, Text: def.Coordinator.Greeting})
	}

	s := m.newSession(Key{TeamID: teamID, Kind: agent.KindCoordinator}, team.Generation, seed)
	m.coordinators[teamID] = s
	return s, nil
}

// OpenItem returns the item session for a zone of the team's current room.
// Reopening the zone that is already open reattaches to it; opening another
// zone first closes the open one.
func (m *Manager) OpenItem(teamID, zoneID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrSessionClosed
	}
	team, err := m.reg.Get(teamID)
	if err != nil {
		return nil, err
	}
	def, err := m.rooms.Get(team.State.CurrentRoom)
	if err != nil {
		return nil, err
	}
	zone, ok := def.Zone(zoneID)
	if !ok {
		return nil, fmt.Errorf("zone %q in room %q: %w", zoneID, def.ID, escaperoom.ErrNotFound)
	}

	if cur, ok := m.items[teamID]; ok {
		if cur.key.Zone == zoneID {
			return cur, nil
		}
		delete(m.items, teamID)
		m.closed(cur, ReasonReplaced)
	}

	var seed []agent.Entry
	if zone.Description != "" {
		seed = append(seed, agent.Entry{Role: agent.RoleAgent, Text: zone.Description})
	}
	s := m.newSession(Key{TeamID: teamID, Kind: agent.KindItem, Zone: zoneID}, team.Generation, seed)
	m.items[teamID] = s
	return s, nil
}

// ItemSession returns the team's open item session, if any.
func (m *Manager) ItemSession(teamID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[teamID]
	return s, ok
}

// Close ends a session and discards its transcript.
func (m *Manager) Close(s *Session, reason string) {
	m.mu.Lock()
	m.unmapLocked(s)
	m.mu.Unlock()
	m.closed(s, reason)
}

// CloseTeam ends every session of a team.
func (m *Manager) CloseTeam(teamID, reason string) {
	m.mu.Lock()
	c := m.coordinators[teamID]
	i := m.items[teamID]
	delete(m.coordinators, teamID)
	delete(m.items, teamID)
	m.mu.Unlock()

	if c != nil {
		m.closed(c, reason)
	}
	if i != nil {
		m.closed(i, reason)
	}
}

// Shutdown closes every session and waits for the workers to stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopped = true
	var all []*Session
	for _, s := range m.coordinators {
		all = append(all, s)
	}
	for _, s := range m.items {
		all = append(all, s)
	}
	clear(m.coordinators)
	clear(m.items)
	m.mu.Unlock()

	for _, s := range all {
		m.closed(s, ReasonShutdown)
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) TeamReset(teamID string)   { m.CloseTeam(teamID, ReasonReset) }
func (m *Manager) TeamDeleted(teamID string) { m.CloseTeam(teamID, ReasonDeleted) }

// Observe reacts to committed game transitions: a starting special
// sequence closes the open item modal, and entering a new room closes it
// and has the coordinator greet the room.
func (m *Manager) Observe(ev game.Event) {
	switch ev.Kind {
	case game.EventSpecialStarted:
		m.forceCloseItem(ev.TeamID, ReasonSpecial)
	case game.EventRoomAdvanced:
		m.forceCloseItem(ev.TeamID, ReasonRoomChanged)
		m.greet(ev)
	}
}

func (m *Manager) greet(ev game.Event) {
	def, err := m.rooms.Get(ev.Room)
	if err != nil || def.Coordinator.Greeting == "" {
		return
	}
	m.mu.Lock()
	c := m.coordinators[ev.TeamID]
	m.mu.Unlock()
	if c == nil {
		return
	}
	st := ev.State.Clone()
	c.append(
		agent.Entry{Role: agent.RoleAgent, Text: def.Coordinator.Greeting},
		Frame{Type: FrameReply, Reply: def.Coordinator.Greeting, GameState: &st},
	)
}

// forceCloseItem closes the team's item session. If that session is itself
// committing the delta that caused the close, the close is deferred until
// its reply has been delivered.
func (m *Manager) forceCloseItem(teamID, reason string) {
	m.mu.Lock()
	s, ok := m.items[teamID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.applying {
		s.closeAfter = reason
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	s.mu.Unlock()
	delete(m.items, teamID)
	m.mu.Unlock()

	m.closed(s, reason)
}

func (m *Manager) unmapLocked(s *Session) {
	switch s.key.Kind {
	case agent.KindCoordinator:
		if m.coordinators[s.key.TeamID] == s {
			delete(m.coordinators, s.key.TeamID)
		}
	case agent.KindItem:
		if m.items[s.key.TeamID] == s {
			delete(m.items, s.key.TeamID)
		}
	}
}

func (m *Manager) closed(s *Session, reason string) {
	if s.close(reason) {
		m.logger.Info("session closed", sessionAttrs(s, "reason", reason)...)
	}
}

func (m *Manager) newSession(key Key, gen uint64, seed []agent.Entry) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		key:        key,
		id:         m.nextID.Add(1),
		gen:        gen,
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan string, m.queueDepth),
		transcript: seed,
		subs:       make(map[*Subscription]struct{}),
		bufSize:    m.bufSize,
	}
	m.logger.Info("session opened", sessionAttrs(s)...)

	m.wg.Add(1)
	go m.run(s)
	return s
}

func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.queue:
			m.process(s, text)
		}
	}
}

func (m *Manager) process(s *Session, text string) {
	if !s.append(agent.Entry{Role: agent.RoleUser, Text: text}, Frame{Type: FrameUser, Text: text}) {
		return
	}

	team, err := m.reg.Get(s.key.TeamID)
	if err != nil {
		m.fail(s, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, m.timeout)
	resp, err := m.gateway.Converse(ctx, agent.Request{
		Kind:       s.key.Kind,
		Zone:       s.key.Zone,
		TeamID:     team.ID,
		TeamName:   team.Name,
		Room:       team.State.CurrentRoom,
		Utterance:  text,
		Transcript: s.Transcript(),
		State:      team.State,
		Inventory:  team.Inventory,
	})
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if s.ctx.Err() != nil {
			m.logger.Info("discarding agent response for closed session", sessionAttrs(s)...)
			return
		}
		if timedOut && !errors.Is(err, agent.ErrAgentTimeout) {
			err = fmt.Errorf("%w: %w", agent.ErrAgentTimeout, err)
		}
		m.fail(s, err)
		return
	}

	var pending string
	d := game.Delta{Inventory: resp.Inventory, State: resp.State, RoomCompleted: resp.RoomCompleted}
	if !d.Empty() {
		if !s.beginApply() {
			m.logger.Info("discarding agent response for closed session", sessionAttrs(s)...)
			return
		}
		updated, err := m.engine.ApplyAgentDelta(context.WithoutCancel(s.ctx), team.ID, s.gen, d)
		pending = s.endApply()
		switch {
		case errors.Is(err, escaperoom.ErrStaleGeneration), errors.Is(err, escaperoom.ErrNotFound):
			m.logger.Info("discarding agent response for previous team generation",
				sessionAttrs(s, "error", err)...)
			return
		case err != nil:
			m.fail(s, err)
			return
		}
		team = updated
	}

	st := team.State.Clone()
	s.append(
		agent.Entry{Role: agent.RoleAgent, Text: resp.Reply},
		Frame{Type: FrameReply, Reply: resp.Reply, Inventory: team.Inventory, GameState: &st},
	)
	if pending != "" {
		m.Close(s, pending)
	}
}

// beginApply marks the session as committing a delta. It reports false
// once the session is closed: a closed session's response is never merged.
func (s *Session) beginApply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.applying = true
	return true
}

// endApply clears the applying mark and returns the reason of a close that
// was deferred while the delta was committed.
func (s *Session) endApply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applying = false
	reason := s.closeAfter
	s.closeAfter = ""
	return reason
}

// fail records an error entry in the transcript. The session stays open.
func (m *Manager) fail(s *Session, err error) {
	msg := errorMessage(err)
	m.logger.Warn("agent exchange failed", sessionAttrs(s, "error", err)...)
	s.append(agent.Entry{Role: agent.RoleError, Text: msg}, Frame{Type: FrameError, Error: msg})
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, agent.ErrAgentTimeout):
		return "The agent took too long to answer. Please try again."
	case errors.Is(err, agent.ErrAgentUnavailable):
		return "The agent is unavailable right now. Please try again."
	case errors.Is(err, escaperoom.ErrNotFound):
		return "This team no longer exists."
	default:
		return "Something went wrong. Please try again."
	}
}

func sessionAttrs(s *Session, extra ...any) []any {
	attrs := []any{"team_id", s.key.TeamID, "channel", string(s.key.Kind), "session_id", s.id}
	if s.key.Zone != "" {
		attrs = append(attrs, "zone", s.key.Zone)
	}
	return append(attrs, extra...)
}

// ValidUtterance trims an utterance and reports whether anything is left.
func ValidUtterance(text string) (string, bool) {
	text = strings.TrimSpace(text)
	return text, text != ""
}
