// Package game is the room state machine. It merges agent deltas into a
// team's committed state, evaluates room completion and special sequence
// triggers, and moves teams through the room sequence.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/rooms"
)

var (
	ErrWrongAnswer       = errors.New("wrong answer")
	ErrNoSpecialSequence = errors.New("no such special sequence in progress")
	ErrNotInFinalRoom    = errors.New("team is not in the final room")
)

// Delta is a partial update proposed by the conversational agent.
type Delta struct {
	Inventory     []escaperoom.Item
	State         map[string]any
	RoomCompleted bool
}

// Empty reports whether applying d could not change anything.
func (d Delta) Empty() bool {
	return len(d.Inventory) == 0 && len(d.State) == 0 && !d.RoomCompleted
}

// State keys the agent may not overwrite. They only change through the
// engine's own transitions.
var protectedKeys = map[string]bool{
	"current_room":    true,
	"game_completed":  true,
	"completion_time": true,
	"phase":           true,
	"latest_letter":   true,
	"special_fired":   true,
}

// Engine serializes every transition through the registry's per-team
// commit, so observers only ever see committed transitions.
type Engine struct {
	reg    *registry.Registry
	rooms  *rooms.Table
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	observers []Observer

	// emitting holds one lock per team. It is taken while the team's
	// commit is still in progress and released once its events are
	// delivered.
	emitMu   sync.Mutex
	emitting map[string]*sync.Mutex
}

func New(reg *registry.Registry, table *rooms.Table, logger *slog.Logger) *Engine {
	e := &Engine{
		reg:      reg,
		rooms:    table,
		logger:   logger,
		now:      time.Now,
		emitting: make(map[string]*sync.Mutex),
	}
	reg.AddListener(e)
	return e
}

func (e *Engine) TeamReset(string) {}

func (e *Engine) TeamDeleted(teamID string) {
	e.emitMu.Lock()
	delete(e.emitting, teamID)
	e.emitMu.Unlock()
}

func (e *Engine) emitLock(teamID string) *sync.Mutex {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	l, ok := e.emitting[teamID]
	if !ok {
		l = &sync.Mutex{}
		e.emitting[teamID] = l
	}
	return l
}

// AddObserver registers o for every event emitted after a commit.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// update commits fn for the team, fenced on gen when it is not nil, and
// delivers the events fn produced. The team's emit lock is acquired before
// the registry releases the team, so a later transition cannot overtake
// this one's events.
func (e *Engine) update(ctx context.Context, teamID string, gen *uint64, fn func(*escaperoom.Team) ([]Event, error)) (escaperoom.Team, error) {
	var (
		events []Event
		held   *sync.Mutex
	)
	commit := func(t *escaperoom.Team) error {
		evs, err := fn(t)
		if err != nil {
			return err
		}
		if len(evs) > 0 {
			held = e.emitLock(t.ID)
			held.Lock()
		}
		events = evs
		return nil
	}

	var (
		t   escaperoom.Team
		err error
	)
	if gen != nil {
		t, err = e.reg.UpdateAt(ctx, teamID, *gen, commit)
	} else {
		t, err = e.reg.Update(ctx, teamID, commit)
	}
	if held != nil {
		defer held.Unlock()
	}
	if err != nil {
		return escaperoom.Team{}, err
	}
	e.emit(events)
	return t, nil
}

func (e *Engine) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	e.mu.RLock()
	obs := slices.Clone(e.observers)
	e.mu.RUnlock()
	for _, ev := range events {
		for _, o := range obs {
			o.Observe(ev)
		}
	}
}

// ApplyAgentDelta merges d into the team's state as of generation gen.
// Inventory items are appended unless an item of the same name is already
// held, collected_letters is unioned in first-seen order and every other
// key overwrites a room-scoped flag. The room is then checked for its
// special trigger and its completion.
func (e *Engine) ApplyAgentDelta(ctx context.Context, teamID string, gen uint64, d Delta) (escaperoom.Team, error) {
	return e.update(ctx, teamID, &gen, func(t *escaperoom.Team) ([]Event, error) {
		signal := e.merge(t, d)
		return e.evaluate(t, signal), nil
	})
}

func (e *Engine) merge(t *escaperoom.Team, d Delta) bool {
	for _, it := range d.Inventory {
		if it.Name == "" || t.HasItem(it.Name) {
			continue
		}
		t.Inventory = append(t.Inventory, it)
	}

	signal := d.RoomCompleted
	for k, v := range d.State {
		switch {
		case k == "collected_letters":
			for _, l := range letters(v) {
				t.State.AddLetter(l)
			}
		case k == "room_completed":
			if b, ok := v.(bool); ok && b {
				signal = true
			}
		case protectedKeys[k]:
			e.logger.Debug("ignoring protected state key", "team_id", t.ID, "key", k)
		default:
			if t.State.Flags == nil {
				t.State.Flags = make(map[string]any)
			}
			t.State.Flags[k] = v
		}
	}
	return signal
}

func letters(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// evaluate runs the special trigger and completion checks against the
// merged state. Both only fire on a transition, so re-evaluating a state
// that already satisfied them emits nothing.
func (e *Engine) evaluate(t *escaperoom.Team, signal bool) []Event {
	def, err := e.rooms.Get(t.State.CurrentRoom)
	if err != nil {
		e.logger.Error("team is in an unknown room", "team_id", t.ID, "room", t.State.CurrentRoom)
		return nil
	}
	env := rooms.EnvFor(*t)

	var events []Event
	if ev, ok := e.special(t, def, env); ok {
		events = append(events, ev)
	}

	if t.State.RoomCompleted {
		return events
	}
	done := signal
	if !done {
		done, err = def.Completed(env)
		if err != nil {
			e.logger.Warn("completion predicate failed", "team_id", t.ID, "room", def.ID, "error", err)
			return events
		}
	}
	if done {
		events = append(events, e.complete(t, def))
	}
	return events
}

func (e *Engine) special(t *escaperoom.Team, def *rooms.Definition, env rooms.Env) (Event, bool) {
	if def.Special == nil || t.State.Phase.Kind != escaperoom.PhaseActive {
		return Event{}, false
	}
	name := def.Special.Name
	if t.State.SpecialFired[name] {
		return Event{}, false
	}
	ok, err := def.SpecialTriggered(env)
	if err != nil {
		e.logger.Warn("special trigger failed", "team_id", t.ID, "room", def.ID, "sequence", name, "error", err)
		return Event{}, false
	}
	if !ok {
		return Event{}, false
	}

	if t.State.SpecialFired == nil {
		t.State.SpecialFired = make(map[string]bool)
	}
	t.State.SpecialFired[name] = true
	t.State.Phase = escaperoom.RoomPhase{
		Kind:     escaperoom.PhaseSpecial,
		Sequence: name,
		Subphase: escaperoom.SubphaseStarted,
	}
	e.logger.Info("special sequence started", "team_id", t.ID, "room", def.ID, "sequence", name)
	return Event{
		Kind:     EventSpecialStarted,
		TeamID:   t.ID,
		Room:     def.ID,
		Sequence: name,
		State:    t.State.Clone(),
	}, true
}

func (e *Engine) complete(t *escaperoom.Team, def *rooms.Definition) Event {
	t.State.RoomCompleted = true
	t.State.Phase = escaperoom.RoomPhase{Kind: escaperoom.PhaseCompleted}
	if def.Letter != "" {
		t.State.AddLetter(def.Letter)
		t.State.LatestLetter = def.Letter
	}
	e.logger.Info("room completed", "team_id", t.ID, "room", def.ID, "letter", def.Letter)

	return Event{
		Kind:   EventRoomCompleted,
		TeamID: t.ID,
		Room:   def.ID,
		State:  t.State.Clone(),
		Victory: &Victory{
			TeamID:    t.ID,
			Room:      def.ID,
			RoomName:  def.Name,
			Letter:    def.Letter,
			Letters:   slices.Clone(t.State.CollectedLetters),
			Inventory: slices.Clone(t.Inventory),
			Final:     def.Final,
		},
	}
}

// CheckSpecialTrigger enters the current room's special sequence if its
// trigger holds while the room is active and it has not fired yet.
func (e *Engine) CheckSpecialTrigger(ctx context.Context, teamID string) (escaperoom.Team, error) {
	return e.update(ctx, teamID, nil, func(t *escaperoom.Team) ([]Event, error) {
		def, err := e.rooms.Get(t.State.CurrentRoom)
		if err != nil {
			return nil, err
		}
		if ev, ok := e.special(t, def, rooms.EnvFor(*t)); ok {
			return []Event{ev}, nil
		}
		return nil, nil
	})
}

// FinishSpecialSequence records the client's playback-ended signal for the
// named sequence. Repeating it is a no-op.
func (e *Engine) FinishSpecialSequence(ctx context.Context, teamID, name string) (escaperoom.Team, error) {
	return e.update(ctx, teamID, nil, func(t *escaperoom.Team) ([]Event, error) {
		p := t.State.Phase
		if p.Kind != escaperoom.PhaseSpecial || p.Sequence != name {
			if t.State.SpecialFired[name] {
				return nil, nil
			}
			return nil, fmt.Errorf("%q: %w", name, ErrNoSpecialSequence)
		}
		if p.Subphase == escaperoom.SubphaseFinished {
			return nil, nil
		}
		t.State.Phase.Subphase = escaperoom.SubphaseFinished
		return []Event{{
			Kind:     EventSpecialFinished,
			TeamID:   t.ID,
			Room:     t.State.CurrentRoom,
			Sequence: name,
			State:    t.State.Clone(),
		}}, nil
	})
}

// AdvanceRoom moves a team whose room is completed into the next room of
// the sequence. The final room is terminal: it is left only by completing
// the final challenge.
func (e *Engine) AdvanceRoom(ctx context.Context, teamID string) (escaperoom.Team, error) {
	return e.update(ctx, teamID, nil, func(t *escaperoom.Team) ([]Event, error) {
		if !t.State.RoomCompleted {
			return nil, escaperoom.ErrRoomNotCompleted
		}
		from := t.State.CurrentRoom
		def, err := e.rooms.Get(from)
		if err != nil {
			return nil, err
		}
		if def.Final {
			return nil, escaperoom.ErrNoNextRoom
		}
		next, ok := e.rooms.Next(from)
		if !ok {
			return nil, escaperoom.ErrNoNextRoom
		}

		t.State.EnterRoom(next)
		e.logger.Info("room advanced", "team_id", teamID, "from", from, "to", next)
		return []Event{{
			Kind:     EventRoomAdvanced,
			TeamID:   t.ID,
			Room:     next,
			FromRoom: from,
			State:    t.State.Clone(),
		}}, nil
	})
}

// CompleteFinalChallenge marks the game completed and stamps the completion
// time. Only a team standing in the final room can complete it. Once
// completed, further calls return the committed team together with
// escaperoom.ErrAlreadyCompleted and change nothing.
func (e *Engine) CompleteFinalChallenge(ctx context.Context, teamID string) (escaperoom.Team, error) {
	t, err := e.update(ctx, teamID, nil, func(t *escaperoom.Team) ([]Event, error) {
		if t.State.GameCompleted {
			return nil, escaperoom.ErrAlreadyCompleted
		}
		if err := e.inFinalRoom(t.State); err != nil {
			return nil, err
		}
		now := e.now().UTC()
		t.State.GameCompleted = true
		t.State.CompletionTime = &now
		e.logger.Info("game completed", "team_id", teamID, "completion_time", now)
		return []Event{{
			Kind:   EventGameCompleted,
			TeamID: t.ID,
			Room:   t.State.CurrentRoom,
			State:  t.State.Clone(),
		}}, nil
	})
	if errors.Is(err, escaperoom.ErrAlreadyCompleted) {
		cur, gerr := e.reg.Get(teamID)
		if gerr != nil {
			return escaperoom.Team{}, gerr
		}
		return cur, err
	}
	return t, err
}

func (e *Engine) inFinalRoom(st escaperoom.GameState) error {
	def, err := e.rooms.Get(st.CurrentRoom)
	if err != nil {
		return err
	}
	if !def.Final {
		return fmt.Errorf("%q: %w", st.CurrentRoom, ErrNotInFinalRoom)
	}
	return nil
}

// SubmitFinalAnswer checks guess against the final room's answer, ignoring
// case and surrounding space, and completes the game when it matches. A
// team that already completed the game gets ErrAlreadyCompleted whatever
// it guesses, and a team outside the final room gets ErrNotInFinalRoom.
func (e *Engine) SubmitFinalAnswer(ctx context.Context, teamID, guess string) (escaperoom.Team, error) {
	t, err := e.reg.Get(teamID)
	if err != nil {
		return escaperoom.Team{}, err
	}
	if t.State.GameCompleted {
		return t, escaperoom.ErrAlreadyCompleted
	}
	if err := e.inFinalRoom(t.State); err != nil {
		return t, err
	}

	if answer := e.finalAnswer(); answer != "" &&
		!strings.EqualFold(strings.TrimSpace(guess), strings.TrimSpace(answer)) {
		return t, ErrWrongAnswer
	}
	return e.CompleteFinalChallenge(ctx, teamID)
}

func (e *Engine) finalAnswer() string {
	for _, id := range e.rooms.Sequence() {
		def, err := e.rooms.Get(id)
		if err == nil && def.Final {
			return def.Answer
		}
	}
	return ""
}
