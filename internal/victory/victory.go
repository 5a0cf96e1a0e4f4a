// Package victory mirrors the client's completion sequence on the server:
// when a room completes, the completion video plays for a fixed delay and
// then the summary is revealed. The summary is frozen when the room
// completes so later changes to the team cannot alter what is shown.
package victory

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/anpag/escaipe-room/internal/game"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePlayingVideo Phase = "playing_video"
	PhaseShowSummary  Phase = "show_summary"
)

type Status struct {
	TeamID    string        `json:"teamId"`
	Phase     Phase         `json:"phase"`
	Summary   *game.Victory `json:"summary,omitempty"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
	RevealAt  *time.Time    `json:"revealAt,omitempty"`
}

type sequence struct {
	status Status
	timer  *time.Timer
}

type Sequencer struct {
	delay    time.Duration
	logger   *slog.Logger
	onChange func(Status)
	now      func() time.Time

	mu    sync.Mutex
	teams map[string]*sequence
}

// New returns a sequencer that reveals the summary delay after a room
// completes. onChange, if not nil, is called after every phase change.
func New(delay time.Duration, logger *slog.Logger, onChange func(Status)) *Sequencer {
	if onChange == nil {
		onChange = func(Status) {}
	}
	return &Sequencer{
		delay:    delay,
		logger:   logger,
		onChange: onChange,
		now:      time.Now,
		teams:    make(map[string]*sequence),
	}
}

// Observe starts a sequence on room completion and dismisses it once the
// team moves on to the next room.
func (s *Sequencer) Observe(ev game.Event) {
	switch ev.Kind {
	case game.EventRoomCompleted:
		if ev.Victory != nil {
			s.start(*ev.Victory)
		}
	case game.EventRoomAdvanced:
		s.Dismiss(ev.TeamID)
	}
}

// TeamReset keeps a running sequence: the summary of the room that was
// completed is still shown.
func (s *Sequencer) TeamReset(string) {}

func (s *Sequencer) TeamDeleted(teamID string) { s.Dismiss(teamID) }

func (s *Sequencer) start(v game.Victory) {
	v.Letters = slices.Clone(v.Letters)
	v.Inventory = slices.Clone(v.Inventory)

	now := s.now().UTC()
	reveal := now.Add(s.delay)
	seq := &sequence{status: Status{
		TeamID:    v.TeamID,
		Phase:     PhasePlayingVideo,
		Summary:   &v,
		StartedAt: &now,
		RevealAt:  &reveal,
	}}

	s.mu.Lock()
	if old, ok := s.teams[v.TeamID]; ok {
		old.timer.Stop()
	}
	s.teams[v.TeamID] = seq
	seq.timer = time.AfterFunc(s.delay, func() { s.reveal(v.TeamID, seq) })
	st := seq.status
	s.mu.Unlock()

	s.logger.Info("victory sequence started", "team_id", v.TeamID, "room", v.Room, "letter", v.Letter)
	s.onChange(st)
}

func (s *Sequencer) reveal(teamID string, seq *sequence) {
	s.mu.Lock()
	if s.teams[teamID] != seq {
		s.mu.Unlock()
		return
	}
	seq.status.Phase = PhaseShowSummary
	st := seq.status
	s.mu.Unlock()

	s.onChange(st)
}

// Dismiss ends the team's sequence, if any.
func (s *Sequencer) Dismiss(teamID string) {
	s.mu.Lock()
	seq, ok := s.teams[teamID]
	if ok {
		seq.timer.Stop()
		delete(s.teams, teamID)
	}
	s.mu.Unlock()

	if ok {
		s.onChange(Status{TeamID: teamID, Phase: PhaseIdle})
	}
}

// Status returns the team's current sequence state.
func (s *Sequencer) Status(teamID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.teams[teamID]; ok {
		return seq.status
	}
	return Status{TeamID: teamID, Phase: PhaseIdle}
}

// Stop cancels every pending reveal.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, seq := range s.teams {
		seq.timer.Stop()
		delete(s.teams, id)
	}
}
