// Package escaperoom defines the core domain types shared by the engine.
// It has no external dependencies.
package escaperoom

import (
	"maps"
	"slices"
	"time"
	"unicode/utf8"
)

type Item struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

type PhaseKind string

const (
	PhaseActive    PhaseKind = "active"
	PhaseSpecial   PhaseKind = "special_sequence"
	PhaseCompleted PhaseKind = "completed"
)

type Subphase string

const (
	SubphaseStarted  Subphase = "started"
	SubphaseFinished Subphase = "finished"
)

// RoomPhase is the sub-state of the team's current room.
type RoomPhase struct {
	Kind     PhaseKind `json:"kind"`
	Sequence string    `json:"sequence,omitempty"`
	Subphase Subphase  `json:"subphase,omitempty"`
}

// GameState is a team's progress. Flags and SpecialFired are scoped to
// CurrentRoom and are cleared whenever the room changes.
type GameState struct {
	CurrentRoom      string          `json:"current_room"`
	RoomCompleted    bool            `json:"room_completed"`
	Phase            RoomPhase       `json:"phase"`
	CollectedLetters []string        `json:"collected_letters"`
	LatestLetter     string          `json:"latest_letter,omitempty"`
	GameCompleted    bool            `json:"game_completed"`
	CompletionTime   *time.Time      `json:"completion_time,omitempty"`
	SpecialFired     map[string]bool `json:"special_fired,omitempty"`
	Flags            map[string]any  `json:"flags,omitempty"`
}

// NewGameState returns the state of a freshly registered (or reset) team.
func NewGameState(firstRoom string) GameState {
	return GameState{
		CurrentRoom:      firstRoom,
		Phase:            RoomPhase{Kind: PhaseActive},
		CollectedLetters: []string{},
	}
}

// Clone returns a deep copy so committed snapshots are never aliased.
func (s GameState) Clone() GameState {
	c := s
	c.CollectedLetters = slices.Clone(s.CollectedLetters)
	if c.CollectedLetters == nil {
		c.CollectedLetters = []string{}
	}
	if s.CompletionTime != nil {
		t := *s.CompletionTime
		c.CompletionTime = &t
	}
	c.SpecialFired = maps.Clone(s.SpecialFired)
	c.Flags = maps.Clone(s.Flags)
	return c
}

// AddLetter appends letter unless it was already collected or is not a
// single character. It reports whether the letter was added.
func (s *GameState) AddLetter(letter string) bool {
	if utf8.RuneCountInString(letter) != 1 || slices.Contains(s.CollectedLetters, letter) {
		return false
	}
	s.CollectedLetters = append(s.CollectedLetters, letter)
	return true
}

// EnterRoom moves the state to room and clears everything scoped to the
// previous room.
func (s *GameState) EnterRoom(room string) {
	s.CurrentRoom = room
	s.RoomCompleted = false
	s.Phase = RoomPhase{Kind: PhaseActive}
	s.SpecialFired = nil
	s.Flags = nil
}

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	State     GameState `json:"gameState"`
	Inventory []Item    `json:"inventory"`

	// Generation increments on every progress reset. Work started against
	// an older generation must not be merged into the current state.
	Generation uint64 `json:"generation"`
}

func (t Team) Clone() Team {
	c := t
	c.State = t.State.Clone()
	c.Inventory = slices.Clone(t.Inventory)
	if c.Inventory == nil {
		c.Inventory = []Item{}
	}
	return c
}

// HasItem reports whether the inventory holds an item with the given name.
func (t Team) HasItem(name string) bool {
	return slices.ContainsFunc(t.Inventory, func(it Item) bool { return it.Name == name })
}

// ItemNames lists inventory item names in grant order.
func (t Team) ItemNames() []string {
	names := make([]string, len(t.Inventory))
	for i, it := range t.Inventory {
		names[i] = it.Name
	}
	return names
}
