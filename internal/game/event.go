package game

import "github.com/anpag/escaipe-room/internal/escaperoom"

type EventKind string

const (
	EventRoomCompleted   EventKind = "room_completed"
	EventSpecialStarted  EventKind = "special_started"
	EventSpecialFinished EventKind = "special_finished"
	EventRoomAdvanced    EventKind = "room_advanced"
	EventGameCompleted   EventKind = "game_completed"
)

// Event is a committed transition of one team.
type Event struct {
	Kind     EventKind
	TeamID   string
	Room     string
	FromRoom string
	Sequence string
	State    escaperoom.GameState

	// Victory is set on EventRoomCompleted.
	Victory *Victory
}

// Victory is what the completion summary shows. It is captured when the
// room completes and never re-read from live state.
type Victory struct {
	TeamID    string            `json:"teamId"`
	Room      string            `json:"room"`
	RoomName  string            `json:"roomName"`
	Letter    string            `json:"letter"`
	Letters   []string          `json:"collectedLetters"`
	Inventory []escaperoom.Item `json:"inventory"`
	Final     bool              `json:"final"`
}

// Observer receives events after they are committed, in commit order for
// each team. Observe is called on the goroutine that made the transition,
// must not block and must not make transitions for the same team.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
