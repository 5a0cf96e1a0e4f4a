package server

import (
	"encoding/json"
	"sync"

	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/game"
	"github.com/anpag/escaipe-room/internal/victory"
)

// SSEEvent is the payload published to team subscribers.
type SSEEvent struct {
	Type      string                `json:"type"`
	Room      string                `json:"room,omitempty"`
	Sequence  string                `json:"sequence,omitempty"`
	GameState *escaperoom.GameState `json:"gameState,omitempty"`
	Victory   *victory.Status       `json:"victory,omitempty"`
}

// Broker is an in-process pub/sub for SSE events, keyed by team ID.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel that receives JSON-encoded SSE events for the given team.
func (b *Broker) Subscribe(teamID string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[teamID] == nil {
		b.subs[teamID] = make(map[chan []byte]struct{})
	}
	b.subs[teamID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel from the team's subscribers.
func (b *Broker) Unsubscribe(teamID string, ch chan []byte) {
	b.mu.Lock()
	delete(b.subs[teamID], ch)
	if len(b.subs[teamID]) == 0 {
		delete(b.subs, teamID)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers of the given team.
func (b *Broker) Publish(teamID string, event SSEEvent) {
	data, _ := json.Marshal(event)
	b.mu.RLock()
	for ch := range b.subs[teamID] {
		select {
		case ch <- data:
		default:
			// Drop if subscriber is slow.
		}
	}
	b.mu.RUnlock()
}

// Observe publishes committed game transitions.
func (b *Broker) Observe(ev game.Event) {
	st := ev.State
	b.Publish(ev.TeamID, SSEEvent{
		Type:      string(ev.Kind),
		Room:      ev.Room,
		Sequence:  ev.Sequence,
		GameState: &st,
	})
}

func (b *Broker) TeamReset(teamID string) {
	b.Publish(teamID, SSEEvent{Type: "progress_reset"})
}

func (b *Broker) TeamDeleted(teamID string) {
	b.Publish(teamID, SSEEvent{Type: "team_deleted"})
}

// VictoryChanged publishes the reveal of a completion summary.
func (b *Broker) VictoryChanged(st victory.Status) {
	if st.Phase != victory.PhaseShowSummary {
		return
	}
	b.Publish(st.TeamID, SSEEvent{Type: "victory_summary", Room: st.Summary.Room, Victory: &st})
}
