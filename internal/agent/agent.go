// Package agent is the contract with the conversational agent that answers
// coordinator and item utterances. The engine treats the agent as opaque:
// it sends the session identity, the utterance and the transcript, and
// gets back a reply plus optional state deltas.
package agent

import (
	"context"
	"errors"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

var (
	ErrAgentTimeout     = errors.New("agent timed out")
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// Kind is the kind of channel an utterance was sent on.
type Kind string

const (
	KindCoordinator Kind = "coordinator"
	KindItem        Kind = "item"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleError Role = "error"
)

// Entry is one line of a channel transcript.
type Entry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

type Request struct {
	Kind       Kind                 `json:"channel"`
	Zone       string               `json:"zone,omitempty"`
	TeamID     string               `json:"teamId"`
	TeamName   string               `json:"teamName"`
	Room       string               `json:"room"`
	Utterance  string               `json:"utterance"`
	Transcript []Entry              `json:"transcript"`
	State      escaperoom.GameState `json:"gameState"`
	Inventory  []escaperoom.Item    `json:"inventory"`
}

type Response struct {
	Reply         string            `json:"reply"`
	Inventory     []escaperoom.Item `json:"inventoryDelta,omitempty"`
	State         map[string]any    `json:"gameStateDelta,omitempty"`
	RoomCompleted bool              `json:"roomCompleted,omitempty"`
}

type Gateway interface {
	Converse(ctx context.Context, req Request) (Response, error)
}

// Unavailable is the gateway used when no agent endpoint is configured.
type Unavailable struct{}

func (Unavailable) Converse(context.Context, Request) (Response, error) {
	return Response{}, ErrAgentUnavailable
}
