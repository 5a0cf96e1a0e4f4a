package channel

import (
	"github.com/anpag/escaipe-room/internal/agent"
	"github.com/anpag/escaipe-room/internal/escaperoom"
)

type FrameType string

const (
	FrameHistory FrameType = "history"
	FrameUser    FrameType = "user"
	FrameReply   FrameType = "reply"
	FrameError   FrameType = "error"
	FrameClosed  FrameType = "closed"
)

// Frame is one message delivered to a session subscriber.
type Frame struct {
	Type      FrameType             `json:"type"`
	History   []agent.Entry         `json:"history,omitempty"`
	Text      string                `json:"text,omitempty"`
	Reply     string                `json:"reply,omitempty"`
	Inventory []escaperoom.Item     `json:"inventory,omitempty"`
	GameState *escaperoom.GameState `json:"gameState,omitempty"`
	Error     string                `json:"error,omitempty"`
	Reason    string                `json:"reason,omitempty"`
}

// Reasons carried by closed frames.
const (
	ReasonClientClosed = "client_closed"
	ReasonReplaced     = "replaced"
	ReasonSpecial      = "special_sequence"
	ReasonRoomChanged  = "room_changed"
	ReasonReset        = "progress_reset"
	ReasonDeleted      = "team_deleted"
	ReasonShutdown     = "shutdown"
)
