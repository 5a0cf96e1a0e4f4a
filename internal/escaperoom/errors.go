package escaperoom

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateName    = errors.New("team name already taken")
	ErrRoomNotCompleted = errors.New("room not completed")
	ErrNoNextRoom       = errors.New("no next room")
	ErrAlreadyCompleted = errors.New("game already completed")

	// ErrStaleGeneration is returned when a mutation was prepared against a
	// team generation that a progress reset has since replaced.
	ErrStaleGeneration = errors.New("stale team generation")
)
