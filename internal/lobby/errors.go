package lobby

import "errors"

var (
	// ErrLobbyNotFound is fatal for the session that hit it.
	ErrLobbyNotFound = errors.New("lobby not found")

	// ErrPlayerNotFound means the player id is not on the roster.
	ErrPlayerNotFound = errors.New("player not found")

	// ErrNameRequired is returned when a display name is blank.
	ErrNameRequired = errors.New("player name is required")

	// ErrInvalidSettings rejects out-of-range host settings.
	ErrInvalidSettings = errors.New("invalid lobby settings")

	// ErrCodeExhausted is returned when no free room code could be generated.
	ErrCodeExhausted = errors.New("could not allocate a free room code")
)
