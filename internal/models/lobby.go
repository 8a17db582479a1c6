// internal/models/lobby.go
package models

// GameState is the coarse lobby state shown on the entry screen.
type GameState string

const (
	GameStateLobby   GameState = "lobby"
	GameStatePlaying GameState = "playing"
)

// Phase selects which stage every client renders. It never decreases.
type Phase int

const (
	PhaseIntro Phase = iota
	PhaseLogin
	PhaseDesktop
	PhaseEscaped
)

// String returns the phase name used in logs and audit records.
func (p Phase) String() string {
	switch p {
	case PhaseIntro:
		return "intro"
	case PhaseLogin:
		return "login"
	case PhaseDesktop:
		return "desktop"
	case PhaseEscaped:
		return "escaped"
	}
	return "unknown"
}

// Settings are host-editable options stored under lobbies/{code}/settings.
type Settings struct {
	// TimeLimitMinutes is the countdown length applied when the timer starts.
	TimeLimitMinutes int `json:"timeLimitMinutes"`

	// PruneVotesOnLeave removes a departing player's votes and any votes cast for them.
	// Off by default, so departed voters keep counting until a reset.
	PruneVotesOnLeave bool `json:"pruneVotesOnLeave,omitempty"`
}

// DefaultSettings mirrors the one hour game used by the party.
func DefaultSettings() Settings {
	return Settings{TimeLimitMinutes: 60}
}

// Lobby is the decoded root of lobbies/{code}.
// Maps keyed by id come straight from the store, so absent children decode as nil maps.
type Lobby struct {
	Code      string    `json:"-"`
	CreatedAt int64     `json:"createdAt"`
	GameState GameState `json:"gameState"`
	GamePhase Phase     `json:"gamePhase"`
	Settings  Settings  `json:"settings"`

	Players        map[string]Player          `json:"players,omitempty"`
	LeaderVotes    map[string]map[string]bool `json:"leaderVotes,omitempty"`
	SelectedLeader string                     `json:"selectedLeader,omitempty"`

	Timer Timer `json:"timer"`

	// StartTime is when the host started the game; the intro video begins five seconds later.
	StartTime      int64 `json:"startTime,omitempty"`
	VideoStartTime int64 `json:"videoStartTime,omitempty"`
	VideoEnded     bool  `json:"videoEnded,omitempty"`
	LoginFailed    bool  `json:"loginFailed,omitempty"`

	LeaderInput   InputState        `json:"leaderInput"`
	FirewallState InputState        `json:"firewallState"`
	KeypadState   InputState        `json:"keypadState"`
	AuthMessage   AuthMessage       `json:"authMessage"`
	DesktopState  DesktopState      `json:"desktopState"`
	FileExplorer  FileExplorerState `json:"fileExplorer"`

	HackerChat map[string]ChatMessage `json:"hackerChat,omitempty"`

	HackerFirstMessage   TriggerFlag            `json:"hackerFirstMessage"`
	HackerLoginAudio     TriggerFlag            `json:"hackerLoginAudio"`
	HackerDesktopMessage TriggerFlag            `json:"hackerDesktopMessage"`
	FirewallUnlockAudio  TriggerFlag            `json:"firewallUnlockAudio"`
	KeypadUnlockAudio    TriggerFlag            `json:"keypadUnlockAudio"`
	PhaseAdvance         map[string]TriggerFlag `json:"phaseAdvance,omitempty"`
	HackerClues          map[string]TriggerFlag `json:"hackerClues,omitempty"`

	// TimeUp is raised when the countdown reaches zero before the escape.
	TimeUp TriggerFlag `json:"timeUp"`
	// Outcome guards the single archive write of the finished game.
	Outcome TriggerFlag `json:"outcome"`
}

// Leader returns the player currently holding isLeader, if any.
func (l *Lobby) Leader() (Player, bool) {
	for _, p := range l.Players {
		if p.IsLeader {
			return p, true
		}
	}
	return Player{}, false
}

// IsLeader reports whether id is the elected leader.
func (l *Lobby) IsLeader(id string) bool {
	p, ok := l.Players[id]
	return ok && p.IsLeader
}

// IsHost reports whether id holds the host role.
func (l *Lobby) IsHost(id string) bool {
	p, ok := l.Players[id]
	return ok && p.IsHost
}

// AuthMessage carries the login terminal feedback mirrored to every client.
type AuthMessage struct {
	Text      string `json:"text,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
