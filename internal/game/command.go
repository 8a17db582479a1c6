package game

import (
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/puzzle"
)

// Client intents accepted over the lobby socket.
const (
	CmdHeartbeat       = "heartbeat"
	CmdReady           = "ready"
	CmdUnready         = "unready"
	CmdVote            = "vote"
	CmdResetVotes      = "reset_votes"
	CmdUpdateSettings  = "update_settings"
	CmdStartGame       = "start_game"
	CmdIntroComplete   = "intro_complete"
	CmdInputActivate   = "input_activate"
	CmdInputAppend     = "input_append"
	CmdInputBackspace  = "input_backspace"
	CmdInputClear      = "input_clear"
	CmdInputSubmit     = "input_submit"
	CmdInputDeactivate = "input_deactivate"
	CmdDesktop         = "desktop"
	CmdFsNavigate      = "fs_navigate"
	CmdFsBack          = "fs_back"
	CmdFsSelect        = "fs_select"
	CmdFsOpen          = "fs_open"
	CmdFsClose         = "fs_close"
	CmdTimerPause      = "timer_pause"
	CmdTimerResume     = "timer_resume"
	CmdLeaveLobby      = "leave_lobby"
)

// Command is one decoded client intent. Only the fields relevant to Type are set.
type Command struct {
	Type      string           `json:"type"`
	Candidate string           `json:"candidateId,omitempty"`
	Puzzle    string           `json:"puzzle,omitempty"`
	Field     string           `json:"field,omitempty"`
	Text      string           `json:"text,omitempty"`
	Window    string           `json:"window,omitempty"`
	Open      bool             `json:"open,omitempty"`
	Path      string           `json:"path,omitempty"`
	Settings  *models.Settings `json:"settings,omitempty"`
}

// gameplay reports whether the command acts on the running game rather than the lobby.
func (c Command) gameplay() bool {
	switch c.Type {
	case CmdInputActivate, CmdInputAppend, CmdInputBackspace, CmdInputClear, CmdInputSubmit, CmdInputDeactivate,
		CmdDesktop, CmdFsNavigate, CmdFsBack, CmdFsSelect, CmdFsOpen, CmdFsClose:
		return true
	}
	return false
}

// payload is the audit form of the command. Text typed into the login terminal is masked.
func (c Command) payload() map[string]interface{} {
	p := map[string]interface{}{}
	if c.Candidate != "" {
		p["candidateId"] = c.Candidate
	}
	if c.Puzzle != "" {
		p["puzzle"] = c.Puzzle
	}
	if c.Field != "" {
		p["field"] = c.Field
	}
	if c.Text != "" {
		if c.Puzzle == puzzle.Login {
			p["text"] = "***"
		} else {
			p["text"] = c.Text
		}
	}
	if c.Window != "" {
		p["window"] = c.Window
		p["open"] = c.Open
	}
	if c.Path != "" {
		p["path"] = c.Path
	}
	if c.Settings != nil {
		p["timeLimitMinutes"] = c.Settings.TimeLimitMinutes
	}
	return p
}
