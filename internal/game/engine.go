// internal/game/engine.go
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/channel"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/puzzle"
	"github.com/sirupsen/logrus"
)

// ErrUnknownCommand is returned for command types the engine does not handle.
var ErrUnknownCommand = errors.New("unknown command")

// auditTimeout bounds the asynchronous push of one action record.
const auditTimeout = 2 * time.Second

// Reply describes what a command did. Applied is false for commands the sender
// was not allowed to issue, which are otherwise silent.
type Reply struct {
	Applied   bool
	Left      bool
	Destroyed bool
	Vote      *lobby.VoteResult
	Input     *channel.Result
	Open      *puzzle.OpenResult
}

// Engine applies client intents to the shared lobby tree.
type Engine struct {
	deps Deps
	log  logrus.FieldLogger
}

// NewEngine returns an engine over deps. Lobbies and Stages are required.
func NewEngine(deps Deps) *Engine {
	deps.defaults()
	return &Engine{deps: deps, log: deps.Log}
}

// Retryable reports whether err is a transient store failure the client may retry.
func Retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, lobby.ErrLobbyNotFound),
		errors.Is(err, lobby.ErrPlayerNotFound),
		errors.Is(err, lobby.ErrInvalidSettings),
		errors.Is(err, lobby.ErrNameRequired),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Handle applies cmd on behalf of playerID in lobby code.
func (e *Engine) Handle(ctx context.Context, code, playerID string, cmd Command) (Reply, error) {
	reply, err := e.dispatch(ctx, code, playerID, cmd)
	if err != nil && !errors.Is(err, ErrUnknownCommand) {
		e.log.WithFields(logrus.Fields{"lobby": code, "player": playerID, "command": cmd.Type}).
			WithError(err).Warnf("command failed")
	}
	if err == nil && cmd.Type != CmdHeartbeat {
		e.audit(code, playerID, cmd, reply.Applied)
	}
	return reply, err
}

func (e *Engine) dispatch(ctx context.Context, code, playerID string, cmd Command) (Reply, error) {
	l := e.deps.Lobbies
	if cmd.gameplay() {
		over, err := e.deps.Firer.Done(ctx, code, TimeUpEvent)
		if err != nil || over {
			return Reply{}, err
		}
	}

	switch cmd.Type {
	case CmdHeartbeat:
		return Reply{Applied: true}, l.Heartbeat(ctx, code, playerID)

	case CmdReady, CmdUnready:
		return Reply{Applied: true}, l.SetReady(ctx, code, playerID, cmd.Type == CmdReady)

	case CmdVote:
		res, err := l.CastVote(ctx, code, playerID, cmd.Candidate)
		return Reply{Applied: res.Applied, Vote: &res}, err

	case CmdResetVotes:
		ok, err := l.ResetVotes(ctx, code, playerID)
		return Reply{Applied: ok}, err

	case CmdUpdateSettings:
		if cmd.Settings == nil {
			return Reply{}, fmt.Errorf("%w: missing settings", lobby.ErrInvalidSettings)
		}
		ok, err := l.UpdateSettings(ctx, code, playerID, *cmd.Settings)
		return Reply{Applied: ok}, err

	case CmdStartGame:
		ok, err := l.StartGame(ctx, code, playerID)
		return Reply{Applied: ok}, err

	case CmdIntroComplete:
		return e.introComplete(ctx, code, playerID)

	case CmdInputActivate, CmdInputAppend, CmdInputBackspace, CmdInputClear, CmdInputSubmit, CmdInputDeactivate:
		return e.input(ctx, code, playerID, cmd)

	case CmdDesktop:
		ok, err := e.deps.Stages.Desktop.SetWindow(ctx, code, playerID, cmd.Window, cmd.Open)
		return Reply{Applied: ok}, err

	case CmdFsNavigate:
		ok, err := e.deps.Stages.Files.Navigate(ctx, code, playerID, cmd.Path)
		return Reply{Applied: ok}, err

	case CmdFsBack:
		ok, err := e.deps.Stages.Files.Back(ctx, code, playerID)
		return Reply{Applied: ok}, err

	case CmdFsSelect:
		ok, err := e.deps.Stages.Files.Select(ctx, code, playerID, cmd.Path)
		return Reply{Applied: ok}, err

	case CmdFsOpen:
		res, err := e.deps.Stages.Files.Open(ctx, code, playerID, cmd.Path)
		return Reply{Applied: res.Applied, Open: &res}, err

	case CmdFsClose:
		ok, err := e.deps.Stages.Files.CloseFile(ctx, code, playerID)
		return Reply{Applied: ok}, err

	case CmdTimerPause, CmdTimerResume:
		return e.timer(ctx, code, playerID, cmd.Type == CmdTimerPause)

	case CmdLeaveLobby:
		destroyed, err := l.Leave(ctx, code, playerID)
		return Reply{Applied: err == nil, Left: err == nil, Destroyed: destroyed}, err
	}
	return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
}

// introComplete ends the synchronized intro for everyone and opens the login stage.
// Any member may report it once the game is running.
func (e *Engine) introComplete(ctx context.Context, code, playerID string) (Reply, error) {
	lob, err := e.deps.Lobbies.Get(ctx, code)
	if err != nil {
		return Reply{}, err
	}
	if _, ok := lob.Players[playerID]; !ok {
		return Reply{}, lobby.ErrPlayerNotFound
	}
	if lob.GameState != models.GameStatePlaying || lob.GamePhase != models.PhaseIntro {
		return Reply{}, nil
	}
	if !lob.VideoEnded {
		if err := e.deps.Lobbies.MarkVideoEnded(ctx, code); err != nil {
			return Reply{}, err
		}
	}
	ok, err := e.deps.Stages.Phases.Advance(ctx, code, models.PhaseIntro)
	return Reply{Applied: ok}, err
}

func (e *Engine) input(ctx context.Context, code, playerID string, cmd Command) (Reply, error) {
	ch, ok := e.deps.Stages.Channel(cmd.Puzzle)
	if !ok {
		return Reply{}, fmt.Errorf("%w: puzzle %q", ErrUnknownCommand, cmd.Puzzle)
	}

	var (
		res channel.Result
		err error
	)
	switch cmd.Type {
	case CmdInputActivate:
		res, err = ch.Activate(ctx, code, playerID, cmd.Field)
	case CmdInputAppend:
		res, err = ch.Append(ctx, code, playerID, cmd.Text)
	case CmdInputBackspace:
		res, err = ch.Backspace(ctx, code, playerID)
	case CmdInputClear:
		res, err = ch.Clear(ctx, code, playerID)
	case CmdInputSubmit:
		res, err = ch.Submit(ctx, code, playerID)
	case CmdInputDeactivate:
		res, err = ch.Deactivate(ctx, code, playerID)
	}
	return Reply{Applied: res.Applied, Input: &res}, err
}

// timer pauses or resumes the countdown. Only the host may do it.
func (e *Engine) timer(ctx context.Context, code, playerID string, pause bool) (Reply, error) {
	lob, err := e.deps.Lobbies.Get(ctx, code)
	if err != nil {
		return Reply{}, err
	}
	if !lob.IsHost(playerID) || lob.GamePhase >= models.PhaseEscaped {
		return Reply{}, nil
	}
	var ok bool
	if pause {
		ok, err = e.deps.Timers.Pause(ctx, code)
	} else {
		ok, err = e.deps.Timers.Resume(ctx, code)
	}
	return Reply{Applied: ok}, err
}

// audit publishes the command without blocking the caller.
func (e *Engine) audit(code, playerID string, cmd Command, applied bool) {
	if e.deps.Auditor == nil {
		return
	}
	rec := models.ActionRecord{
		Lobby:         code,
		ActorID:       playerID,
		ActionType:    cmd.Type,
		ActionPayload: cmd.payload(),
		Applied:       applied,
		Timestamp:     clock.Millis(e.deps.Clock.Now()),
	}
	go func(rec models.ActionRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := e.deps.Auditor.Publish(ctx, rec); err != nil {
			e.log.WithError(err).Warnf("failed to publish %s action for lobby %s", rec.ActionType, rec.Lobby)
		}
	}(rec)
}
