package game

import (
	"context"

	"github.com/jason-s-yu/escaperoom/internal/chat"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/puzzle"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/jason-s-yu/escaperoom/internal/timer"
	"github.com/jason-s-yu/escaperoom/internal/trigger"
	"github.com/sirupsen/logrus"
)

// Auditor receives every handled command for offline analysis.
type Auditor interface {
	Publish(ctx context.Context, rec models.ActionRecord) error
}

// OutcomeRecorder archives finished games.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o models.Outcome) error
}

// Deps are the services shared by the Engine and the Director. Auditor and
// Recorder are optional.
type Deps struct {
	Store    store.Store
	Clock    clock.Clock
	Lobbies  *lobby.LobbyManager
	Stages   *puzzle.Stages
	Timers   *timer.Service
	Firer    *trigger.Firer
	Feed     *chat.Feed
	Script   chat.Script
	Auditor  Auditor
	Recorder OutcomeRecorder
	Log      logrus.FieldLogger
}

func (d *Deps) defaults() {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Firer == nil {
		d.Firer = trigger.NewFirer(d.Store, d.Log)
	}
	if d.Timers == nil {
		d.Timers = timer.NewService(d.Store, d.Clock, d.Log)
	}
	if d.Feed == nil {
		d.Feed = chat.NewFeed(d.Store, d.Log)
	}
}
