// Package historian drains the lobby action queue into the archive and marks
// games that went quiet without finishing as abandoned.
package historian

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/sirupsen/logrus"
)

// Action types that bracket a game in the log.
const (
	ActionStartGame = "start_game"
	ActionGameOver  = "game_over"
)

// Queue yields action records. ok is false when the wait timed out.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (rec models.ActionRecord, ok bool, err error)
}

// Sink persists what the historian collects.
type Sink interface {
	InsertActions(ctx context.Context, recs []models.ActionRecord) error
	RecordOutcome(ctx context.Context, o models.Outcome) error
}

// Options tune batching and abandonment.
type Options struct {
	BatchSize  int
	FlushDelay time.Duration
	Inactivity time.Duration
	PopTimeout time.Duration
}

// DefaultOptions mirrors the production settings.
func DefaultOptions() Options {
	return Options{
		BatchSize:  20,
		FlushDelay: 500 * time.Millisecond,
		Inactivity: 10 * time.Minute,
		PopTimeout: 3 * time.Second,
	}
}

type activity struct {
	startedAt int64
	last      time.Time
	actors    map[string]struct{}
}

// Service batches queued actions into the sink.
type Service struct {
	queue Queue
	sink  Sink
	opts  Options
	log   logrus.FieldLogger

	batchMu sync.Mutex
	batch   []models.ActionRecord

	activityMu sync.Mutex
	active     map[string]*activity
}

// New returns a historian reading queue into sink.
func New(queue Queue, sink Sink, opts Options, log logrus.FieldLogger) *Service {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = def.FlushDelay
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = def.Inactivity
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = def.PopTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		queue:  queue,
		sink:   sink,
		opts:   opts,
		log:    log,
		batch:  make([]models.ActionRecord, 0, opts.BatchSize),
		active: make(map[string]*activity),
	}
}

// Run reads the queue until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) {
	go s.flushLoop(ctx)
	go s.inactivityLoop(ctx)

	s.log.Infof("historian started")
	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			s.log.Infof("historian shutting down")
			return
		default:
		}

		rec, ok, err := s.queue.Pop(ctx, s.opts.PopTimeout)
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).Warnf("pop action")
			}
			continue
		}
		if ok {
			s.Handle(ctx, rec, time.Now())
		}
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Service) inactivityLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Handle tracks rec and adds it to the batch, flushing when the batch is full.
func (s *Service) Handle(ctx context.Context, rec models.ActionRecord, now time.Time) {
	s.track(rec, now)

	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.opts.BatchSize
	s.batchMu.Unlock()
	if full {
		s.flush(ctx)
	}
}

func (s *Service) track(rec models.ActionRecord, now time.Time) {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()

	switch rec.ActionType {
	case ActionGameOver:
		delete(s.active, rec.Lobby)
		return
	case ActionStartGame:
		if rec.Applied {
			s.active[rec.Lobby] = &activity{startedAt: rec.Timestamp, actors: map[string]struct{}{}}
		}
	}
	a, ok := s.active[rec.Lobby]
	if !ok {
		return
	}
	a.last = now
	if rec.ActorID != "" {
		a.actors[rec.ActorID] = struct{}{}
	}
}

// Pending returns the number of records waiting for the next flush.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := make([]models.ActionRecord, len(s.batch))
	copy(batch, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.sink.InsertActions(ctx, batch); err != nil {
		s.log.WithError(err).Errorf("flush %d actions", len(batch))
		return
	}
	s.log.Debugf("flushed %d actions", len(batch))
}

// Sweep marks started games idle for longer than the inactivity window as abandoned.
func (s *Service) Sweep(ctx context.Context, now time.Time) {
	var stale []models.Outcome
	s.activityMu.Lock()
	for code, a := range s.active {
		if now.Sub(a.last) <= s.opts.Inactivity {
			continue
		}
		o := models.Outcome{
			Lobby:      code,
			Result:     models.ResultAbandoned,
			StartedAt:  a.startedAt,
			FinishedAt: a.last.UnixMilli(),
		}
		for id := range a.actors {
			o.Players = append(o.Players, id)
		}
		stale = append(stale, o)
		delete(s.active, code)
	}
	s.activityMu.Unlock()

	for _, o := range stale {
		if err := s.sink.RecordOutcome(ctx, o); err != nil {
			s.log.WithError(err).Warnf("failed to mark lobby %s abandoned", o.Lobby)
			continue
		}
		s.log.Infof("marked lobby %s as abandoned due to inactivity", o.Lobby)
	}
}
