// Package scheduler drives the monitoring loop: resolve the universe, fetch
// quotes, compute rise speeds, rank, then print and persist the ranking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/alert"
	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/logger"
	"stock-rise-monitor/internal/market"
	"stock-rise-monitor/internal/report"
	"stock-rise-monitor/internal/store"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

type Universe interface {
	ListInstruments(ctx context.Context) []market.InstrumentID
}

type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, ids []market.InstrumentID) (map[market.InstrumentID]market.Quote, market.FetchStats)
}

type Persister interface {
	Save(ctx context.Context, entries []engine.RankedEntry, path string) (string, error)
}

type RankingSink interface {
	SaveRanking(run store.RankingRun, entries []engine.RankedEntry) error
}

type Notifier interface {
	Notify(ctx context.Context, runID string, entries []engine.RankedEntry) alert.Result
}

// ErrSinkFailed marks a cycle whose ranking was produced but could not be
// saved, stored or pushed. Each such failure is logged where it happens.
var ErrSinkFailed = errors.New("cycle sink failed")

type Config struct {
	Interval time.Duration
	TopN     int
	Save     bool
	// FailureBackoff stretches the interval while every batch keeps
	// falling back to synthetic quotes.
	FailureBackoff bool
}

// Deps are the collaborators of a cycle. Universe, Fetcher and Calculator
// are required; the rest are optional.
type Deps struct {
	Universe   Universe
	Fetcher    QuoteFetcher
	Calculator *engine.Calculator
	History    *engine.History
	Persister  Persister
	Sink       RankingSink
	Notifier   Notifier
	Output     io.Writer
}

type CycleReport struct {
	ID          string               `json:"id"`
	StartedAt   time.Time            `json:"started_at"`
	Duration    time.Duration        `json:"duration"`
	Instruments int                  `json:"instruments"`
	Stats       market.FetchStats    `json:"stats"`
	Entries     []engine.RankedEntry `json:"entries"`
	SavedPath   string               `json:"saved_path,omitempty"`
}

type Scheduler struct {
	cfg  Config
	deps Deps
	log  *logrus.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	newID func() string

	mu       sync.RWMutex
	state    State
	latest   *CycleReport
	degraded int
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if deps.History == nil {
		deps.History = engine.NewHistory()
	}
	if deps.Calculator == nil {
		deps.Calculator = engine.NewCalculator(engine.ClockWall)
	}
	if deps.Output == nil {
		deps.Output = os.Stdout
	}
	return &Scheduler{
		cfg:   cfg,
		deps:  deps,
		log:   logger.WithComponent("scheduler"),
		now:   time.Now,
		sleep: sleepCtx,
		newID: uuid.NewString,
		state: StateIdle,
	}
}

func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Latest returns the most recent completed cycle.
func (s *Scheduler) Latest() (CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return CycleReport{}, false
	}
	out := *s.latest
	out.Entries = append([]engine.RankedEntry(nil), s.latest.Entries...)
	return out, true
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes cycles until ctx is cancelled. Cancellation is observed
// between cycles only; a cycle in progress runs to completion. Cycle
// failures are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(StateRunning)
	defer s.setState(StateStopped)
	s.log.WithFields(logrus.Fields{
		"interval": s.cfg.Interval,
		"top_n":    s.cfg.TopN,
		"save":     s.cfg.Save,
	}).Info("monitor started")

	for {
		if ctx.Err() != nil {
			s.log.Info("monitor stopped")
			return nil
		}
		start := s.now()
		rep, err := s.safeCycle(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, ErrSinkFailed) {
			s.log.WithError(err).WithField("cycle", rep.ID).Error("cycle failed")
		}
		interval := s.nextInterval(rep.Stats)

		wait := interval - s.now().Sub(start)
		if wait <= 0 || ctx.Err() != nil {
			continue
		}
		s.log.WithField("wait", wait.Round(100*time.Millisecond)).Info("waiting before next cycle")
		s.sleep(ctx, wait)
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (rep CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.RunCycle(ctx)
}

// RunCycle performs one full cycle. Sink failures are logged and returned
// joined under ErrSinkFailed; the ranking itself is always produced.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	rep := CycleReport{ID: s.newID(), StartedAt: s.now()}
	log := s.log.WithField("cycle", rep.ID)

	ids := s.deps.Universe.ListInstruments(ctx)
	rep.Instruments = len(ids)
	log.WithField("instruments", len(ids)).Info("monitoring instruments")

	quotes, stats := s.deps.Fetcher.FetchQuotes(ctx, ids)
	rep.Stats = stats
	speeds := s.deps.Calculator.Update(s.deps.History, quotes)
	rep.Entries = engine.Rank(quotes, speeds, ids, s.cfg.TopN)

	if _, err := io.WriteString(s.deps.Output, report.Render(rep.Entries, s.now())); err != nil {
		log.WithError(err).Warn("write report failed")
	}
	rep.Duration = s.now().Sub(rep.StartedAt)

	var errs []error
	if s.cfg.Save && s.deps.Persister != nil && len(rep.Entries) > 0 {
		path, err := s.deps.Persister.Save(ctx, rep.Entries, "")
		if err != nil {
			log.WithError(err).Error("save ranking failed")
			errs = append(errs, fmt.Errorf("persist: %w", err))
		} else {
			rep.SavedPath = path
			log.WithField("path", path).Info("ranking saved")
		}
	}
	if s.deps.Sink != nil {
		run := store.RankingRun{
			ID:          rep.ID,
			TS:          rep.StartedAt.Unix(),
			Instruments: rep.Instruments,
			Ranked:      len(rep.Entries),
			Batches:     stats.Batches,
			Degraded:    stats.Degraded,
			Synthetic:   stats.Synthetic,
			DurationMS:  rep.Duration.Milliseconds(),
		}
		if err := s.deps.Sink.SaveRanking(run, rep.Entries); err != nil {
			log.WithError(err).Error("store ranking failed")
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if s.deps.Notifier != nil {
		res := s.deps.Notifier.Notify(ctx, rep.ID, rep.Entries)
		if res.Error != nil {
			log.WithError(res.Error).Warn("rise alert push failed")
			errs = append(errs, fmt.Errorf("alert: %w", res.Error))
		} else if res.Status != alert.StatusSkipped {
			log.WithField("status", res.Status).Info("rise alert evaluated")
		}
	}

	s.mu.Lock()
	latest := rep
	s.latest = &latest
	s.mu.Unlock()
	if len(errs) > 0 {
		return rep, fmt.Errorf("%w: %w", ErrSinkFailed, errors.Join(errs...))
	}
	return rep, nil
}

// nextInterval applies the failure backoff: x2 after 3 consecutive fully
// degraded cycles, x4 after 6.
func (s *Scheduler) nextInterval(stats market.FetchStats) time.Duration {
	s.mu.Lock()
	if stats.AllDegraded() {
		s.degraded++
	} else {
		s.degraded = 0
	}
	streak := s.degraded
	s.mu.Unlock()

	if !s.cfg.FailureBackoff {
		return s.cfg.Interval
	}
	switch {
	case streak >= 6:
		return s.cfg.Interval * 4
	case streak >= 3:
		return s.cfg.Interval * 2
	default:
		return s.cfg.Interval
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
