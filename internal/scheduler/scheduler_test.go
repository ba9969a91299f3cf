package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"stock-rise-monitor/internal/alert"
	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/logger"
	"stock-rise-monitor/internal/market"
	"stock-rise-monitor/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staticUniverse []market.InstrumentID

func (u staticUniverse) ListInstruments(context.Context) []market.InstrumentID { return u }

// stepFetcher returns quotes whose price grows by one percent per call and
// advances the clock by cost.
type stepFetcher struct {
	clock   *fakeClock
	cost    time.Duration
	calls   int
	panicOn int
	stats   market.FetchStats
	onCall  func(n int)
}

func (f *stepFetcher) FetchQuotes(_ context.Context, ids []market.InstrumentID) (map[market.InstrumentID]market.Quote, market.FetchStats) {
	f.calls++
	if f.onCall != nil {
		f.onCall(f.calls)
	}
	if f.panicOn == f.calls {
		panic("boom")
	}
	f.clock.Advance(f.cost)
	out := make(map[market.InstrumentID]market.Quote, len(ids))
	for i, id := range ids {
		base := 10.0 * float64(i+1)
		out[id] = market.Quote{
			Code:      id,
			Name:      "股票" + string(id),
			Price:     base * (1 + 0.01*float64(f.calls-1)*float64(i+1)),
			Volume:    1000,
			Timestamp: f.clock.Now(),
		}
	}
	stats := f.stats
	if stats.Batches == 0 {
		stats.Batches = 1
	}
	return out, stats
}

type fakePersister struct {
	calls int
	err   error
}

func (p *fakePersister) Save(_ context.Context, entries []engine.RankedEntry, _ string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("ranking-%d.json", p.calls), nil
}

type fakeSink struct {
	runs []store.RankingRun
}

func (s *fakeSink) SaveRanking(run store.RankingRun, _ []engine.RankedEntry) error {
	s.runs = append(s.runs, run)
	return nil
}

type fakeNotifier struct {
	runIDs []string
}

func (n *fakeNotifier) Notify(_ context.Context, runID string, _ []engine.RankedEntry) alert.Result {
	n.runIDs = append(n.runIDs, runID)
	return alert.Result{Status: alert.StatusSkipped}
}

func newTestScheduler(cfg Config, deps Deps, clock *fakeClock) (*Scheduler, *[]time.Duration) {
	if deps.Output == nil {
		deps.Output = io.Discard
	}
	s := New(cfg, deps)
	s.now = clock.Now
	waits := &[]time.Duration{}
	s.sleep = func(_ context.Context, d time.Duration) {
		*waits = append(*waits, d)
		clock.Advance(d)
	}
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("cycle-%d", n)
	}
	return s, waits
}

func TestRunCycle_RanksAndPersists(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)}
	fetcher := &stepFetcher{clock: clock, cost: time.Minute}
	persister := &fakePersister{}
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	var out bytes.Buffer
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 2, Save: true}, Deps{
		Universe:  staticUniverse{"600000", "600001", "600002"},
		Fetcher:   fetcher,
		Persister: persister,
		Sink:      sink,
		Notifier:  notifier,
		Output:    &out,
	}, clock)

	first, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if first.Instruments != 3 || len(first.Entries) != 2 {
		t.Fatalf("unexpected first report %+v", first)
	}
	for _, e := range first.Entries {
		if e.RiseSpeed != 0 {
			t.Errorf("first observation of %s should be 0, got %v", e.Code, e.RiseSpeed)
		}
	}
	if first.SavedPath != "ranking-1.json" {
		t.Errorf("saved path = %q", first.SavedPath)
	}

	second, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if second.Entries[0].Code != "600002" || second.Entries[0].RiseSpeed <= second.Entries[1].RiseSpeed {
		t.Errorf("expected fastest riser first, got %+v", second.Entries)
	}
	if second.Entries[0].Rank != 1 || second.Entries[1].Rank != 2 {
		t.Errorf("ranks not assigned: %+v", second.Entries)
	}

	if !strings.Contains(out.String(), "涨速前2股票") {
		t.Errorf("report not written:\n%s", out.String())
	}
	if len(sink.runs) != 2 || sink.runs[1].ID != "cycle-2" || sink.runs[1].Ranked != 2 || sink.runs[1].Instruments != 3 {
		t.Errorf("unexpected sink runs %+v", sink.runs)
	}
	if len(notifier.runIDs) != 2 || notifier.runIDs[0] != "cycle-1" {
		t.Errorf("unexpected notifier calls %v", notifier.runIDs)
	}
	latest, ok := s.Latest()
	if !ok || latest.ID != "cycle-2" {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
}

func TestRunCycle_EmptyRankingNotSaved(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	persister := &fakePersister{}
	var out bytes.Buffer
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 10, Save: true}, Deps{
		Universe:  staticUniverse{},
		Fetcher:   &stepFetcher{clock: clock},
		Persister: persister,
		Output:    &out,
	}, clock)

	rep, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(rep.Entries) != 0 || persister.calls != 0 {
		t.Errorf("empty ranking should not be saved: entries=%d saves=%d", len(rep.Entries), persister.calls)
	}
	if !strings.Contains(out.String(), "没有获取到股票数据") {
		t.Errorf("expected empty notice, got:\n%s", out.String())
	}
}

func TestRunCycle_SaveDisabled(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	persister := &fakePersister{}
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 10}, Deps{
		Universe:  staticUniverse{"600000"},
		Fetcher:   &stepFetcher{clock: clock},
		Persister: persister,
	}, clock)
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if persister.calls != 0 {
		t.Errorf("save disabled but persister called %d times", persister.calls)
	}
}

func TestRun_PacesCycles(t *testing.T) {
	tests := []struct {
		name string
		cost time.Duration
		want []time.Duration
	}{
		{name: "short cycle sleeps the remainder", cost: 10 * time.Second, want: []time.Duration{50 * time.Second, 50 * time.Second}},
		{name: "long cycle starts next at once", cost: 70 * time.Second, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: time.Unix(0, 0)}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			fetcher := &stepFetcher{clock: clock, cost: tt.cost}
			fetcher.onCall = func(n int) {
				if n == 3 {
					cancel()
				}
			}
			s, waits := newTestScheduler(Config{Interval: time.Minute, TopN: 5}, Deps{
				Universe: staticUniverse{"600000"},
				Fetcher:  fetcher,
			}, clock)

			if err := s.Run(ctx); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if fetcher.calls != 3 {
				t.Errorf("cycles = %d, want 3", fetcher.calls)
			}
			got := *waits
			if len(got) != len(tt.want) {
				t.Fatalf("waits = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("wait %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
			if s.State() != StateStopped {
				t.Errorf("state = %s, want stopped", s.State())
			}
		})
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &stepFetcher{clock: clock}
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 5}, Deps{
		Universe: staticUniverse{"600000"},
		Fetcher:  fetcher,
	}, clock)
	if s.State() != StateIdle {
		t.Errorf("initial state = %s", s.State())
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("no cycle expected after cancel, got %d", fetcher.calls)
	}
	if _, ok := s.Latest(); ok {
		t.Error("Latest should be empty")
	}
}

func TestRun_ContinuesAfterFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &stepFetcher{clock: clock, cost: time.Second, panicOn: 1}
	fetcher.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	persister := &fakePersister{err: errors.New("disk full")}
	s, waits := newTestScheduler(Config{Interval: time.Minute, TopN: 5, Save: true}, Deps{
		Universe:  staticUniverse{"600000"},
		Fetcher:   fetcher,
		Persister: persister,
	}, clock)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fetcher.calls != 3 {
		t.Errorf("loop should survive a panic and persist errors, cycles = %d", fetcher.calls)
	}
	if persister.calls != 2 {
		t.Errorf("persister calls = %d, want 2", persister.calls)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Minute {
		t.Errorf("waits = %v", *waits)
	}
	if latest, ok := s.Latest(); !ok || latest.ID != "cycle-3" {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
}

func TestRunCycle_PersistErrorReturned(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 5, Save: true}, Deps{
		Universe:  staticUniverse{"600000"},
		Fetcher:   &stepFetcher{clock: clock},
		Persister: &fakePersister{err: errors.New("disk full")},
	}, clock)
	rep, err := s.RunCycle(context.Background())
	if !errors.Is(err, ErrSinkFailed) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persist error, got %v", err)
	}
	if len(rep.Entries) != 1 || rep.SavedPath != "" {
		t.Errorf("ranking should survive a persist failure: %+v", rep)
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })
	return &buf
}

func TestRun_SinkFailureIsNotCycleFailure(t *testing.T) {
	logs := captureLog(t)
	clock := &fakeClock{t: time.Unix(0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &stepFetcher{clock: clock, cost: time.Second}
	fetcher.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 5, Save: true}, Deps{
		Universe:  staticUniverse{"600000"},
		Fetcher:   fetcher,
		Persister: &fakePersister{err: errors.New("disk full")},
	}, clock)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := logs.String()
	if n := strings.Count(out, "save ranking failed"); n != 2 {
		t.Errorf("persist failure logged %d times, want once per cycle:\n%s", n, out)
	}
	if strings.Contains(out, "cycle failed") {
		t.Errorf("persist failure reported as a cycle failure:\n%s", out)
	}
}

func TestRun_PanicIsCycleFailure(t *testing.T) {
	logs := captureLog(t)
	clock := &fakeClock{t: time.Unix(0, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &stepFetcher{clock: clock, panicOn: 1}
	fetcher.onCall = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	s, _ := newTestScheduler(Config{Interval: time.Minute, TopN: 5}, Deps{
		Universe: staticUniverse{"600000"},
		Fetcher:  fetcher,
	}, clock)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := strings.Count(logs.String(), "cycle failed"); n != 1 {
		t.Errorf("cycle failed logged %d times, want 1:\n%s", n, logs.String())
	}
}

func TestNextInterval_FailureBackoff(t *testing.T) {
	degraded := market.FetchStats{Batches: 2, Degraded: 2}
	healthy := market.FetchStats{Batches: 2, Degraded: 1}

	s := New(Config{Interval: time.Minute, FailureBackoff: true}, Deps{})
	var got []time.Duration
	for range 7 {
		got = append(got, s.nextInterval(degraded))
	}
	want := []time.Duration{time.Minute, time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cycle %d interval = %v, want %v", i+1, got[i], want[i])
		}
	}
	if d := s.nextInterval(healthy); d != time.Minute {
		t.Errorf("healthy cycle should reset backoff, got %v", d)
	}

	plain := New(Config{Interval: time.Minute}, Deps{})
	for range 7 {
		if d := plain.nextInterval(degraded); d != time.Minute {
			t.Fatalf("backoff disabled but interval = %v", d)
		}
	}
}
