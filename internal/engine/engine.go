package engine

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/logger"
	"stock-rise-monitor/internal/market"
)

// ElapsedClock selects how the time between two observations is measured.
type ElapsedClock string

const (
	// ClockWall compares wall-clock readings, so a system clock step shows
	// up in the elapsed time.
	ClockWall ElapsedClock = "wall"
	// ClockMonotonic uses the monotonic reading when both timestamps carry one.
	ClockMonotonic ElapsedClock = "monotonic"
)

func ParseElapsedClock(s string) (ElapsedClock, error) {
	switch ElapsedClock(strings.ToLower(strings.TrimSpace(s))) {
	case "", ClockWall:
		return ClockWall, nil
	case ClockMonotonic:
		return ClockMonotonic, nil
	default:
		return "", fmt.Errorf("unknown elapsed clock %q", s)
	}
}

type HistoryEntry struct {
	Price     float64
	Timestamp time.Time
}

// History keeps the last observation per instrument. It is owned by one
// scheduler; the mutex only guards readers such as the status API.
type History struct {
	mu      sync.RWMutex
	entries map[market.InstrumentID]HistoryEntry
}

func NewHistory() *History {
	return &History{entries: make(map[market.InstrumentID]HistoryEntry)}
}

func (h *History) Get(id market.InstrumentID) (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	return e, ok
}

func (h *History) Set(id market.InstrumentID, e HistoryEntry) {
	h.mu.Lock()
	h.entries[id] = e
	h.mu.Unlock()
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

type Calculator struct {
	clock ElapsedClock
	log   *logrus.Entry
}

func NewCalculator(clock ElapsedClock) *Calculator {
	if clock == "" {
		clock = ClockWall
	}
	return &Calculator{clock: clock, log: logger.WithComponent("engine")}
}

// Update returns the rise speed, in percent per minute, of every quote in
// current and records each quote as the new history entry. An instrument
// seen for the first time, or whose elapsed time or previous price is not
// positive, gets 0. Failures are confined to their own instrument.
func (c *Calculator) Update(history *History, current map[market.InstrumentID]market.Quote) map[market.InstrumentID]float64 {
	out := make(map[market.InstrumentID]float64, len(current))
	for id, q := range current {
		speed, err := c.speed(history, id, q)
		if err != nil {
			c.log.WithError(err).WithField("code", id).Error("rise speed computation failed")
			out[id] = 0
			continue
		}
		out[id] = speed
		history.Set(id, HistoryEntry{Price: q.Price, Timestamp: q.Timestamp})
	}
	return out
}

func (c *Calculator) speed(history *History, id market.InstrumentID, q market.Quote) (float64, error) {
	if !isFinite(q.Price) {
		return 0, fmt.Errorf("non-finite price %v", q.Price)
	}
	if q.Timestamp.IsZero() {
		return 0, fmt.Errorf("missing timestamp")
	}
	prev, ok := history.Get(id)
	if !ok {
		return 0, nil
	}
	minutes := c.elapsed(prev.Timestamp, q.Timestamp).Minutes()
	if minutes <= 0 || prev.Price <= 0 {
		return 0, nil
	}
	speed := (q.Price - prev.Price) / prev.Price * 100 / minutes
	if !isFinite(speed) {
		return 0, fmt.Errorf("non-finite rise speed from %v to %v", prev.Price, q.Price)
	}
	return speed, nil
}

func (c *Calculator) elapsed(from, to time.Time) time.Duration {
	if c.clock == ClockMonotonic {
		return to.Sub(from)
	}
	return to.Round(0).Sub(from.Round(0))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
