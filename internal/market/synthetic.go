package market

import (
	"context"
	"math/rand/v2"
	"time"
)

// SyntheticSource fabricates plausible quotes. It never fails and is the
// last resort of every fallback chain.
type SyntheticSource struct {
	rng *rand.Rand
	now func() time.Time
}

func NewSyntheticSource(rng *rand.Rand) *SyntheticSource {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return &SyntheticSource{rng: rng, now: time.Now}
}

func (s *SyntheticSource) Name() string { return "synthetic" }

func (s *SyntheticSource) GetQuotes(_ context.Context, ids []InstrumentID) ([]Quote, error) {
	ts := s.now()
	out := make([]Quote, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.quote(id, ts))
	}
	return out, nil
}

func (s *SyntheticSource) quote(id InstrumentID, ts time.Time) Quote {
	price := s.uniform(10, 100)
	pct := s.uniform(-5, 5)
	return Quote{
		Code:      id,
		Name:      "股票" + string(id),
		Price:     price,
		Change:    price * pct / 100,
		ChangePct: pct,
		Volume:    1_000_000 + s.rng.Int64N(99_000_001),
		Amount:    s.uniform(1e6, 1e9),
		High:      price * s.uniform(1.01, 1.05),
		Low:       price * s.uniform(0.95, 0.99),
		Open:      price * s.uniform(0.98, 1.02),
		PreClose:  price * (100 - pct) / 100,
		Timestamp: ts,
	}
}

func (s *SyntheticSource) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*s.rng.Float64()
}
