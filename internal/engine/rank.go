package engine

import (
	"sort"

	"stock-rise-monitor/internal/market"
)

type RankedEntry struct {
	Rank      int
	Code      market.InstrumentID
	Quote     market.Quote
	RiseSpeed float64
}

// Rank orders the instruments present in both quotes and speeds by rise
// speed, highest first, and keeps the first topN. Ties keep their position
// in order; ids missing from order follow, sorted by code.
func Rank(quotes map[market.InstrumentID]market.Quote, speeds map[market.InstrumentID]float64, order []market.InstrumentID, topN int) []RankedEntry {
	if topN <= 0 || len(quotes) == 0 || len(speeds) == 0 {
		return []RankedEntry{}
	}

	seen := make(map[market.InstrumentID]struct{}, len(order))
	ids := make([]market.InstrumentID, 0, len(speeds))
	for _, id := range order {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if eligible(id, quotes, speeds) {
			ids = append(ids, id)
		}
	}
	var rest []market.InstrumentID
	for id := range speeds {
		if _, ok := seen[id]; !ok && eligible(id, quotes, speeds) {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	ids = append(ids, rest...)

	sort.SliceStable(ids, func(i, j int) bool {
		return speeds[ids[i]] > speeds[ids[j]]
	})
	if len(ids) > topN {
		ids = ids[:topN]
	}

	out := make([]RankedEntry, len(ids))
	for i, id := range ids {
		out[i] = RankedEntry{
			Rank:      i + 1,
			Code:      id,
			Quote:     quotes[id],
			RiseSpeed: speeds[id],
		}
	}
	return out
}

func eligible(id market.InstrumentID, quotes map[market.InstrumentID]market.Quote, speeds map[market.InstrumentID]float64) bool {
	if _, ok := quotes[id]; !ok {
		return false
	}
	_, ok := speeds[id]
	return ok
}
