package market

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/logger"
)

const (
	DefaultBatchSize  = 50
	DefaultBatchPause = 100 * time.Millisecond
)

type FetcherConfig struct {
	BatchSize  int
	BatchPause time.Duration
}

// FetchStats summarises how a fetch was served.
type FetchStats struct {
	Batches   int
	Degraded  int // batches served by the synthetic source
	Synthetic int // instruments carrying synthetic quotes
}

// AllDegraded reports whether no batch reached a real source.
func (s FetchStats) AllDegraded() bool {
	return s.Batches > 0 && s.Degraded == s.Batches
}

// Fetcher splits a universe into batches and resolves each one through a
// primary source with synthetic fallback.
type Fetcher struct {
	chain     *FallbackSource
	synthetic QuoteSource
	cfg       FetcherConfig
	sleep     func(ctx context.Context, d time.Duration)
	log       *logrus.Entry
}

// NewFetcher chains primary before synthetic. primary may be nil, in which
// case every batch is synthetic.
func NewFetcher(primary QuoteSource, synthetic QuoteSource, cfg FetcherConfig) *Fetcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	if synthetic == nil {
		synthetic = NewSyntheticSource(nil)
	}
	sources := []QuoteSource{synthetic}
	if primary != nil {
		sources = []QuoteSource{primary, synthetic}
	}
	return &Fetcher{
		chain:     NewFallbackSource(sources...),
		synthetic: synthetic,
		cfg:       cfg,
		sleep:     sleepCtx,
		log:       logger.WithComponent("fetcher"),
	}
}

// FetchQuotes returns a quote for every requested id.
func (f *Fetcher) FetchQuotes(ctx context.Context, ids []InstrumentID) (map[InstrumentID]Quote, FetchStats) {
	out := make(map[InstrumentID]Quote, len(ids))
	var stats FetchStats
	batches := Batches(ids, f.cfg.BatchSize)
	for i, batch := range batches {
		if i > 0 && f.cfg.BatchPause > 0 {
			f.sleep(ctx, f.cfg.BatchPause)
		}
		stats.Batches++
		quotes, source := f.fetchBatch(ctx, batch)
		if source == f.synthetic.Name() {
			stats.Degraded++
			stats.Synthetic += len(batch)
			f.log.WithFields(logrus.Fields{
				"batch": i + 1,
				"size":  len(batch),
			}).Warn("batch fetch failed, using synthetic quotes")
		}
		wanted := make(map[InstrumentID]struct{}, len(batch))
		for _, id := range batch {
			wanted[id] = struct{}{}
		}
		for _, q := range quotes {
			if _, ok := wanted[q.Code]; !ok {
				continue
			}
			if !q.Finite() {
				f.log.WithField("code", q.Code).Warn("dropping quote with non-finite fields")
				continue
			}
			out[q.Code] = q
		}
	}
	stats.Synthetic += f.fillMissing(ctx, ids, out)
	return out, stats
}

func (f *Fetcher) fetchBatch(ctx context.Context, batch []InstrumentID) ([]Quote, string) {
	quotes, source, err := f.chain.Resolve(ctx, batch)
	if err != nil {
		quotes, _ = f.synthetic.GetQuotes(ctx, batch)
		return quotes, f.synthetic.Name()
	}
	return quotes, source
}

// fillMissing adds synthetic quotes for ids a source silently dropped and
// returns how many were added.
func (f *Fetcher) fillMissing(ctx context.Context, ids []InstrumentID, out map[InstrumentID]Quote) int {
	var missing []InstrumentID
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return 0
	}
	f.log.WithField("missing", len(missing)).Warn("source omitted instruments, using synthetic quotes")
	quotes, _ := f.synthetic.GetQuotes(ctx, missing)
	for _, q := range quotes {
		out[q.Code] = q
	}
	return len(missing)
}

// Batches splits ids into consecutive chunks of at most size, preserving order.
func Batches(ids []InstrumentID, size int) [][]InstrumentID {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]InstrumentID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
