package market

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/logger"
)

// FallbackSource asks each source in turn and keeps the first non-empty
// answer. Put a SyntheticSource last to make resolution infallible.
type FallbackSource struct {
	sources []QuoteSource
	log     *logrus.Entry
}

func NewFallbackSource(sources ...QuoteSource) *FallbackSource {
	return &FallbackSource{sources: sources, log: logger.WithComponent("market")}
}

// Resolve returns the quotes together with the name of the source that
// served them.
func (m *FallbackSource) Resolve(ctx context.Context, ids []InstrumentID) ([]Quote, string, error) {
	if len(m.sources) == 0 {
		return nil, "", fmt.Errorf("no quote sources configured")
	}
	var lastErr error
	for _, src := range m.sources {
		quotes, err := src.GetQuotes(ctx, ids)
		if err == nil && len(quotes) > 0 {
			return quotes, src.Name(), nil
		}
		if err == nil {
			err = fmt.Errorf("%s returned no quotes", src.Name())
		}
		m.log.WithError(err).WithFields(logrus.Fields{
			"source": src.Name(),
			"batch":  len(ids),
		}).Warn("quote source failed, trying next")
		lastErr = err
	}
	return nil, "", fmt.Errorf("all quote sources failed: %w", lastErr)
}
