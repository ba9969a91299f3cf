package market

import (
	"context"

	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/logger"
)

var builtinInstruments = []InstrumentID{
	"000001", "000002", "000858", "000895", "000938",
	"600000", "600036", "600519", "600887", "601318",
	"002142", "002415", "002594", "300059", "300750",
}

// DefaultInstruments returns a copy of the built-in representative list.
func DefaultInstruments() []InstrumentID {
	out := make([]InstrumentID, len(builtinInstruments))
	copy(out, builtinInstruments)
	return out
}

// StaticCatalog serves a fixed list.
type StaticCatalog struct {
	ids []InstrumentID
}

func NewStaticCatalog(codes []string) *StaticCatalog {
	ids := toIDs(codes)
	if len(ids) == 0 {
		ids = DefaultInstruments()
	}
	return &StaticCatalog{ids: ids}
}

func (c *StaticCatalog) ListCodes(context.Context) ([]InstrumentID, error) {
	out := make([]InstrumentID, len(c.ids))
	copy(out, c.ids)
	return out, nil
}

// Universe resolves the instruments to monitor: the remote catalog when it
// answers, the static list otherwise.
type Universe struct {
	remote   CatalogSource
	fallback *StaticCatalog
	log      *logrus.Entry
}

// NewUniverse builds a resolver. remote may be nil, in which case the
// static list is used without a warning.
func NewUniverse(remote CatalogSource, fallback *StaticCatalog) *Universe {
	if fallback == nil {
		fallback = NewStaticCatalog(nil)
	}
	return &Universe{remote: remote, fallback: fallback, log: logger.WithComponent("universe")}
}

// ListInstruments never fails and never returns an empty list.
func (u *Universe) ListInstruments(ctx context.Context) []InstrumentID {
	if u.remote != nil {
		ids, err := u.remote.ListCodes(ctx)
		if err == nil && len(ids) > 0 {
			return dedupe(ids)
		}
		entry := u.log
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warn("catalog unavailable, using built-in instrument list")
	}
	ids, _ := u.fallback.ListCodes(ctx)
	return ids
}

func dedupe(ids []InstrumentID) []InstrumentID {
	seen := make(map[InstrumentID]struct{}, len(ids))
	out := make([]InstrumentID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
