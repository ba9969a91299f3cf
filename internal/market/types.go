package market

import (
	"context"
	"errors"
	"math"
	"time"
)

// InstrumentID is an exchange code such as "600519".
type InstrumentID string

// Quote is one point-in-time snapshot of an instrument.
type Quote struct {
	Code      InstrumentID `json:"code"`
	Name      string       `json:"name"`
	Price     float64      `json:"price"`
	Change    float64      `json:"change"`
	ChangePct float64      `json:"change_pct"`
	Volume    int64        `json:"volume"`
	Amount    float64      `json:"amount"`
	High      float64      `json:"high"`
	Low       float64      `json:"low"`
	Open      float64      `json:"open"`
	PreClose  float64      `json:"pre_close"`
	Timestamp time.Time    `json:"timestamp"`
}

// QuoteSource fetches quotes for one batch of instruments.
type QuoteSource interface {
	Name() string
	GetQuotes(ctx context.Context, ids []InstrumentID) ([]Quote, error)
}

// CatalogSource lists the instruments available for monitoring.
type CatalogSource interface {
	ListCodes(ctx context.Context) ([]InstrumentID, error)
}

// ErrBadPayload marks a response that arrived but could not be used:
// non-2xx status, undecodable body or a missing success marker.
var ErrBadPayload = errors.New("bad payload")

func toIDs(codes []string) []InstrumentID {
	out := make([]InstrumentID, 0, len(codes))
	for _, c := range codes {
		if c != "" {
			out = append(out, InstrumentID(c))
		}
	}
	return out
}

// Finite reports whether every numeric field of q is a real number.
func (q Quote) Finite() bool {
	return allFinite(q.Price, q.Change, q.ChangePct, q.Amount, q.High, q.Low, q.Open, q.PreClose)
}

func allFinite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
