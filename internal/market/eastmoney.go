package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EastmoneyProvider queries one instrument per request, so it suits small
// universes only.
type EastmoneyProvider struct {
	baseURL    string
	client     *http.Client
	retryDelay time.Duration
	now        func() time.Time
}

type eastmoneyResp struct {
	Data *eastmoneyData `json:"data"`
}

type eastmoneyData struct {
	Code      string  `json:"f57"`
	Name      string  `json:"f58"`
	Price     float64 `json:"f43"`
	High      float64 `json:"f44"`
	Low       float64 `json:"f45"`
	Open      float64 `json:"f46"`
	Volume    float64 `json:"f47"`
	Amount    float64 `json:"f48"`
	PreClose  float64 `json:"f60"`
	Change    float64 `json:"f169"`
	ChangePct float64 `json:"f170"`
}

func NewEastmoneyProvider(client *http.Client) *EastmoneyProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &EastmoneyProvider{
		baseURL:    "https://push2.eastmoney.com/api/qt/stock/get",
		client:     client,
		retryDelay: 150 * time.Millisecond,
		now:        time.Now,
	}
}

func (p *EastmoneyProvider) Name() string { return "eastmoney" }

// GetQuotes fails the whole batch on the first instrument that cannot be
// fetched; the caller substitutes the batch.
func (p *EastmoneyProvider) GetQuotes(ctx context.Context, ids []InstrumentID) ([]Quote, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("ids is empty")
	}
	out := make([]Quote, 0, len(ids))
	for _, id := range ids {
		q, err := p.getOne(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (p *EastmoneyProvider) getOne(ctx context.Context, id InstrumentID) (Quote, error) {
	secid := toSecID(id)

	u, err := url.Parse(p.baseURL)
	if err != nil {
		return Quote{}, fmt.Errorf("invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("secid", secid)
	q.Set("fields", "f43,f44,f45,f46,f47,f48,f57,f58,f60,f169,f170")
	q.Set("ut", "fa5fd1943c7b386f172d6893dbfba10b")
	q.Set("fltt", "2")
	q.Set("invt", "2")
	u.RawQuery = q.Encode()

	var payload eastmoneyResp
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		payload, lastErr = p.fetch(ctx, u.String())
		if lastErr == nil {
			break
		}
		if !shouldRetry(lastErr) || attempt == 2 {
			return Quote{}, lastErr
		}
		select {
		case <-ctx.Done():
			return Quote{}, ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
	if lastErr != nil {
		return Quote{}, lastErr
	}
	if payload.Data == nil {
		return Quote{}, fmt.Errorf("empty eastmoney data for %s: %w", id, ErrBadPayload)
	}
	if payload.Data.Price <= 0 {
		return Quote{}, fmt.Errorf("invalid price for %s: %w", id, ErrBadPayload)
	}

	d := payload.Data
	return Quote{
		Code:      id,
		Name:      d.Name,
		Price:     d.Price,
		Change:    d.Change,
		ChangePct: d.ChangePct,
		Volume:    int64(d.Volume),
		Amount:    d.Amount,
		High:      d.High,
		Low:       d.Low,
		Open:      d.Open,
		PreClose:  d.PreClose,
		Timestamp: p.now(),
	}, nil
}

func (p *EastmoneyProvider) fetch(ctx context.Context, rawURL string) (eastmoneyResp, error) {
	var payload eastmoneyResp
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return payload, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return payload, fmt.Errorf("request eastmoney: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return payload, fmt.Errorf("eastmoney status %d: %w", resp.StatusCode, ErrBadPayload)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode eastmoney: %w", err)
	}
	return payload, nil
}

func toSecID(id InstrumentID) string {
	s := exchangeSymbol(id)
	if strings.HasPrefix(s, "sh") {
		return "1." + strings.TrimPrefix(s, "sh")
	}
	return "0." + stripExchange(s)
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "reset by peer")
}
