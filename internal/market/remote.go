package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const realtimeFields = "code,name,price,change,change_pct,volume,amount,high,low,open,pre_close"

// RemoteClient talks to the quant data API: a catalog list endpoint and a
// batch realtime quote endpoint sharing one base URL and bearer token.
type RemoteClient struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

type remoteEnvelope struct {
	Code *int            `json:"code"`
	Data json.RawMessage `json:"data"`
}

type remoteListItem struct {
	Code string `json:"code"`
}

type remoteQuote struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Price     flexFloat `json:"price"`
	Change    flexFloat `json:"change"`
	ChangePct flexFloat `json:"change_pct"`
	Volume    flexFloat `json:"volume"`
	Amount    flexFloat `json:"amount"`
	High      flexFloat `json:"high"`
	Low       flexFloat `json:"low"`
	Open      flexFloat `json:"open"`
	PreClose  flexFloat `json:"pre_close"`
}

func NewRemoteClient(baseURL, token string, client *http.Client) *RemoteClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		now:     time.Now,
	}
}

func (c *RemoteClient) Name() string { return "remote" }

// ListCodes returns the catalog codes in response order. Items without a
// code are skipped.
func (c *RemoteClient) ListCodes(ctx context.Context) ([]InstrumentID, error) {
	data, err := c.getData(ctx, "/api/stock/list", nil)
	if err != nil {
		return nil, err
	}
	var items []remoteListItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode catalog data: %w: %v", ErrBadPayload, err)
	}
	codes := make([]string, 0, len(items))
	for _, it := range items {
		codes = append(codes, strings.TrimSpace(it.Code))
	}
	return toIDs(codes), nil
}

func (c *RemoteClient) GetQuotes(ctx context.Context, ids []InstrumentID) ([]Quote, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("ids is empty")
	}
	codes := make([]string, len(ids))
	for i, id := range ids {
		codes[i] = string(id)
	}
	params := url.Values{}
	params.Set("codes", strings.Join(codes, ","))
	params.Set("fields", realtimeFields)

	data, err := c.getData(ctx, "/api/stock/realtime", params)
	if err != nil {
		return nil, err
	}
	var rows []remoteQuote
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode realtime data: %w: %v", ErrBadPayload, err)
	}

	ts := c.now()
	out := make([]Quote, 0, len(rows))
	for _, r := range rows {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			continue
		}
		// Rows carrying NaN or Inf are dropped; the fetcher fills them in.
		if !allFinite(float64(r.Price), float64(r.Change), float64(r.ChangePct), float64(r.Volume),
			float64(r.Amount), float64(r.High), float64(r.Low), float64(r.Open), float64(r.PreClose)) {
			continue
		}
		out = append(out, Quote{
			Code:      InstrumentID(code),
			Name:      r.Name,
			Price:     float64(r.Price),
			Change:    float64(r.Change),
			ChangePct: float64(r.ChangePct),
			Volume:    int64(r.Volume),
			Amount:    float64(r.Amount),
			High:      float64(r.High),
			Low:       float64(r.Low),
			Open:      float64(r.Open),
			PreClose:  float64(r.PreClose),
			Timestamp: ts,
		})
	}
	return out, nil
}

// getData performs the GET and returns the "data" member of a successful
// {code: 0, data: ...} envelope.
func (c *RemoteClient) getData(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s status %d: %w", path, resp.StatusCode, ErrBadPayload)
	}
	var env remoteEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", path, ErrBadPayload, err)
	}
	if env.Code == nil || *env.Code != 0 {
		return nil, fmt.Errorf("%s unsuccessful response: %w", path, ErrBadPayload)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s missing data: %w", path, ErrBadPayload)
	}
	return env.Data, nil
}

// flexFloat accepts a JSON number, a numeric string, an empty string or null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
