package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

type SinaProvider struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func NewSinaProvider(client *http.Client) *SinaProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SinaProvider{
		baseURL: "https://hq.sinajs.cn/list=",
		client:  client,
		now:     time.Now,
	}
}

func (p *SinaProvider) Name() string { return "sina" }

func (p *SinaProvider) GetQuotes(ctx context.Context, ids []InstrumentID) ([]Quote, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("ids is empty")
	}
	symbols := make([]string, 0, len(ids))
	for _, id := range ids {
		symbols = append(symbols, exchangeSymbol(id))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+strings.Join(symbols, ","), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Referer", "https://finance.sina.com.cn")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request sina: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("sina status %d: %w", resp.StatusCode, ErrBadPayload)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sina: %w", err)
	}
	if data, err = decodeGBK(data); err != nil {
		return nil, fmt.Errorf("decode sina: %w", ErrBadPayload)
	}

	ts := p.now()
	out := make([]Quote, 0, len(ids))
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if q, ok := parseSinaLine(line, ts); ok {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty sina response: %w", ErrBadPayload)
	}
	return out, nil
}

func parseSinaLine(line string, ts time.Time) (Quote, bool) {
	// format: var hq_str_sh600000="name,open,preclose,price,high,low,bid,ask,volume,amount,...";
	parts := strings.SplitN(line, "=", 2)
	if len(parts) < 2 {
		return Quote{}, false
	}
	sym := strings.TrimPrefix(strings.TrimSpace(parts[0]), "var hq_str_")
	payload := strings.Trim(strings.TrimSpace(parts[1]), ";")
	payload = strings.Trim(payload, "\"")
	fields := strings.Split(payload, ",")
	if len(fields) < 10 {
		return Quote{}, false
	}
	nums := make([]float64, 10)
	for i := 1; i < 10; i++ {
		nums[i] = parseFloat(fields[i])
	}
	if !allFinite(nums...) {
		return Quote{}, false
	}
	price := nums[3]
	if price <= 0 {
		return Quote{}, false
	}
	preClose := nums[2]
	change := 0.0
	changePct := 0.0
	if preClose > 0 {
		change = price - preClose
		changePct = change / preClose * 100
	}
	return Quote{
		Code:      InstrumentID(stripExchange(sym)),
		Name:      fields[0],
		Price:     price,
		Change:    change,
		ChangePct: changePct,
		Volume:    int64(nums[8]),
		Amount:    nums[9],
		High:      nums[4],
		Low:       nums[5],
		Open:      nums[1],
		PreClose:  preClose,
		Timestamp: ts,
	}, true
}

// exchangeSymbol prefixes a bare A-share code with its exchange: Shanghai
// for 5/6/9 leading digits, Beijing for 4/8, Shenzhen otherwise.
func exchangeSymbol(id InstrumentID) string {
	s := strings.ToLower(strings.TrimSpace(string(id)))
	if strings.HasPrefix(s, "sh") || strings.HasPrefix(s, "sz") || strings.HasPrefix(s, "bj") || s == "" {
		return s
	}
	switch s[0] {
	case '5', '6', '9':
		return "sh" + s
	case '4', '8':
		return "bj" + s
	default:
		return "sz" + s
	}
}

func stripExchange(sym string) string {
	s := strings.ToLower(sym)
	for _, p := range []string{"sh", "sz", "bj"} {
		if strings.HasPrefix(s, p) {
			return s[len(p):]
		}
	}
	return s
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// decodeGBK converts a GBK body to UTF-8. Bodies that are already valid
// UTF-8 are returned unchanged.
func decodeGBK(data []byte) ([]byte, error) {
	if utf8.Valid(data) {
		return data, nil
	}
	return simplifiedchinese.GBK.NewDecoder().Bytes(data)
}
