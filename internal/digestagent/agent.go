// Package digestagent writes the short commentary attached to rise-speed
// alerts. It asks an OpenAI-compatible chat model when one is configured
// and falls back to a deterministic summary otherwise.
package digestagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/logger"
)

const (
	ModeLLM      = "llm"
	ModeFallback = "fallback"
)

type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// Mover is the view of a ranked instrument handed to the model.
type Mover struct {
	Rank      int     `json:"rank"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	ChangePct float64 `json:"change_pct"`
	RiseSpeed float64 `json:"rise_speed"`
}

type Digest struct {
	OneLiner   string   `json:"one_liner"`
	Highlights []string `json:"highlights"`
	Mode       string   `json:"mode"`
}

type generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

type Agent struct {
	enabled        bool
	model          generator
	modelName      string
	disabledReason string
	log            *logrus.Entry

	errMu      sync.Mutex
	lastErrLog time.Time
}

func New(cfg Config) *Agent {
	log := logger.WithComponent("digestagent")
	if !cfg.Enabled {
		return &Agent{disabledReason: "disabled by config", log: log}
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		log.Warn("digest agent disabled: missing api key or model")
		return &Agent{disabledReason: "api_key or model missing", log: log}
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cm, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		ByAzure:    cfg.ByAzure,
		APIVersion: cfg.APIVersion,
		Timeout:    timeout,
	})
	if err != nil {
		log.WithError(err).Error("digest agent init failed")
		return &Agent{disabledReason: "init failed", log: log}
	}
	return &Agent{enabled: true, model: cm, modelName: cfg.Model, log: log}
}

// Mode reports whether commentary comes from the model or the fallback,
// with the reason when the model is off.
func (a *Agent) Mode() (string, string) {
	if a == nil || !a.enabled || a.model == nil {
		reason := "not configured"
		if a != nil && a.disabledReason != "" {
			reason = a.disabledReason
		}
		return ModeFallback, reason
	}
	return ModeLLM, a.modelName
}

// MoversFrom takes the first k entries.
func MoversFrom(entries []engine.RankedEntry, k int) []Mover {
	if k <= 0 || k > len(entries) {
		k = len(entries)
	}
	out := make([]Mover, k)
	for i, e := range entries[:k] {
		out[i] = Mover{
			Rank:      e.Rank,
			Code:      string(e.Code),
			Name:      e.Quote.Name,
			Price:     e.Quote.Price,
			ChangePct: e.Quote.ChangePct,
			RiseSpeed: e.RiseSpeed,
		}
	}
	return out
}

// Comment never fails to produce a digest. The returned error reports why
// the model answer was not used.
func (a *Agent) Comment(ctx context.Context, movers []Mover) (Digest, error) {
	if a == nil || !a.enabled || a.model == nil {
		return Fallback(movers), nil
	}

	payload, _ := json.Marshal(movers)
	system := `你是盘中异动播报助手。你必须只输出合法 JSON：{"one_liner":"...","highlights":["..."]}。
规则：
- 只描述涨速与涨跌幅数据，不给买入/卖出建议，不预测走势。
- one_liner 为一句中文概要，不超过 40 字。
- highlights 包含 1-3 条中文要点，每条提及股票名称或代码。`

	messages := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(fmt.Sprintf("涨速前列: %s", string(payload))),
	}
	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		a.logLLMErrorOnce(err)
		return Fallback(movers), err
	}
	text := strings.TrimSpace(resp.Content)
	a.log.WithField("output", truncate(text, 800)).Debug("digest agent output")

	out, err := parseDigest(text)
	if err != nil {
		return Fallback(movers), err
	}
	return sanitize(out, movers), nil
}

// Fallback summarises the movers without a model.
func Fallback(movers []Mover) Digest {
	if len(movers) == 0 {
		return Digest{OneLiner: "暂无涨速数据", Highlights: []string{"本轮没有可排名的股票"}, Mode: ModeFallback}
	}
	lead := movers[0]
	d := Digest{
		OneLiner: fmt.Sprintf("%s 领涨，1分钟涨速 %.2f%%", label(lead), lead.RiseSpeed),
		Mode:     ModeFallback,
	}
	for _, m := range trimMovers(movers, 3) {
		d.Highlights = append(d.Highlights, fmt.Sprintf("%s 涨速 %.2f%%，涨跌幅 %.2f%%", label(m), m.RiseSpeed, m.ChangePct))
	}
	positive := 0
	for _, m := range movers {
		if m.RiseSpeed > 0 {
			positive++
		}
	}
	if positive < len(movers) {
		d.Highlights = append(d.Highlights[:min(len(d.Highlights), 2)], fmt.Sprintf("前%d名中 %d 只涨速为正", len(movers), positive))
	}
	return d
}

// FormatMarkdown renders a digest and its movers for a DingTalk message.
func FormatMarkdown(title string, d Digest, movers []Mover) string {
	if title == "" {
		title = "涨速播报"
	}
	lines := []string{
		fmt.Sprintf("### %s", title),
		fmt.Sprintf("**概要**：%s", d.OneLiner),
		"",
		"**要点**：",
	}
	for _, h := range d.Highlights {
		lines = append(lines, fmt.Sprintf("- %s", h))
	}
	if len(movers) > 0 {
		lines = append(lines, "", "**涨速前列**：")
		for _, m := range movers {
			lines = append(lines, fmt.Sprintf("%d. %s 现价 %.2f 涨跌幅 %.2f%% 涨速 %.2f%%", m.Rank, label(m), m.Price, m.ChangePct, m.RiseSpeed))
		}
	}
	if d.Mode == ModeFallback {
		lines = append(lines, "", "> 自动摘要")
	}
	return strings.Join(lines, "\n")
}

func parseDigest(text string) (Digest, error) {
	var out Digest
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	jsonStr := extractFirstJSONObject(text)
	if jsonStr == "" {
		return Digest{}, fmt.Errorf("no json object found")
	}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return Digest{}, fmt.Errorf("parse digest: %w", err)
	}
	return out, nil
}

func sanitize(in Digest, movers []Mover) Digest {
	out := in
	out.Mode = ModeLLM
	out.OneLiner = strings.TrimSpace(out.OneLiner)
	if out.OneLiner == "" {
		out.OneLiner = Fallback(movers).OneLiner
	}
	var hs []string
	for _, h := range out.Highlights {
		if h = strings.TrimSpace(h); h != "" {
			hs = append(hs, h)
		}
	}
	if len(hs) == 0 {
		hs = Fallback(movers).Highlights
	}
	if len(hs) > 3 {
		hs = hs[:3]
	}
	out.Highlights = hs
	return out
}

func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func label(m Mover) string {
	if m.Name == "" {
		return m.Code
	}
	return fmt.Sprintf("%s(%s)", m.Name, m.Code)
}

func trimMovers(in []Mover, n int) []Mover {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func (a *Agent) logLLMErrorOnce(err error) {
	a.errMu.Lock()
	if time.Since(a.lastErrLog) < 5*time.Second {
		a.errMu.Unlock()
		return
	}
	a.lastErrLog = time.Now()
	a.errMu.Unlock()

	apiErr := &openai.APIError{}
	if errors.As(err, &apiErr) {
		a.log.WithFields(logrus.Fields{
			"status":  apiErr.HTTPStatusCode,
			"message": truncate(apiErr.Message, 300),
		}).Error("digest agent api error")
		return
	}
	a.log.WithError(err).Error("digest agent error")
}
