package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stock-rise-monitor/internal/digestagent"
	"stock-rise-monitor/internal/engine"
	"stock-rise-monitor/internal/logger"
	"stock-rise-monitor/internal/push/dingtalk"
	"stock-rise-monitor/internal/store"
)

type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityMed  Priority = "med"
)

type Status string

const (
	StatusSent        Status = "sent"
	StatusSkipped     Status = "skipped"
	StatusSuppressed  Status = "suppressed"
	StatusRateLimited Status = "rate_limited"
)

type Result struct {
	Status          Status
	Priority        Priority
	Title           string
	Error           error
	DingTalkErrCode int
	DingTalkErrMsg  string
}

type Config struct {
	// MinRiseSpeed is the leader's rise speed, in percent per minute, that
	// triggers a push.
	MinRiseSpeed float64
	// HighRiseSpeed upgrades the push to high priority. Zero disables it.
	HighRiseSpeed float64
	TopK          int
	DedupWindow   time.Duration
	RateLimit     RateLimitConfig
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// Pusher delivers a markdown message.
type Pusher interface {
	SendMarkdown(ctx context.Context, title, markdown string) (*dingtalk.Response, error)
}

// Commenter produces the digest text for the movers.
type Commenter interface {
	Comment(ctx context.Context, movers []digestagent.Mover) (digestagent.Digest, error)
}

// Service pushes a digest of the top movers when the leader rises fast
// enough.
type Service struct {
	pusher  Pusher
	agent   Commenter
	cfg     Config
	limiter *TokenBucket
	store   *store.Store
	now     func() time.Time
	log     *logrus.Entry

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

func NewService(pusher Pusher, agent Commenter, st *store.Store, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Service{
		pusher:  pusher,
		agent:   agent,
		cfg:     cfg,
		limiter: NewTokenBucket(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		store:   st,
		now:     time.Now,
		log:     logger.WithComponent("alert"),
		dedup:   make(map[string]time.Time),
	}
}

// Notify evaluates one cycle's ranking. Only pushes that were attempted or
// held back are recorded in the store.
func (s *Service) Notify(ctx context.Context, runID string, entries []engine.RankedEntry) Result {
	if len(entries) == 0 || entries[0].RiseSpeed < s.cfg.MinRiseSpeed {
		return Result{Status: StatusSkipped}
	}
	lead := entries[0]
	priority := PriorityMed
	if s.cfg.HighRiseSpeed > 0 && lead.RiseSpeed >= s.cfg.HighRiseSpeed {
		priority = PriorityHigh
	}
	title := fmt.Sprintf("涨速异动 %s %.2f%%/分", leadLabel(lead), lead.RiseSpeed)
	dedupKey := fmt.Sprintf("rise:%s:%s", lead.Code, priority)

	if s.recentlySent(dedupKey) {
		res := Result{Status: StatusSuppressed, Priority: priority, Title: title}
		s.recordAlert(runID, dedupKey, res, "")
		return res
	}

	if !s.limiter.Allow() {
		if priority != PriorityHigh || !s.limiter.WaitForToken(ctx, 2*time.Second) {
			res := Result{Status: StatusRateLimited, Priority: priority, Title: title}
			s.recordAlert(runID, dedupKey, res, "")
			return res
		}
	}

	movers := digestagent.MoversFrom(entries, s.cfg.TopK)
	digest := digestagent.Fallback(movers)
	if s.agent != nil {
		d, err := s.agent.Comment(ctx, movers)
		if err != nil {
			s.log.WithError(err).Warn("digest agent failed, using fallback summary")
		}
		digest = d
	}
	markdown := digestagent.FormatMarkdown(title, digest, movers)

	res := s.sendNow(ctx, title, markdown)
	res.Priority = priority
	res.Title = title
	if res.Error == nil {
		s.markSent(dedupKey)
	}
	s.recordAlert(runID, dedupKey, res, markdown)
	return res
}

func (s *Service) sendNow(ctx context.Context, title, markdown string) Result {
	if s.pusher == nil {
		return Result{Status: StatusSent, Error: fmt.Errorf("dingtalk client not configured")}
	}
	_, err := s.pusher.SendMarkdown(ctx, title, markdown)
	res := Result{Status: StatusSent, Error: err}
	var apiErr *dingtalk.APIError
	if errors.As(err, &apiErr) {
		res.DingTalkErrCode = apiErr.Code
		res.DingTalkErrMsg = apiErr.Msg
	}
	return res
}

// recentlySent reports whether key was delivered within the dedup window.
func (s *Service) recentlySent(key string) bool {
	if s.cfg.DedupWindow <= 0 {
		return false
	}
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	last, ok := s.dedup[key]
	return ok && s.now().Sub(last) <= s.cfg.DedupWindow
}

// markSent starts the dedup window for key. Only delivered pushes count.
func (s *Service) markSent(key string) {
	if s.cfg.DedupWindow <= 0 {
		return
	}
	s.dedupMu.Lock()
	s.dedup[key] = s.now()
	s.dedupMu.Unlock()
}

func (s *Service) recordAlert(runID, dedupKey string, res Result, payload string) {
	if s.store == nil {
		return
	}
	rec := store.AlertRecord{
		TS:              s.now().Unix(),
		RunID:           runID,
		Priority:        string(res.Priority),
		Title:           res.Title,
		DedupKey:        dedupKey,
		Status:          string(res.Status),
		Channel:         "dingtalk",
		DingTalkErrCode: res.DingTalkErrCode,
		DingTalkErrMsg:  res.DingTalkErrMsg,
		PayloadMD:       payload,
	}
	if err := s.store.InsertAlert(rec); err != nil {
		s.log.WithError(err).Error("insert alert record failed")
	}
}

func leadLabel(e engine.RankedEntry) string {
	if e.Quote.Name == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s(%s)", e.Quote.Name, e.Code)
}
