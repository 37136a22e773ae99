// Package notify pushes run alerts (recovered credentials, aborts) to a
// Telegram chat. Alerts are best-effort: a slow or failing sender never
// blocks the engine.
package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"sprayer/internal/engine"
	"sprayer/internal/eventbus"
	logx "sprayer/pkg/logx"
)

// Sender is the slice of the Telegram API we use; *tele.Bot satisfies it.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

type Service struct {
	sender  Sender
	chatID  int64
	limiter *rate.Limiter
	log     logx.Logger
}

// New dials the Telegram API. Use NewWithSender in tests.
func New(cfg Config, log logx.Logger) (*Service, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil, // send-only
	})
	if err != nil {
		return nil, fmt.Errorf("notify: telegram setup: %w", err)
	}
	return NewWithSender(bot, cfg, log), nil
}

func NewWithSender(s Sender, cfg Config, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sender:  s,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
}

// Run consumes bus events until ctx is cancelled. Events beyond the rate
// limit are dropped rather than queued; the attempt store remains the
// authoritative record.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := s.format(ev)
			if msg == "" {
				continue
			}
			if !s.limiter.Allow() {
				s.log.Debug("alert dropped by rate limit", logx.String("type", ev.Type))
				continue
			}
			if _, err := s.sender.Send(tele.ChatID(s.chatID), msg); err != nil {
				s.log.Warn("alert send failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) format(ev eventbus.Event) string {
	switch ev.Type {
	case "credential.valid":
		a, ok := ev.Data.(engine.AttemptEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("✅ valid credentials: %s : %s", a.Username, a.Password)
	case "run.aborted":
		a, ok := ev.Data.(engine.AbortEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⛔ run aborted (%s): %s", a.Category, a.Reason)
	case "backoff.entered":
		b, ok := ev.Data.(engine.BackoffEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⏸ %s backing off until %s", b.Username, b.Until.Format(time.TimeOnly))
	default:
		return ""
	}
}
