package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"sprayer/internal/engine"
	"sprayer/internal/eventbus"
	logx "sprayer/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestAlertsOnValidCredential(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	svc := NewWithSender(sender, Config{ChatID: 42, RatePerSec: 100}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx, bus)
		close(done)
	}()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: "credential.valid", Data: engine.AttemptEvent{Username: "alice", Password: "hunter2"}})
	bus.Publish(eventbus.Event{Type: "attempt.finished", Data: engine.AttemptEvent{Username: "alice"}})

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent = %v, want exactly one alert", msgs)
	}
	if !strings.Contains(msgs[0], "alice") || !strings.Contains(msgs[0], "hunter2") {
		t.Fatalf("alert %q missing credentials", msgs[0])
	}
}

func TestFormatIgnoresUnknownEvents(t *testing.T) {
	t.Parallel()
	svc := NewWithSender(&fakeSender{}, Config{ChatID: 1}, logx.Nop())
	if msg := svc.format(eventbus.Event{Type: "attempt.started"}); msg != "" {
		t.Fatalf("format = %q, want empty", msg)
	}
	if msg := svc.format(eventbus.Event{Type: "credential.valid", Data: "not-a-struct"}); msg != "" {
		t.Fatalf("format with bad payload = %q, want empty", msg)
	}
}
