package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/conveyor/internal/notify"
)

type mockSession struct {
	mu       sync.Mutex
	sent     []*discordgo.MessageSend
	errs     []error
	attempts int
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	m.sent = append(m.sent, data)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func fastNotifier(t *testing.T, sess session) *Notifier {
	t.Helper()
	n, err := New(Opts{ChannelID: "chan-1", Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 2 * time.Millisecond
	return n
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "c"}); err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Errorf("New() without token err = %v", err)
	}
	if _, err := New(Opts{BotToken: "t"}); err == nil || !strings.Contains(err.Error(), "channel is required") {
		t.Errorf("New() without channel err = %v", err)
	}
	if _, err := New(Opts{BotToken: "t", ChannelID: "c"}); err != nil {
		t.Errorf("New() with token: %v", err)
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n := fastNotifier(t, sess)

	msg := notify.Message{
		Text: "Job abc failed",
		Events: []notify.Event{{
			Title:  "Job abc failed",
			Body:   "MODEL_TIMEOUT: chunk 2",
			Color:  notify.ColorError,
			Fields: []notify.Field{{Name: "Status", Value: "FAILED", Short: true}},
		}},
	}
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.Content != "Job abc failed" || len(got.Embeds) != 1 {
		t.Fatalf("MessageSend = %+v", got)
	}
	e := got.Embeds[0]
	if e.Color != 0xe53935 || e.Description != "MODEL_TIMEOUT: chunk 2" {
		t.Errorf("embed = %+v", e)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Errorf("embed fields = %+v", e.Fields)
	}
}

func TestNotify_RateLimitRetry(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited()}}
	n := fastNotifier(t, sess)

	if err := n.Notify(context.Background(), notify.Message{Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sess.attempts != 3 {
		t.Errorf("attempts = %d, want 3", sess.attempts)
	}
}

func TestNotify_RateLimitExhausted(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	n := fastNotifier(t, sess)

	if err := n.Notify(context.Background(), notify.Message{Text: "x"}); err == nil {
		t.Fatal("expected error after retries")
	}
	if sess.attempts != maxRetries+1 {
		t.Errorf("attempts = %d, want %d", sess.attempts, maxRetries+1)
	}
}

func TestNotify_NonRateLimitError(t *testing.T) {
	boom := errors.New("unknown channel")
	sess := &mockSession{errs: []error{boom}}
	n := fastNotifier(t, sess)

	err := n.Notify(context.Background(), notify.Message{Text: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
	if sess.attempts != 1 {
		t.Errorf("attempts = %d, want 1", sess.attempts)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"E53935", 0xe53935},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
