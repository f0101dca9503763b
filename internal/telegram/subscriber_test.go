package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/foxzi/promobot/internal/models"
)

type fakeRegistry struct {
	mu         sync.Mutex
	registered []*models.User
	blocked    map[string]bool
	err        error
}

func (f *fakeRegistry) Register(ctx context.Context, u *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	u.ID = int64(len(f.registered) + 1)
	f.registered = append(f.registered, u)
	return nil
}

func (f *fakeRegistry) SetBlocked(ctx context.Context, chatID string, blocked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked == nil {
		f.blocked = map[string]bool{}
	}
	f.blocked[chatID] = blocked
	return nil
}

func startUpdate(chatID int64, chatType string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 3,
		Message: &tgbotapi.Message{
			MessageID: 30,
			From:      &tgbotapi.User{ID: chatID, UserName: "ann", FirstName: "Ann", LastName: "Lee"},
			Chat:      &tgbotapi.Chat{ID: chatID, Type: chatType},
			Text:      "/start",
			Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
		},
	}
}

func memberUpdate(chatID int64, status string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 4,
		MyChatMember: &tgbotapi.ChatMemberUpdated{
			Chat:          tgbotapi.Chat{ID: chatID, Type: "private"},
			From:          tgbotapi.User{ID: chatID},
			NewChatMember: tgbotapi.ChatMember{Status: status},
		},
	}
}

func TestSubscriberBot_Start(t *testing.T) {
	bot := &fakeBot{}
	users := &fakeRegistry{}
	b := NewSubscriberBot(bot, users, "Welcome", testLogger())

	b.HandleUpdate(context.Background(), startUpdate(111, "private"))

	if len(users.registered) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(users.registered))
	}
	u := users.registered[0]
	if u.ChatID != "111" || u.UserName != "ann" || u.FirstName != "Ann" || u.LastName != "Lee" {
		t.Errorf("unexpected user: %+v", u)
	}

	if len(bot.sent) != 1 {
		t.Fatalf("expected start message, got %d sends", len(bot.sent))
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok || msg.Text != "Welcome" || msg.ChatID != 111 {
		t.Errorf("unexpected start message: %+v", bot.sent[0])
	}
}

func TestSubscriberBot_StartRegistrationFails(t *testing.T) {
	bot := &fakeBot{}
	users := &fakeRegistry{err: errors.New("database is locked")}
	b := NewSubscriberBot(bot, users, "Welcome", testLogger())

	b.HandleUpdate(context.Background(), startUpdate(111, "private"))

	if len(bot.sent) != 1 {
		t.Errorf("expected start message despite registration error, got %d sends", len(bot.sent))
	}
}

func TestSubscriberBot_IgnoresGroupsAndText(t *testing.T) {
	bot := &fakeBot{}
	users := &fakeRegistry{}
	b := NewSubscriberBot(bot, users, "Welcome", testLogger())

	b.HandleUpdate(context.Background(), startUpdate(-100, "group"))
	b.HandleUpdate(context.Background(), textUpdate(111, "hello"))

	if len(users.registered) != 0 || len(bot.sent) != 0 {
		t.Errorf("expected no action, got %d registrations and %d sends", len(users.registered), len(bot.sent))
	}
}

func TestSubscriberBot_Membership(t *testing.T) {
	tests := []struct {
		status  string
		blocked bool
	}{
		{"kicked", true},
		{"left", true},
		{"member", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			users := &fakeRegistry{}
			b := NewSubscriberBot(&fakeBot{}, users, "", testLogger())

			b.HandleUpdate(context.Background(), memberUpdate(222, tt.status))

			got, ok := users.blocked["222"]
			if !ok {
				t.Fatal("expected blocked status to be written")
			}
			if got != tt.blocked {
				t.Errorf("blocked = %v, want %v", got, tt.blocked)
			}
		})
	}
}

// pollingBot serves updates from a channel
type pollingBot struct {
	fakeBot
	updates chan tgbotapi.Update
	config  tgbotapi.UpdateConfig
	stopped bool
}

func (b *pollingBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	b.config = config
	return b.updates
}

func (b *pollingBot) StopReceivingUpdates() {
	b.stopped = true
}

func TestSubscriberBot_Run(t *testing.T) {
	bot := &pollingBot{updates: make(chan tgbotapi.Update)}
	users := &fakeRegistry{}
	b := NewSubscriberBot(bot, users, "Welcome", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	bot.updates <- startUpdate(111, "private")
	bot.updates <- memberUpdate(111, "kicked")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if !bot.stopped {
		t.Error("expected polling to be stopped")
	}
	if bot.config.Timeout != 30 {
		t.Errorf("long poll timeout = %d, want 30", bot.config.Timeout)
	}
	if len(bot.config.AllowedUpdates) != 2 {
		t.Errorf("allowed updates = %v", bot.config.AllowedUpdates)
	}
	if len(users.registered) != 1 || !users.blocked["111"] {
		t.Errorf("expected registration then block, got %d registered, blocked=%v", len(users.registered), users.blocked)
	}
}

func TestPoll_RequiresPollingClient(t *testing.T) {
	if err := poll(context.Background(), &fakeBot{}, nil, testLogger(), nil); err == nil {
		t.Error("expected error for a client without polling")
	}
}
