package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/foxzi/promobot/internal/config"
	"github.com/foxzi/promobot/internal/models"
)

// Registry stores subscribers of the main bot
type Registry interface {
	Register(ctx context.Context, u *models.User) error
	SetBlocked(ctx context.Context, chatID string, blocked bool) error
}

// SubscriberBot handles updates of the main bot: /start registers the chat
// and membership changes track whether the user blocked the bot.
type SubscriberBot struct {
	bot          botAPI
	users        Registry
	startMessage string
	logger       *slog.Logger
}

// NewSubscriberBot creates the main bot update handler
func NewSubscriberBot(bot botAPI, users Registry, startMessage string, logger *slog.Logger) *SubscriberBot {
	return &SubscriberBot{
		bot:          bot,
		users:        users,
		startMessage: startMessage,
		logger:       logger.With("component", "subscriber_bot"),
	}
}

// Run polls for updates until ctx is cancelled
func (b *SubscriberBot) Run(ctx context.Context) error {
	allowed := []string{tgbotapi.UpdateTypeMessage, tgbotapi.UpdateTypeMyChatMember}
	return poll(ctx, b.bot, allowed, b.logger, b.HandleUpdate)
}

// HandleUpdate dispatches one update
func (b *SubscriberBot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panicked", "panic", r, "update_id", update.UpdateID)
		}
	}()

	switch {
	case update.MyChatMember != nil:
		b.handleMembership(ctx, update.MyChatMember)
	case update.Message != nil && update.Message.Chat != nil && update.Message.Command() == "start":
		b.handleStart(ctx, update.Message)
	}
}

func (b *SubscriberBot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		return
	}

	u := &models.User{ChatID: strconv.FormatInt(msg.Chat.ID, 10)}
	if msg.From != nil {
		u.UserName = msg.From.UserName
		u.FirstName = msg.From.FirstName
		u.LastName = msg.From.LastName
	}

	// The greeting goes out even when storing the user failed
	if err := b.users.Register(ctx, u); err != nil {
		b.logger.Error("failed to register user", "chat_id", u.ChatID, "error", err)
	} else {
		b.logger.Info("user registered", "chat_id", u.ChatID, "user_id", u.ID)
	}

	if b.startMessage == "" {
		return
	}
	if _, err := b.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, b.startMessage)); err != nil {
		b.logger.Warn("failed to send start message", "chat_id", u.ChatID, "error", err)
	}
}

func (b *SubscriberBot) handleMembership(ctx context.Context, m *tgbotapi.ChatMemberUpdated) {
	if !m.Chat.IsPrivate() {
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	status := m.NewChatMember.Status
	blocked := status == "kicked" || status == "left"

	if err := b.users.SetBlocked(ctx, chatID, blocked); err != nil {
		b.logger.Error("failed to update blocked status", "chat_id", chatID, "error", err)
		return
	}
	b.logger.Info("membership changed", "chat_id", chatID, "status", status, "blocked", blocked)
}

// poll feeds updates to handle until ctx is cancelled
func poll(ctx context.Context, bot botAPI, allowed []string, logger *slog.Logger, handle func(context.Context, tgbotapi.Update)) error {
	api, ok := bot.(updatesAPI)
	if !ok {
		return fmt.Errorf("bot client does not support polling")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(config.LongPollTimeout / time.Second)
	u.AllowedUpdates = allowed
	updates := api.GetUpdatesChan(u)
	defer api.StopReceivingUpdates()

	logger.Info("bot started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			handle(ctx, update)
		}
	}
}
