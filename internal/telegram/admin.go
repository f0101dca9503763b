package telegram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/foxzi/promobot/internal/coupon"
)

// Callback payloads of the admin keyboard
const (
	callbackUse         = "use_coupon:"
	callbackFullyUsed   = "coupon_fully_used"
	callbackUsed        = "coupon_used"
	callbackAlreadyUsed = "coupon_already_used"
)

// Redeemer looks up and confirms coupons
type Redeemer interface {
	Lookup(ctx context.Context, code string) (*coupon.Query, error)
	Confirm(ctx context.Context, couponID int64) (*coupon.Confirmation, error)
}

// updatesAPI is the polling part of *tgbotapi.BotAPI
type updatesAPI interface {
	botAPI
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// AdminBot lets shop staff check a presented code and mark it used
type AdminBot struct {
	bot      botAPI
	redeemer Redeemer
	allowed  map[int64]bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdminBot creates the admin bot. When allowed is not empty only those
// chats are served.
func NewAdminBot(bot botAPI, redeemer Redeemer, allowed []int64, logger *slog.Logger) *AdminBot {
	a := &AdminBot{
		bot:      bot,
		redeemer: redeemer,
		allowed:  make(map[int64]bool, len(allowed)),
		logger:   logger.With("component", "admin_bot"),
		now:      time.Now,
	}
	for _, id := range allowed {
		a.allowed[id] = true
	}
	return a
}

// Run polls for updates until ctx is cancelled
func (a *AdminBot) Run(ctx context.Context) error {
	return poll(ctx, a.bot, nil, a.logger, a.HandleUpdate)
}

// HandleUpdate dispatches one update
func (a *AdminBot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("update handler panicked", "panic", r, "update_id", update.UpdateID)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "" && !update.Message.IsCommand():
		a.handleCode(ctx, update.Message)
	}
}

func (a *AdminBot) permitted(chatID int64) bool {
	return len(a.allowed) == 0 || a.allowed[chatID]
}

func (a *AdminBot) handleCode(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !a.permitted(chatID) {
		a.logger.Warn("ignoring message from unknown chat", "chat_id", chatID)
		return
	}

	code := coupon.NormalizeCode(msg.Text)
	q, err := a.redeemer.Lookup(ctx, code)
	if err != nil {
		a.logger.Error("coupon lookup failed", "code", code, "error", err)
		a.reply(chatID, "❌ Произошла ошибка при поиске купона.", nil)
		return
	}

	switch {
	case q.State == coupon.StateRejected && q.Coupon == nil:
		a.reply(chatID, fmt.Sprintf("❌ Купон с кодом <code>%s</code> не найден.", html.EscapeString(code)), nil)
		return
	case q.State == coupon.StateRejected:
		a.reply(chatID, fmt.Sprintf("❌ Пользователь с chat_id \"%s\" не найден.", html.EscapeString(q.Coupon.ChatID)), nil)
		return
	}

	a.reply(chatID, couponInfo(q), couponKeyboard(q))
}

func couponInfo(q *coupon.Query) string {
	c := q.Coupon
	exhausted := q.State == coupon.StateExhausted

	usage := "✅ <b>Использовано раз:</b>"
	if exhausted {
		usage = "❌ <b>Использовано раз (МАКСИМУМ):</b>"
	}

	ruleName, description := "", "Нет описания"
	if q.Rule != nil {
		ruleName = q.Rule.Name
		if q.Rule.Description != "" {
			description = q.Rule.Description
		}
	}

	var b strings.Builder
	b.WriteString("🔍 <b>Информация о купоне</b>\n\n")
	fmt.Fprintf(&b, "📋 <b>Код:</b>\n<code>%s</code>\n", c.Code)
	fmt.Fprintf(&b, "📊 <b>Максимум использований:</b> %d\n", c.MaxUses)
	fmt.Fprintf(&b, "%s %d\n", usage, c.UsesCount)
	if q.User != nil {
		fmt.Fprintf(&b, "👤 <b>Клиент:</b> %s\n", html.EscapeString(displayName(q.User.FirstName, q.User.LastName, q.User.UserName)))
	}
	fmt.Fprintf(&b, "🎯 <b>Акция:</b> %s\n", html.EscapeString(ruleName))
	fmt.Fprintf(&b, "📝 <b>Описание:</b> %s", html.EscapeString(description))
	if exhausted {
		b.WriteString("\n\n⚠️ <b>ВНИМАНИЕ:</b> Купон уже полностью использован!")
	}
	return b.String()
}

func displayName(first, last, username string) string {
	name := strings.TrimSpace(first + " " + last)
	if username != "" {
		if name != "" {
			return name + " (@" + username + ")"
		}
		return "@" + username
	}
	return name
}

func couponKeyboard(q *coupon.Query) *tgbotapi.InlineKeyboardMarkup {
	var btn tgbotapi.InlineKeyboardButton
	if q.State == coupon.StateExhausted {
		btn = tgbotapi.NewInlineKeyboardButtonData("❌ Купон полностью использован", callbackFullyUsed)
	} else {
		btn = tgbotapi.NewInlineKeyboardButtonData("🎫 Использовать купон", callbackUse+strconv.FormatInt(q.Coupon.ID, 10))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(btn))
	return &kb
}

func (a *AdminBot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		a.answer(tgbotapi.NewCallback(cb.ID, ""))
		return
	}
	chatID := cb.Message.Chat.ID
	if !a.permitted(chatID) {
		a.answer(tgbotapi.NewCallback(cb.ID, ""))
		return
	}

	switch {
	case strings.HasPrefix(cb.Data, callbackUse):
		id, err := strconv.ParseInt(strings.TrimPrefix(cb.Data, callbackUse), 10, 64)
		if err != nil {
			a.logger.Warn("invalid callback payload", "data", cb.Data)
			break
		}
		a.useCoupon(ctx, chatID, cb.Message.MessageID, id)
	case cb.Data == callbackFullyUsed, cb.Data == callbackAlreadyUsed:
		a.answer(tgbotapi.NewCallbackWithAlert(cb.ID, "❌ Купон уже полностью использован!"))
		return
	case cb.Data == callbackUsed:
		a.answer(tgbotapi.NewCallbackWithAlert(cb.ID, "✅ Купон уже использован"))
		return
	default:
		a.logger.Debug("unknown callback", "data", cb.Data)
	}

	a.answer(tgbotapi.NewCallback(cb.ID, ""))
}

func (a *AdminBot) useCoupon(ctx context.Context, chatID int64, messageID int, couponID int64) {
	conf, err := a.redeemer.Confirm(ctx, couponID)
	if err != nil {
		a.logger.Error("coupon confirm failed", "coupon_id", couponID, "error", err)
		a.reply(chatID, "❌ Произошла ошибка при использовании купона.", nil)
		return
	}

	switch conf.State {
	case coupon.StateRejected:
		a.reply(chatID, "❌ Купон не найден.", nil)
	case coupon.StateExhausted:
		a.reply(chatID, "❌ Купон уже использован максимальное количество раз.", nil)
		a.replaceKeyboard(chatID, messageID, "❌ Купон уже использован", callbackAlreadyUsed)
	case coupon.StateConfirmed:
		c := conf.Coupon
		text := fmt.Sprintf("✅ <b>Купон использован!</b>\n\n"+
			"📋 <b>Код:</b>\n<code>%s</code>\n"+
			"📊 <b>Использовано:</b> %d/%d\n"+
			"⏰ <b>Время использования:</b> %s",
			c.Code, c.UsesCount, c.MaxUses, a.now().Format("02.01.2006 15:04:05"))

		var kb *tgbotapi.InlineKeyboardMarkup
		if conf.OrderURL != "" {
			text += "\n\n💬 <b>Перейдите по ссылке ниже для оформления заказа:</b>"
			m := tgbotapi.NewInlineKeyboardMarkup(
				tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("🎯 ОТРИМАТИ ЗНИЖКУ 🎯", conf.OrderURL)),
			)
			kb = &m
		}

		a.reply(chatID, text, kb)
		a.replaceKeyboard(chatID, messageID, "✅ Купон использован", callbackUsed)
	}
}

func (a *AdminBot) replaceKeyboard(chatID int64, messageID int, text, data string) {
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(text, data)),
	)
	if _, err := a.bot.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, kb)); err != nil {
		a.logger.Warn("failed to update keyboard", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}

func (a *AdminBot) reply(chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if kb != nil {
		msg.ReplyMarkup = *kb
	}
	if _, err := a.bot.Send(msg); err != nil {
		a.logger.Warn("failed to send reply", "chat_id", chatID, "error", err)
	}
}

func (a *AdminBot) answer(c tgbotapi.CallbackConfig) {
	if _, err := a.bot.Request(c); err != nil {
		a.logger.Debug("failed to answer callback", "error", err)
	}
}
