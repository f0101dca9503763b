// Package telegram delivers posts and coupons over the Telegram Bot API and
// runs the admin bot used to redeem coupons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/foxzi/promobot/internal/models"
)

// DefaultRatePerSecond stays under the Bot API broadcast limit
const DefaultRatePerSecond = 25

// maxRetryAfter caps how long a send waits after a flood-control reply
const maxRetryAfter = 10 * time.Second

// botAPI is the part of *tgbotapi.BotAPI used here
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// BlockedStore records users who blocked the bot
type BlockedStore interface {
	SetBlocked(ctx context.Context, chatID string, blocked bool) error
}

// SenderConfig configures the outbound sender
type SenderConfig struct {
	RatePerSecond float64
	MediaDir      string
	ButtonText    string
}

// Sender sends posts and coupon notifications to subscribers
type Sender struct {
	bot     botAPI
	limiter *rate.Limiter
	blocked BlockedStore
	cfg     SenderConfig
	logger  *slog.Logger
}

// NewSender creates a sender. blocked may be nil.
func NewSender(bot botAPI, blocked BlockedStore, cfg SenderConfig, logger *slog.Logger) *Sender {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.ButtonText == "" {
		cfg.ButtonText = "Детальніше"
	}

	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		blocked: blocked,
		cfg:     cfg,
		logger:  logger.With("component", "telegram"),
	}
}

// SendPost delivers a post. Posts with an image go out as a photo with the
// description as caption, others as a text message.
func (s *Sender) SendPost(ctx context.Context, chatID string, post *models.Post) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	var markup *tgbotapi.InlineKeyboardMarkup
	if post.LinkToButton != "" {
		kb := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(s.cfg.ButtonText, post.LinkToButton)),
		)
		markup = &kb
	}

	return s.send(ctx, chatID, s.message(id, post.Image, post.Description, "", markup))
}

// SendCoupon notifies the owner of a freshly issued coupon
func (s *Sender) SendCoupon(ctx context.Context, chatID string, rule *models.SalesRule, coupon *models.CouponCode) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	return s.send(ctx, chatID, s.message(id, rule.Image, couponText(rule, coupon), tgbotapi.ModeHTML, nil))
}

func couponText(rule *models.SalesRule, coupon *models.CouponCode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎁 <b>%s</b>\n\n", html.EscapeString(rule.Name))
	if rule.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", html.EscapeString(rule.Description))
	}
	fmt.Fprintf(&b, "Ваш промокод: <code>%s</code>", coupon.Code)
	if coupon.MaxUses > 1 {
		fmt.Fprintf(&b, "\nМожна використати %d рази.", coupon.MaxUses)
	}
	return b.String()
}

// message builds a photo when the image can be resolved and a text message
// otherwise
func (s *Sender) message(chatID int64, image, text, parseMode string, markup *tgbotapi.InlineKeyboardMarkup) tgbotapi.Chattable {
	if file, ok := s.resolveImage(image); ok {
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = text
		photo.ParseMode = parseMode
		if markup != nil {
			photo.ReplyMarkup = *markup
		}
		return photo
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	return msg
}

func (s *Sender) resolveImage(image string) (tgbotapi.RequestFileData, bool) {
	if image == "" {
		return nil, false
	}
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return tgbotapi.FileURL(image), true
	}
	if s.cfg.MediaDir == "" {
		return nil, false
	}

	path := filepath.Join(s.cfg.MediaDir, filepath.Clean("/"+image))
	if _, err := os.Stat(path); err != nil {
		s.logger.Debug("image not found, sending text", "path", path)
		return nil, false
	}
	return tgbotapi.FilePath(path), true
}

// send waits for the rate limiter and sends c. A flood-control reply is
// retried once after the requested delay.
func (s *Sender) send(ctx context.Context, chatID string, c tgbotapi.Chattable) error {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := s.bot.Send(c)
		if err == nil {
			return nil
		}

		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) {
			return err
		}

		switch {
		case apiErr.Code == http.StatusForbidden:
			s.markBlocked(ctx, chatID)
			return err
		case apiErr.Code == http.StatusTooManyRequests && attempt == 0:
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			if wait <= 0 || wait > maxRetryAfter {
				return err
			}
			s.logger.Warn("flood control, retrying", "chat_id", chatID, "retry_after", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return err
		}
	}
}

func (s *Sender) markBlocked(ctx context.Context, chatID string) {
	if s.blocked == nil {
		return
	}
	if err := s.blocked.SetBlocked(context.WithoutCancel(ctx), chatID, true); err != nil {
		s.logger.Warn("failed to mark user blocked", "chat_id", chatID, "error", err)
		return
	}
	s.logger.Info("user blocked the bot", "chat_id", chatID)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}
