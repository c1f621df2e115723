package delivery

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"coinwatch/internal/alerting"
)

// ChartSource renders a price chart for an asset. ok is false when no chart is available.
type ChartSource interface {
	Chart(assetID, title string) (png []byte, ok bool, err error)
}

// TelegramOptions parameterise the Telegram sink.
type TelegramOptions struct {
	Token       string
	APIEndpoint string
	Timeout     time.Duration
	Charts      ChartSource
}

// TelegramSink 通过 Telegram Bot API 推送告警，用户 ID 即 chat ID。
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	charts ChartSource
	logger zerolog.Logger
}

// NewTelegramSink authenticates against the Bot API.
func NewTelegramSink(opts TelegramOptions, logger zerolog.Logger) (*TelegramSink, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := opts.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramSink{
		bot:    bot,
		charts: opts.Charts,
		logger: logger.With().Str("component", "delivery_telegram").Logger(),
	}, nil
}

// Deliver sends the alert, attaching a price chart when one is available.
func (t *TelegramSink) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := RenderMessage(ev)

	if t.charts != nil {
		png, ok, err := t.charts.Chart(ev.AssetID, displaySymbol(ev))
		switch {
		case err != nil:
			t.logger.Warn().Err(err).Str("asset", ev.AssetID).Msg("chart render failed; sending text only")
		case ok:
			photo := tgbotapi.NewPhoto(ev.UserID, tgbotapi.FileBytes{Name: ev.AssetID + ".png", Bytes: png})
			photo.Caption = text
			photo.ParseMode = tgbotapi.ModeHTML
			if _, err := t.bot.Send(photo); err == nil {
				return nil
			} else {
				t.logger.Warn().Err(err).Str("asset", ev.AssetID).Msg("photo send failed; retrying as text")
			}
		}
	}

	msg := tgbotapi.NewMessage(ev.UserID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", ev.UserID, err)
	}
	return nil
}

// RenderMessage formats ev as Telegram HTML.
func RenderMessage(ev Event) string {
	builder := strings.Builder{}

	builder.WriteString(fmt.Sprintf("%s <b>%s: %s</b>\n", triggerIcon(ev.Trigger), ev.Trigger.Label(), html.EscapeString(displayName(ev))))
	builder.WriteString(fmt.Sprintf("Price: <b>%s</b>\n", FormatPrice(ev.Price)))
	builder.WriteString(fmt.Sprintf("Target: %s (%s)\n", FormatPrice(ev.Target), describeCondition(ev)))
	if ev.ValueType != alerting.ValuePrice && ev.ReferencePrice.IsPositive() {
		builder.WriteString(fmt.Sprintf("Reference: %s\n", FormatPrice(ev.ReferencePrice)))
	}
	builder.WriteString(fmt.Sprintf("Source: %s\n", ev.Source))

	loc := ev.Location()
	builder.WriteString(fmt.Sprintf("Time: %s", ev.TriggeredAt.In(loc).Format("2006-01-02 15:04 MST")))
	return builder.String()
}

// FormatPrice renders a USD price with precision scaled to its magnitude.
func FormatPrice(d decimal.Decimal) string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("$%.*f", priceDecimals(d), d.InexactFloat64())
}

func priceDecimals(d decimal.Decimal) int {
	abs := d.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return 2
	case abs.GreaterThanOrEqual(decimal.RequireFromString("0.01")):
		return 4
	case abs.GreaterThanOrEqual(decimal.RequireFromString("0.0001")):
		return 6
	default:
		return 8
	}
}

func describeCondition(ev Event) string {
	side := ev.Side
	if side == "" {
		side = ev.Direction
	}
	switch ev.ValueType {
	case alerting.ValuePercent:
		return fmt.Sprintf("%s %s%%", side, ev.Value.String())
	case alerting.ValueAbsolute:
		return fmt.Sprintf("%s %s", side, FormatPrice(ev.Value))
	default:
		if side == alerting.DirectionFall {
			return "crossed below"
		}
		return "crossed above"
	}
}

func triggerIcon(t alerting.Trigger) string {
	switch t {
	case alerting.TriggerStopLoss:
		return "🔴"
	case alerting.TriggerTakeProfit:
		return "🟢"
	default:
		return "🔔"
	}
}

func displaySymbol(ev Event) string {
	if ev.Symbol != "" {
		return ev.Symbol
	}
	return ev.AssetID
}

func displayName(ev Event) string {
	switch {
	case ev.Name != "" && ev.Symbol != "":
		return fmt.Sprintf("%s (%s)", ev.Name, ev.Symbol)
	case ev.Name != "":
		return ev.Name
	default:
		return displaySymbol(ev)
	}
}

var _ Sink = (*TelegramSink)(nil)
