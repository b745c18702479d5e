package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"botdriver/pkg/config"
	"botdriver/pkg/driver"
	"botdriver/pkg/message"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/tidwall/gjson"
)

const (
	// DriverName identifies Telegram in logs and the driver registry.
	DriverName = "Telegram"

	// SecretHeader carries the secret_token given to setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Driver maps one Bot API webhook update to normalized messages.
type Driver struct {
	payload []byte
	update  *telego.Update
	cfg     config.TelegramConfig
	bot     *telego.Bot
	log     *slog.Logger
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.Verifier     = (*Driver)(nil)
	_ driver.EchoDetector = (*Driver)(nil)
)

// NewBot builds the Bot API client shared by every driver instance. A nil
// client keeps telego's default transport.
func NewBot(cfg config.TelegramConfig, client *http.Client) (*telego.Bot, error) {
	opts := []telego.BotOption{telego.WithDefaultLogger(false, false)}
	if server := strings.TrimSpace(cfg.APIServer); server != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(server, "/")))
	}
	if client == nil && cfg.RequestTimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second}
	}
	if client != nil {
		opts = append(opts, telego.WithHTTPClient(client))
	}

	bot, err := telego.NewBot(strings.TrimSpace(cfg.Token), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return bot, nil
}

// New binds a driver to payload. bot may be nil when only extraction is
// needed; Reply then fails.
func New(payload []byte, cfg config.TelegramConfig, bot *telego.Bot, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}

	return &Driver{
		payload: payload,
		update:  decodeUpdate(payload),
		cfg:     cfg,
		bot:     bot,
		log:     log.With("component", "driver.telegram"),
	}
}

// Constructor adapts New to the driver registry.
func Constructor(cfg config.TelegramConfig, bot *telego.Bot, log *slog.Logger) driver.Constructor {
	return func(payload []byte) driver.Driver {
		return New(payload, cfg, bot, log)
	}
}

// Validate reports configuration that would make replies fail.
func Validate(cfg config.TelegramConfig) error {
	if strings.TrimSpace(cfg.Token) == "" {
		return errors.New("drivers.telegram.token is required")
	}

	return nil
}

func (d *Driver) Name() string {
	return DriverName
}

// MatchesRequest reports whether the payload is an update carrying a message
// or a callback query.
func (d *Driver) MatchesRequest() bool {
	return d.update != nil && (d.update.Message != nil || d.update.CallbackQuery != nil)
}

// Messages returns the single message an update carries. A callback query
// becomes a message whose text is the pressed button's callback data.
//
// When the payload has no message, a single message with empty fields is
// returned instead of an empty slice.
func (d *Driver) Messages() []message.Incoming {
	if !d.MatchesRequest() {
		return []message.Incoming{message.NewIncoming("", "", "", nil)}
	}

	var raw map[string]any
	_ = json.Unmarshal(d.payload, &raw)

	if msg := d.update.Message; msg != nil {
		user := ""
		if msg.From != nil {
			user = formatID(msg.From.ID)
		}
		return []message.Incoming{message.NewIncoming(msg.Text, user, formatID(msg.Chat.ID), raw)}
	}

	query := d.update.CallbackQuery
	chat := gjson.GetBytes(d.payload, "callback_query.message.chat.id").String()
	return []message.Incoming{message.NewIncoming(query.Data, formatID(query.From.ID), chat, raw)}
}

// IsBot reports whether the update was sent by a bot account.
func (d *Driver) IsBot() bool {
	return d.MatchesRequest() && d.IsEcho(d.Messages()[0])
}

// IsEcho reports whether msg's sender is a bot account.
func (d *Driver) IsEcho(msg message.Incoming) bool {
	for _, path := range []string{"message", "callback_query"} {
		inner, ok := msg.Payload[path].(map[string]any)
		if !ok {
			continue
		}
		from, _ := inner["from"].(map[string]any)
		isBot, _ := from["is_bot"].(bool)
		return isBot
	}

	return false
}

// ConversationAnswer marks callback queries as interactive with their data as
// the value.
func (d *Driver) ConversationAnswer(msg message.Incoming) message.Answer {
	answer := message.NewAnswer(msg.Text)

	query, ok := msg.Payload["callback_query"].(map[string]any)
	if !ok {
		return answer
	}
	if data, ok := query["data"].(string); ok {
		return answer.WithValue(data)
	}

	return answer
}

// Reply sends content to target's chat with sendMessage. A question becomes
// an inline keyboard with one button per row; button images are not
// supported by Telegram and are dropped.
//
// Extra keys set optional sendMessage parameters: parse_mode,
// disable_notification, protect_content and message_thread_id. Unlike the
// Messenger driver, an error from the Bot API is returned.
func (d *Driver) Reply(ctx context.Context, content any, target message.Incoming, extra map[string]any) error {
	if d.bot == nil {
		return errors.New("telegram bot is not configured")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(target.Channel), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", target.Channel, err)
	}

	params, err := buildParams(tu.ID(chatID), content)
	if err != nil {
		return err
	}
	if err := applyExtra(params, extra); err != nil {
		return err
	}

	sent, err := d.bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("send telegram reply: %w", err)
	}

	d.log.Debug("Reply sent", "chat_id", chatID, "message_id", sent.MessageID)
	return nil
}

// VerifyRequest compares the secret token header with the configured one.
// An empty secret disables the check.
func (d *Driver) VerifyRequest(header http.Header, _ []byte) bool {
	expected := strings.TrimSpace(d.cfg.SecretToken)
	if expected == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(header.Get(SecretHeader))) == 1
}

func buildParams(chatID telego.ChatID, content any) (*telego.SendMessageParams, error) {
	switch value := content.(type) {
	case string:
		return tu.Message(chatID, value), nil
	case message.Question:
		return questionParams(chatID, &value), nil
	case *message.Question:
		if value == nil {
			return nil, errors.New("unsupported reply content: nil question")
		}
		return questionParams(chatID, value), nil
	default:
		return nil, fmt.Errorf("unsupported reply content: %T", content)
	}
}

func questionParams(chatID telego.ChatID, question *message.Question) *telego.SendMessageParams {
	params := tu.Message(chatID, question.Text)
	if len(question.Buttons) == 0 {
		return params
	}

	rows := make([][]telego.InlineKeyboardButton, 0, len(question.Buttons))
	for _, button := range question.Buttons {
		data := button.Value
		if data == "" {
			data = button.Text
		}
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(button.Text).WithCallbackData(data)))
	}

	return params.WithReplyMarkup(tu.InlineKeyboard(rows...))
}

type sendOptions struct {
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
	ProtectContent      bool   `json:"protect_content"`
	MessageThreadID     int    `json:"message_thread_id"`
}

func applyExtra(params *telego.SendMessageParams, extra map[string]any) error {
	if len(extra) == 0 {
		return nil
	}

	encoded, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode extra parameters: %w", err)
	}

	var opts sendOptions
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&opts); err != nil {
		return fmt.Errorf("unsupported extra parameters: %w", err)
	}

	params.ParseMode = opts.ParseMode
	params.DisableNotification = opts.DisableNotification
	params.ProtectContent = opts.ProtectContent
	params.MessageThreadID = opts.MessageThreadID
	return nil
}

func decodeUpdate(payload []byte) *telego.Update {
	if len(payload) == 0 || !gjson.ValidBytes(payload) || !gjson.GetBytes(payload, "update_id").Exists() {
		return nil
	}

	var update telego.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil
	}

	return &update
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
