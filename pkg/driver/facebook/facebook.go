package facebook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"botdriver/pkg/config"
	"botdriver/pkg/driver"
	"botdriver/pkg/message"

	"github.com/tidwall/gjson"
)

const (
	// DriverName identifies Messenger in logs and the driver registry.
	DriverName = "Facebook"

	// Endpoint is the Send API URL replies are posted to.
	Endpoint = "https://graph.facebook.com/v2.6/me/messages"

	responseDrainLimit = 16 * 1024
)

// Driver maps one Messenger webhook payload to normalized messages.
type Driver struct {
	payload  []byte
	cfg      config.FacebookConfig
	client   driver.HTTPClient
	endpoint string
	log      *slog.Logger
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.Verifier     = (*Driver)(nil)
	_ driver.Challenger   = (*Driver)(nil)
	_ driver.EchoDetector = (*Driver)(nil)
)

// New binds a driver to payload. The payload is not validated here; use
// MatchesRequest to tell whether it is a Messenger webhook.
func New(payload []byte, cfg config.FacebookConfig, client driver.HTTPClient, log *slog.Logger) *Driver {
	if client == nil {
		client = driver.NewHTTPClient(nil)
	}
	if log == nil {
		log = slog.Default()
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = Endpoint
	}

	return &Driver{
		payload:  payload,
		cfg:      cfg,
		client:   client,
		endpoint: endpoint,
		log:      log.With("component", "driver.facebook"),
	}
}

// Constructor adapts New to the driver registry.
func Constructor(cfg config.FacebookConfig, client driver.HTTPClient, log *slog.Logger) driver.Constructor {
	return func(payload []byte) driver.Driver {
		return New(payload, cfg, client, log)
	}
}

// Validate reports configuration that would make replies fail.
func Validate(cfg config.FacebookConfig) error {
	if strings.TrimSpace(cfg.Token) == "" {
		return errors.New("drivers.facebook.facebook_token is required")
	}

	return nil
}

func (d *Driver) Name() string {
	return DriverName
}

// MatchesRequest reports whether the payload carries at least one messaging event.
func (d *Driver) MatchesRequest() bool {
	return len(d.events()) > 0
}

// Messages returns one message per messaging event.
//
// When the payload has no events, a single message with empty fields is
// returned instead of an empty slice.
func (d *Driver) Messages() []message.Incoming {
	events := d.events()
	if len(events) == 0 {
		return []message.Incoming{message.NewIncoming("", "", "", nil)}
	}

	messages := make([]message.Incoming, 0, len(events))
	for _, event := range events {
		payload, _ := event.Value().(map[string]any)
		messages = append(messages, message.NewIncoming(
			scalar(event.Get("message.text")),
			scalar(event.Get("sender.id")),
			scalar(event.Get("recipient.id")),
			payload,
		))
	}

	return messages
}

// IsBot reports whether any messaging event is an echo of a page-sent message.
func (d *Driver) IsBot() bool {
	for _, event := range d.events() {
		if event.Get("message.is_echo").Bool() {
			return true
		}
	}

	return false
}

// IsEcho reports whether msg is the page's own outbound message reflected back.
func (d *Driver) IsEcho(msg message.Incoming) bool {
	inner, ok := msg.Payload["message"].(map[string]any)
	if !ok {
		return false
	}
	echo, _ := inner["is_echo"].(bool)
	return echo
}

// ConversationAnswer resolves the text and, for quick replies, the button payload.
func (d *Driver) ConversationAnswer(msg message.Incoming) message.Answer {
	answer := message.NewAnswer(msg.Text)

	if value, ok := quickReplyPayload(msg.Payload); ok {
		return answer.WithValue(value)
	}

	return answer
}

// Reply posts content to the Send API for target's user.
//
// Extra keys are merged into the top level of the request body and win over
// the generated recipient, message and access_token keys. The HTTP status is
// logged but not treated as an error. A question without buttons is sent as a
// plain text message with no quick_replies key, since the Send API rejects an
// empty list.
func (d *Driver) Reply(ctx context.Context, content any, target message.Incoming, extra map[string]any) error {
	outgoing, err := buildMessage(content)
	if err != nil {
		return err
	}

	body := map[string]any{
		"recipient":    map[string]any{"id": target.User},
		"message":      outgoing,
		"access_token": d.cfg.Token,
	}
	maps.Copy(body, extra)

	resp, err := d.client.Post(ctx, d.endpoint, map[string]string{}, body)
	if err != nil {
		return fmt.Errorf("send facebook reply: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseDrainLimit))
	if resp.StatusCode >= http.StatusMultipleChoices {
		d.log.Warn("Send API returned non-success status", "recipient_id", target.User, "status", resp.StatusCode)
		return nil
	}

	d.log.Debug("Reply sent", "recipient_id", target.User, "status", resp.StatusCode)
	return nil
}

// events returns every object found in entry[*].messaging[*].
func (d *Driver) events() []gjson.Result {
	if len(d.payload) == 0 || !gjson.ValidBytes(d.payload) {
		return nil
	}

	entries := gjson.GetBytes(d.payload, "entry")
	if !entries.IsArray() {
		return nil
	}

	var events []gjson.Result
	for _, entry := range entries.Array() {
		messaging := entry.Get("messaging")
		if !messaging.IsArray() {
			continue
		}
		for _, event := range messaging.Array() {
			if event.IsObject() {
				events = append(events, event)
			}
		}
	}

	return events
}

// scalar returns string and number values as text and everything else as "".
func scalar(value gjson.Result) string {
	switch value.Type {
	case gjson.String, gjson.Number:
		return value.String()
	default:
		return ""
	}
}

func quickReplyPayload(payload map[string]any) (string, bool) {
	msg, ok := payload["message"].(map[string]any)
	if !ok {
		return "", false
	}
	quickReply, ok := msg["quick_reply"].(map[string]any)
	if !ok {
		return "", false
	}
	value, ok := quickReply["payload"].(string)
	return value, ok
}
