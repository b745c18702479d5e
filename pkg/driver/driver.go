package driver

import (
	"context"
	"net/http"
	"net/url"

	"botdriver/pkg/message"
)

// Driver translates one platform's webhook payload into normalized messages
// and sends replies back in that platform's wire format.
//
// A Driver is bound to the payload it was constructed with.
type Driver interface {
	Name() string
	MatchesRequest() bool
	Messages() []message.Incoming
	IsBot() bool
	ConversationAnswer(msg message.Incoming) message.Answer
	Reply(ctx context.Context, content any, target message.Incoming, extra map[string]any) error
}

// Verifier is implemented by drivers whose platform authenticates webhook
// deliveries, for example with an HMAC header.
type Verifier interface {
	VerifyRequest(header http.Header, body []byte) bool
}

// Challenger is implemented by drivers whose platform confirms a webhook
// subscription with a GET handshake.
type Challenger interface {
	Challenge(query url.Values) (string, bool)
}

// EchoDetector reports whether one extracted message was sent by the bot itself.
type EchoDetector interface {
	IsEcho(msg message.Incoming) bool
}
