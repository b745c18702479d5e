package message

// Incoming is one normalized message extracted from a platform webhook.
type Incoming struct {
	Text    string         `json:"text"`
	User    string         `json:"user"`
	Channel string         `json:"channel"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewIncoming builds a message. A nil payload stays nil.
func NewIncoming(text string, user string, channel string, payload map[string]any) Incoming {
	return Incoming{
		Text:    text,
		User:    user,
		Channel: channel,
		Payload: payload,
	}
}

// Answer is the conversation view of an Incoming message.
//
// Value is only meaningful when Interactive is true, that is when the user
// tapped a structured button instead of typing.
type Answer struct {
	Text        string `json:"text"`
	Value       string `json:"value,omitempty"`
	Interactive bool   `json:"interactive"`
}

// NewAnswer creates a typed answer without a structured value.
func NewAnswer(text string) Answer {
	return Answer{Text: text}
}

// WithValue marks the answer as an interactive reply carrying value.
func (a Answer) WithValue(value string) Answer {
	a.Value = value
	a.Interactive = true
	return a
}
