package facebook

import (
	"errors"
	"fmt"

	"botdriver/pkg/message"
)

const quickReplyContentType = "text"

// buildMessage renders reply content into the Send API "message" object.
func buildMessage(content any) (map[string]any, error) {
	switch typed := content.(type) {
	case string:
		return map[string]any{"text": typed}, nil
	case message.Question:
		return questionMessage(&typed), nil
	case *message.Question:
		if typed == nil {
			return nil, errors.New("reply question is nil")
		}
		return questionMessage(typed), nil
	default:
		return nil, fmt.Errorf("unsupported reply content %T", content)
	}
}

// questionMessage maps buttons to quick replies. A question without buttons
// is sent as plain text.
func questionMessage(question *message.Question) map[string]any {
	outgoing := map[string]any{"text": question.Text}
	if len(question.Buttons) == 0 {
		return outgoing
	}

	quickReplies := make([]map[string]any, 0, len(question.Buttons))
	for _, button := range question.Buttons {
		var image any
		if button.ImageURL != "" {
			image = button.ImageURL
		}

		quickReplies = append(quickReplies, map[string]any{
			"content_type": quickReplyContentType,
			"title":        button.Text,
			"payload":      button.Value,
			"image_url":    image,
		})
	}
	outgoing["quick_replies"] = quickReplies

	return outgoing
}
