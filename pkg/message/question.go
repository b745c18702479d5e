package message

// Question is a prompt with an ordered list of buttons.
type Question struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is one selectable option of a Question.
type Button struct {
	Text     string `json:"text"`
	Value    string `json:"value"`
	ImageURL string `json:"image_url,omitempty"`
}

func NewQuestion(text string) *Question {
	return &Question{Text: text}
}

// AddButton appends a button, keeping insertion order.
func (q *Question) AddButton(button Button) *Question {
	q.Buttons = append(q.Buttons, button)
	return q
}

// AddButtons appends buttons in the given order.
func (q *Question) AddButtons(buttons ...Button) *Question {
	q.Buttons = append(q.Buttons, buttons...)
	return q
}

func NewButton(text string) Button {
	return Button{Text: text}
}

func (b Button) WithValue(value string) Button {
	b.Value = value
	return b
}

func (b Button) WithImage(url string) Button {
	b.ImageURL = url
	return b
}
