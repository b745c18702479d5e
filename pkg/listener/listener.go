package listener

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"botdriver/pkg/config"
	"botdriver/pkg/message"
)

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

type rule struct {
	pattern *regexp.Regexp
	reply   string
	buttons []message.Button
}

// Router answers incoming messages from a list of configured rules.
// Rules are tried in order; the first match wins.
type Router struct {
	rules    []rule
	fallback string
}

// New compiles the configured rules.
func New(cfg config.ListenersConfig) (*Router, error) {
	rules := make([]rule, 0, len(cfg.Rules))
	for i, configured := range cfg.Rules {
		pattern, err := compilePattern(configured.Pattern)
		if err != nil {
			return nil, fmt.Errorf("listeners.rules[%d]: %w", i, err)
		}

		buttons := make([]message.Button, 0, len(configured.Buttons))
		for _, button := range configured.Buttons {
			buttons = append(buttons, message.NewButton(button.Title).WithValue(button.Value).WithImage(button.ImageURL))
		}

		rules = append(rules, rule{
			pattern: pattern,
			reply:   configured.Reply,
			buttons: buttons,
		})
	}

	return &Router{rules: rules, fallback: cfg.Fallback}, nil
}

// Handle returns the reply for ans, or nil when nothing should be sent.
// An answer with neither text nor a value is never answered.
//
// Quick reply values are matched before the visible text so that buttons
// sharing a title can still be told apart.
func (r *Router) Handle(_ context.Context, _ message.Incoming, ans message.Answer) (any, error) {
	candidates := []string{ans.Text}
	if ans.Interactive {
		candidates = []string{ans.Value, ans.Text}
	}

	empty := true
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		empty = false
		for i := range r.rules {
			params, ok := r.rules[i].match(candidate)
			if !ok {
				continue
			}
			return r.rules[i].render(params), nil
		}
	}

	// Events without any text never get the fallback.
	if empty || r.fallback == "" {
		return nil, nil
	}
	return r.fallback, nil
}

func (r *rule) match(text string) (map[string]string, bool) {
	matches := r.pattern.FindStringSubmatch(text)
	if matches == nil {
		return nil, false
	}

	params := make(map[string]string)
	for i, name := range r.pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		params[name] = strings.TrimSpace(matches[i])
	}

	return params, true
}

// render fills {name} placeholders in the reply with captured values.
func (r *rule) render(params map[string]string) any {
	text := placeholderPattern.ReplaceAllStringFunc(r.reply, func(token string) string {
		name := token[1 : len(token)-1]
		if value, ok := params[name]; ok {
			return value
		}
		return token
	})

	if len(r.buttons) == 0 {
		if text == "" {
			return nil
		}
		return text
	}

	return message.NewQuestion(text).AddButtons(r.buttons...)
}

// compilePattern turns "call me {name}" into a case-insensitive anchored regexp
// with one named group per placeholder.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.New("pattern is required")
	}

	var expr strings.Builder
	expr.WriteString(`(?is)^`)

	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(pattern, -1) {
		expr.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		expr.WriteString(`(?P<` + pattern[loc[2]:loc[3]] + `>.+?)`)
		last = loc[1]
	}
	expr.WriteString(regexp.QuoteMeta(pattern[last:]))
	expr.WriteString(`$`)

	compiled, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	return compiled, nil
}
