package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"botdriver/pkg/config"
	"botdriver/pkg/driver/facebook"
	"botdriver/pkg/logger"
	"botdriver/pkg/message"

	"github.com/spf13/cobra"
)

var (
	sendTo      string
	sendButtons []string
	sendExtra   map[string]string
)

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send one reply through the Messenger driver",
	Long:  "Posts a text reply, or a question with quick reply buttons, to one Messenger user.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := facebook.Validate(cfg.Drivers.Facebook); err != nil {
			return err
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		log := appLogger.With("component", "cmd.send")

		content, err := buildReply(strings.Join(args, " "), sendButtons)
		if err != nil {
			return err
		}

		return sendReply(cmd.Context(), cfg.Drivers.Facebook, sendTo, content, sendExtra, log)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient user id")
	sendCmd.Flags().StringArrayVarP(&sendButtons, "button", "b", nil, "quick reply as title=value[=image_url], repeatable")
	sendCmd.Flags().StringToStringVar(&sendExtra, "extra", nil, "extra top-level request fields as key=value")
	_ = sendCmd.MarkFlagRequired("to")
}

func sendReply(ctx context.Context, cfg config.FacebookConfig, to string, content any, extra map[string]string, log *slog.Logger) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	fields := make(map[string]any, len(extra))
	for key, value := range extra {
		fields[key] = value
	}

	d := facebook.New(nil, cfg, newHTTPClient(cfg.RequestTimeoutSeconds), log)
	if err := d.Reply(ctx, content, message.NewIncoming("", to, "", nil), fields); err != nil {
		return err
	}

	log.Info("Reply sent", "recipient_id", to)
	return nil
}

// buildReply returns plain text, or a question when buttons are given.
func buildReply(text string, buttons []string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("reply text is required")
	}
	if len(buttons) == 0 {
		return text, nil
	}

	question := message.NewQuestion(text)
	for _, raw := range buttons {
		button, err := parseButton(raw)
		if err != nil {
			return nil, err
		}
		question.AddButton(button)
	}

	return question, nil
}

// parseButton reads "title=value[=image_url]". The image URL may itself contain '='.
func parseButton(raw string) (message.Button, error) {
	parts := strings.SplitN(raw, "=", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
		return message.Button{}, fmt.Errorf("invalid button %q, want title=value[=image_url]", raw)
	}

	button := message.NewButton(strings.TrimSpace(parts[0])).WithValue(strings.TrimSpace(parts[1]))
	if len(parts) == 3 {
		button = button.WithImage(strings.TrimSpace(parts[2]))
	}

	return button, nil
}
