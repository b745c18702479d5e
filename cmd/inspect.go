package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"botdriver/pkg/config"
	"botdriver/pkg/driver"
	"botdriver/pkg/driver/facebook"
	"botdriver/pkg/driver/telegram"
	"botdriver/pkg/logger"
	"botdriver/pkg/message"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file|-]",
	Short: "Show how a webhook payload is normalized",
	Long:  "Reads a raw webhook payload from a file or stdin and prints the matched driver, extracted messages, and their answers as JSON.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := "-"
		if len(args) == 1 {
			source = args[0]
		}

		payload, err := readPayload(source, cmd.InOrStdin())
		if err != nil {
			return err
		}

		registry := driver.NewRegistry()
		if err := registry.Register(facebook.DriverName, facebook.Constructor(config.FacebookConfig{}, nil, logger.Discard())); err != nil {
			return err
		}
		if err := registry.Register(telegram.DriverName, telegram.Constructor(config.TelegramConfig{}, nil, logger.Discard())); err != nil {
			return err
		}

		report, err := inspectPayload(registry, payload)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type inspectReport struct {
	Driver   string             `json:"driver"`
	Matched  bool               `json:"matched"`
	IsBot    bool               `json:"is_bot"`
	Messages []inspectedMessage `json:"messages"`
}

type inspectedMessage struct {
	message.Incoming
	Answer message.Answer `json:"answer"`
}

// inspectPayload reports what the matching driver extracts. Without a match
// the first registered driver is used so its empty-message default is shown.
func inspectPayload(registry *driver.Registry, payload []byte) (inspectReport, error) {
	matched, ok := registry.Load(payload)
	if !ok {
		names := registry.Names()
		if len(names) == 0 {
			return inspectReport{}, errors.New("no drivers registered")
		}

		built, err := registry.Build(names[0], payload)
		if err != nil {
			return inspectReport{}, err
		}
		matched = built
	}

	report := inspectReport{
		Driver:  matched.Name(),
		Matched: ok,
		IsBot:   matched.IsBot(),
	}
	for _, msg := range matched.Messages() {
		report.Messages = append(report.Messages, inspectedMessage{
			Incoming: msg,
			Answer:   matched.ConversationAnswer(msg),
		})
	}

	return report, nil
}

func readPayload(source string, stdin io.Reader) ([]byte, error) {
	if strings.TrimSpace(source) == "-" {
		payload, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return payload, nil
	}

	payload, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read payload file: %w", err)
	}

	return payload, nil
}
