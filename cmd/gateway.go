package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"botdriver/pkg/config"
	"botdriver/pkg/driver"
	"botdriver/pkg/driver/facebook"
	"botdriver/pkg/driver/telegram"
	"botdriver/pkg/gateway"
	"botdriver/pkg/listener"
	"botdriver/pkg/logger"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the webhook gateway",
	Long:  "Receives platform webhooks, answers them from the configured listener rules, and exposes health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		registry, err := enabledDrivers(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		router, err := listener.New(cfg.Listeners)
		if err != nil {
			log.Error("Listener configuration invalid", "error", err)
			return
		}

		svc, err := gateway.NewService(cfg, registry, router.Handle, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Gateway started", "drivers", strings.Join(registry.Names(), ","), "rules", len(cfg.Listeners.Rules))
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// enabledDrivers registers every driver switched on in config.
func enabledDrivers(cfg *config.Config, log *slog.Logger) (*driver.Registry, error) {
	registry := driver.NewRegistry()

	if cfg.Drivers.Facebook.Enabled {
		if err := facebook.Validate(cfg.Drivers.Facebook); err != nil {
			return nil, fmt.Errorf("configure %s driver: %w", facebook.DriverName, err)
		}

		client := newHTTPClient(cfg.Drivers.Facebook.RequestTimeoutSeconds)
		if err := registry.Register(facebook.DriverName, facebook.Constructor(cfg.Drivers.Facebook, client, log)); err != nil {
			return nil, err
		}
	}

	if cfg.Drivers.Telegram.Enabled {
		if err := telegram.Validate(cfg.Drivers.Telegram); err != nil {
			return nil, fmt.Errorf("configure %s driver: %w", telegram.DriverName, err)
		}

		bot, err := telegram.NewBot(cfg.Drivers.Telegram, nil)
		if err != nil {
			return nil, fmt.Errorf("configure %s driver: %w", telegram.DriverName, err)
		}
		if err := registry.Register(telegram.DriverName, telegram.Constructor(cfg.Drivers.Telegram, bot, log)); err != nil {
			return nil, err
		}
	}

	if registry.Len() == 0 {
		return nil, errors.New("no drivers are enabled")
	}

	return registry, nil
}

func newHTTPClient(timeoutSeconds int) driver.HTTPClient {
	if timeoutSeconds <= 0 {
		return driver.NewHTTPClient(nil)
	}

	return driver.NewHTTPClient(&http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second})
}
