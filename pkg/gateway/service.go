package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"botdriver/pkg/config"
	"botdriver/pkg/driver"
	"botdriver/pkg/message"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultHost        = "0.0.0.0"
	defaultPort        = 18790
	defaultWebhookPath = "/webhook"
	maxWebhookBytes    = 1 << 20
)

// Handler resolves the reply for one incoming message. A nil reply means
// nothing is sent back.
type Handler func(ctx context.Context, msg message.Incoming, answer message.Answer) (any, error)

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *driver.Registry
	handler  Handler

	mu              sync.RWMutex
	startedAt       time.Time
	lastWebhookAt   time.Time
	lastReplyErr    string
	webhooksHandled int64
}

type statusResponse struct {
	Status          string   `json:"status"`
	UptimeSeconds   int64    `json:"uptime_seconds"`
	Drivers         []string `json:"drivers"`
	WebhooksHandled int64    `json:"webhooks_handled"`
	LastWebhookAt   string   `json:"last_webhook_at,omitempty"`
	LastReplyErr    string   `json:"last_reply_error,omitempty"`
}

func NewService(cfg *config.Config, registry *driver.Registry, handler Handler, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, errors.New("at least one driver is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:      cfg,
		log:      log.With("component", "gateway.service"),
		registry: registry,
		handler:  handler,
	}, nil
}

// Router builds the HTTP routes served by Run.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	path := s.webhookPath()
	r.Get(path, s.handleVerify)
	r.Post(path, s.handleWebhook)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	return r
}

// Run serves webhooks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.log.Info("Gateway webhook server started", "address", addr, "path", s.webhookPath(), "drivers", strings.Join(s.registry.Names(), ","))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start webhook server: %w", err)
	}

	return nil
}

func (s *Service) webhookPath() string {
	path := strings.TrimSpace(s.cfg.Gateway.Path)
	if path == "" {
		return defaultWebhookPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return path
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	lastWebhook := ""
	if !s.lastWebhookAt.IsZero() {
		lastWebhook = s.lastWebhookAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		Drivers:         s.registry.Names(),
		WebhooksHandled: s.webhooksHandled,
		LastWebhookAt:   lastWebhook,
		LastReplyErr:    s.lastReplyErr,
	}
}

// isReady requires the server to be listening; failed replies do not make the
// gateway unready because the platform keeps delivering webhooks regardless.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return !s.startedAt.IsZero() && s.registry.Len() > 0
}

func (s *Service) recordWebhook(replyErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.webhooksHandled++
	s.lastWebhookAt = time.Now().UTC()
	if replyErr != nil {
		s.lastReplyErr = replyErr.Error()
	}
}
