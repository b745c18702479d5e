package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"botdriver/pkg/driver"
	"botdriver/pkg/message"

	"github.com/google/uuid"
)

const messagePreviewLimit = 240

// handleVerify answers a subscription handshake for the first driver that
// accepts it.
func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	for _, candidate := range s.registry.All(nil) {
		challenger, ok := candidate.(driver.Challenger)
		if !ok {
			continue
		}
		challenge, ok := challenger.Challenge(query)
		if !ok {
			continue
		}

		s.log.Info("Webhook verified", "driver", candidate.Name())
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
		return
	}

	s.log.Warn("Rejected webhook verification", "mode", query.Get("hub.mode"))
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhook normalizes one delivery and replies to every message in it.
//
// Platforms retry deliveries that do not get a 2xx, so once the request is
// authenticated the response is always 200 even when a reply fails.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := s.log.With("request_id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		log.Warn("Failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	matched, ok := s.registry.Load(body)
	if !ok {
		log.Debug("No driver matched webhook", "bytes", len(body))
		w.WriteHeader(http.StatusOK)
		return
	}

	log = log.With("driver", matched.Name())
	if verifier, ok := matched.(driver.Verifier); ok && !verifier.VerifyRequest(r.Header, body) {
		log.Warn("Rejected webhook with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	replyErr := s.dispatch(r, matched, log)
	s.recordWebhook(replyErr)
	w.WriteHeader(http.StatusOK)
}

func (s *Service) dispatch(r *http.Request, matched driver.Driver, log *slog.Logger) error {
	ctx := r.Context()

	var errs []error
	for _, msg := range matched.Messages() {
		if isEcho(matched, msg) {
			log.Debug("Ignoring echo", "user_id", msg.User)
			continue
		}

		answer := matched.ConversationAnswer(msg)
		if answer.Text == "" && !answer.Interactive {
			// Delivery and read receipts carry no text; answering them
			// would trigger another receipt.
			log.Debug("Ignoring event without text", "user_id", msg.User)
			continue
		}
		log.Info("Received message", "user_id", msg.User, "channel_id", msg.Channel, "content", previewText(answer.Text), "interactive", answer.Interactive)

		reply, err := s.handler(ctx, msg, answer)
		if err != nil {
			log.Error("Failed to handle message", "user_id", msg.User, "error", err)
			errs = append(errs, err)
			continue
		}
		if reply == nil {
			continue
		}

		if err := matched.Reply(ctx, reply, msg, nil); err != nil {
			log.Error("Failed to send reply", "user_id", msg.User, "error", err)
			errs = append(errs, err)
			continue
		}
		log.Info("Sent reply", "user_id", msg.User)
	}

	return errors.Join(errs...)
}

func isEcho(matched driver.Driver, msg message.Incoming) bool {
	detector, ok := matched.(driver.EchoDetector)
	return ok && detector.IsEcho(msg)
}

// previewText returns a bounded log-safe preview of message text, cut on a
// rune boundary.
func previewText(text string) string {
	if len(text) <= messagePreviewLimit {
		return text
	}

	cut := messagePreviewLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}

	return text[:cut] + "..."
}
