package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"botdriver/pkg/config"
	"botdriver/pkg/driver"
	"botdriver/pkg/driver/facebook"
	"botdriver/pkg/driver/telegram"
	"botdriver/pkg/listener"
	"botdriver/pkg/logger"
	"botdriver/pkg/message"

	"github.com/stretchr/testify/require"
)

const helloPayload = `{"object":"page","entry":[{"id":"111899832631525","time":1480279487271,"messaging":[{"sender":{"id":"1433960459967306"},"recipient":{"id":"111899832631525"},"timestamp":1480279487147,"message":{"mid":"mid.1480279487147:4388d3b344","seq":36,"text":"Hi Julia"}}]}]}`

type recordingClient struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *recordingClient) Post(_ context.Context, _ string, _ map[string]string, body map[string]any) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies = append(c.bodies, body)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{}`))}, nil
}

func (c *recordingClient) snapshot() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	bodies := make([]map[string]any, len(c.bodies))
	copy(bodies, c.bodies)
	return bodies
}

type recordingHandler struct {
	mu      sync.Mutex
	answers []message.Answer
	reply   any
	err     error
}

func (h *recordingHandler) handle(_ context.Context, _ message.Incoming, answer message.Answer) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers = append(h.answers, answer)
	return h.reply, h.err
}

func newTestService(t *testing.T, fbCfg config.FacebookConfig, handler *recordingHandler) (*Service, *recordingClient) {
	t.Helper()

	client := &recordingClient{}
	registry := driver.NewRegistry()
	require.NoError(t, registry.Register(facebook.DriverName, facebook.Constructor(fbCfg, client, logger.Discard())))

	cfg := &config.Config{Drivers: config.DriversConfig{Facebook: fbCfg}}
	svc, err := NewService(cfg, registry, handler.handle, logger.Discard())
	require.NoError(t, err)

	return svc, client
}

func postWebhook(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRepliesToSender(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo"}, handler)

	rec := postWebhook(t, svc.Router(), helloPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []message.Answer{{Text: "Hi Julia"}}, handler.answers)

	bodies := client.snapshot()
	require.Len(t, bodies, 1)
	require.Equal(t, map[string]any{
		"recipient":    map[string]any{"id": "1433960459967306"},
		"message":      map[string]any{"text": "Hello!"},
		"access_token": "Foo",
	}, bodies[0])
}

func TestWebhookSkipsNilReplies(t *testing.T) {
	handler := &recordingHandler{}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo"}, handler)

	rec := postWebhook(t, svc.Router(), helloPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, handler.answers, 1)
	require.Empty(t, client.snapshot())
}

func TestWebhookIgnoresEchoes(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo"}, handler)

	echo := `{"object":"page","entry":[{"messaging":[{"sender":{"id":"page"},"recipient":{"id":"user"},"message":{"is_echo":true,"text":"Hello!"}}]}]}`
	rec := postWebhook(t, svc.Router(), echo, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, handler.answers)
	require.Empty(t, client.snapshot())
}

func TestWebhookRepliesToUserMessagesBatchedWithEchoes(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo"}, handler)

	batch := `{"object":"page","entry":[{"messaging":[` +
		`{"sender":{"id":"page"},"recipient":{"id":"USER"},"message":{"is_echo":true,"text":"Hello!"}},` +
		`{"sender":{"id":"USER"},"recipient":{"id":"page"},"message":{"text":"hi"}}]}]}`
	rec := postWebhook(t, svc.Router(), batch, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []message.Answer{{Text: "hi"}}, handler.answers)
	bodies := client.snapshot()
	require.Len(t, bodies, 1)
	require.Equal(t, map[string]any{"id": "USER"}, bodies[0]["recipient"])
}

func TestWebhookDoesNotAnswerReceipts(t *testing.T) {
	router, err := listener.New(config.ListenersConfig{Fallback: "Sorry, I did not get that."})
	require.NoError(t, err)

	client := &recordingClient{}
	registry := driver.NewRegistry()
	require.NoError(t, registry.Register(facebook.DriverName, facebook.Constructor(config.FacebookConfig{Token: "Foo"}, client, logger.Discard())))
	svc, err := NewService(&config.Config{}, registry, router.Handle, logger.Discard())
	require.NoError(t, err)

	receipts := []string{
		`{"object":"page","entry":[{"messaging":[{"sender":{"id":"USER"},"recipient":{"id":"PAGE"},"delivery":{"mids":["mid.1458668856218:ed81099e15d3f4f233"],"watermark":1458668856253}}]}]}`,
		`{"object":"page","entry":[{"messaging":[{"sender":{"id":"USER"},"recipient":{"id":"PAGE"},"read":{"watermark":1458668856253}}]}]}`,
	}
	for _, body := range receipts {
		rec := postWebhook(t, svc.Router(), body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Empty(t, client.snapshot())

	rec := postWebhook(t, svc.Router(), helloPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bodies := client.snapshot()
	require.Len(t, bodies, 1)
	require.Equal(t, map[string]any{"text": "Sorry, I did not get that."}, bodies[0]["message"])
}

func TestWebhookAcknowledgesUnmatchedPayloads(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo"}, handler)

	for _, body := range []string{"", "{}", "not json", `{"object":"page","entry":[]}`} {
		rec := postWebhook(t, svc.Router(), body, nil)
		require.Equal(t, http.StatusOK, rec.Code, "body %q", body)
	}
	require.Empty(t, handler.answers)
	require.Empty(t, client.snapshot())
}

func TestWebhookHandlerErrorStillAcknowledges(t *testing.T) {
	handler := &recordingHandler{err: errors.New("boom")}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo"}, handler)

	rec := postWebhook(t, svc.Router(), helloPayload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, client.snapshot())

	status := svc.currentStatus("ok")
	require.Equal(t, int64(1), status.WebhooksHandled)
	require.Equal(t, "boom", status.LastReplyErr)
	require.NotEmpty(t, status.LastWebhookAt)
}

func TestWebhookSignature(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	svc, client := newTestService(t, config.FacebookConfig{Token: "Foo", AppSecret: "app-secret"}, handler)

	rec := postWebhook(t, svc.Router(), helloPayload, map[string]string{facebook.SignatureHeader: "sha256=deadbeef"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, svc.Router(), helloPayload, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, client.snapshot())

	rec = postWebhook(t, svc.Router(), helloPayload, map[string]string{
		facebook.SignatureHeader: facebook.Sign("app-secret", []byte(helloPayload)),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, client.snapshot(), 1)
}

func TestWebhookVerification(t *testing.T) {
	svc, _ := newTestService(t, config.FacebookConfig{Token: "Foo", VerifyToken: "verify-me"}, &recordingHandler{})
	router := svc.Router()

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1158201444", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1158201444", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookVerifiesMatchedDriver(t *testing.T) {
	var mu sync.Mutex
	var sent []map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		sent = append(sent, body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":2,"date":1,"chat":{"id":2222222,"type":"private"}}}`)
	}))
	t.Cleanup(api.Close)

	tgCfg := config.TelegramConfig{Token: "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawq", SecretToken: "tg-secret", APIServer: api.URL}
	bot, err := telegram.NewBot(tgCfg, api.Client())
	require.NoError(t, err)

	handler := &recordingHandler{reply: "Hello!"}
	fbClient := &recordingClient{}
	registry := driver.NewRegistry()
	require.NoError(t, registry.Register(facebook.DriverName, facebook.Constructor(config.FacebookConfig{Token: "Foo", AppSecret: "app-secret"}, fbClient, logger.Discard())))
	require.NoError(t, registry.Register(telegram.DriverName, telegram.Constructor(tgCfg, bot, logger.Discard())))
	svc, err := NewService(&config.Config{}, registry, handler.handle, logger.Discard())
	require.NoError(t, err)

	update := `{"update_id":10000,"message":{"message_id":1365,"date":1441645532,"from":{"id":1111111,"is_bot":false,"first_name":"Julia"},"chat":{"id":2222222,"type":"private"},"text":"Hi Julia"}}`

	rec := postWebhook(t, svc.Router(), update, map[string]string{facebook.SignatureHeader: facebook.Sign("app-secret", []byte(update))})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "the Telegram secret is checked, not the Messenger signature")

	rec = postWebhook(t, svc.Router(), update, map[string]string{telegram.SecretHeader: "tg-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []message.Answer{{Text: "Hi Julia"}}, handler.answers)
	require.Empty(t, fbClient.snapshot())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	require.Equal(t, "Hello!", sent[0]["text"])
	require.Equal(t, float64(2222222), sent[0]["chat_id"])
}

func TestWebhookVerificationWithoutChallengers(t *testing.T) {
	registry := driver.NewRegistry()
	require.NoError(t, registry.Register(telegram.DriverName, telegram.Constructor(config.TelegramConfig{}, nil, logger.Discard())))
	svc, err := NewService(&config.Config{}, registry, (&recordingHandler{}).handle, logger.Discard())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=x&hub.challenge=1", nil)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCustomWebhookPath(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	client := &recordingClient{}
	registry := driver.NewRegistry()
	require.NoError(t, registry.Register(facebook.DriverName, facebook.Constructor(config.FacebookConfig{Token: "Foo"}, client, logger.Discard())))

	svc, err := NewService(&config.Config{Gateway: config.GatewayConfig{Path: "hooks/messenger"}}, registry, handler.handle, logger.Discard())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hooks/messenger", strings.NewReader(helloPayload))
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, client.snapshot(), 1)
}

func TestHealthAndReadiness(t *testing.T) {
	svc, _ := newTestService(t, config.FacebookConfig{Token: "Foo"}, &recordingHandler{})
	router := svc.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "ok", status.Status)
	require.Equal(t, []string{"Facebook"}, status.Drivers)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before Run")
}

func TestNewServiceValidates(t *testing.T) {
	handler := &recordingHandler{}
	registry := driver.NewRegistry()

	_, err := NewService(nil, registry, handler.handle, nil)
	require.Error(t, err)

	_, err = NewService(&config.Config{}, registry, handler.handle, nil)
	require.ErrorContains(t, err, "at least one driver")

	require.NoError(t, registry.Register(facebook.DriverName, facebook.Constructor(config.FacebookConfig{}, nil, nil)))
	_, err = NewService(&config.Config{}, registry, nil, nil)
	require.ErrorContains(t, err, "handler is required")
}

func TestRunServesUntilCancelled(t *testing.T) {
	handler := &recordingHandler{reply: "Hello!"}
	client := &recordingClient{}
	registry := driver.NewRegistry()
	require.NoError(t, registry.Register(facebook.DriverName, facebook.Constructor(config.FacebookConfig{Token: "Foo"}, client, logger.Discard())))

	port := freeTCPPort(t)
	cfg := &config.Config{Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: port}}
	svc, err := NewService(cfg, registry, handler.handle, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(baseURL+"/webhook", "application/json", strings.NewReader(helloPayload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, client.snapshot(), 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPreviewText(t *testing.T) {
	require.Equal(t, "hello", previewText("hello"))

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	require.Len(t, got, messagePreviewLimit+3)
	require.True(t, strings.HasSuffix(got, "..."))

	multibyte := "a" + strings.Repeat("é", messagePreviewLimit)
	got = previewText(multibyte)
	require.True(t, utf8.ValidString(got))
	require.True(t, strings.HasSuffix(got, "..."))
	require.LessOrEqual(t, len(got), messagePreviewLimit+3)
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
