package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/common/config"
	"github.com/stagehand/stagehand/internal/common/logger"
)

type capture struct {
	mu     sync.Mutex
	events []*Event
	notify chan struct{}
}

func newCapture() *capture {
	return &capture{notify: make(chan struct{}, 16)}
}

func (c *capture) handler(ev *Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *capture) waitOne(t *testing.T) *Event {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func newTestRouter(t *testing.T, cfg config.TrackerConfig, cap *capture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	r := gin.New()
	NewWebhook(cfg, log, cap.handler).Register(r)
	return r
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookDirectModeValidSignature(t *testing.T) {
	cap := newCapture()
	r := newTestRouter(t, config.TrackerConfig{WebhookMode: "direct", WebhookSecret: "s3cret"}, cap)

	body := []byte(`{"type":"AppUserNotification","action":"issueAssignedToYou","notification":{"issue":{"id":"iss-1","identifier":"ENG-42","team":{"key":"ENG"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign("s3cret", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	ev := cap.waitOne(t)
	assert.Equal(t, "AppUserNotification", ev.Type)
	assert.Equal(t, "issueAssignedToYou", ev.Action)
	assert.Equal(t, "iss-1", ev.IssueID)
	assert.Equal(t, "ENG-42", ev.IssueIdentifier)
	assert.Equal(t, "ENG", ev.TeamKey)
}

func TestWebhookDirectModeRejections(t *testing.T) {
	cap := newCapture()
	r := newTestRouter(t, config.TrackerConfig{WebhookMode: "direct", WebhookSecret: "s3cret"}, cap)

	body := []byte(`{"type":"AppUserNotification"}`)

	// Missing signature.
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong secret.
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign("other", body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Signature over different body.
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign("s3cret", []byte(`{"tampered":true}`)))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookProxyMode(t *testing.T) {
	cap := newCapture()
	r := newTestRouter(t, config.TrackerConfig{WebhookMode: "proxy", ProxyToken: "tok-1"}, cap)

	body := []byte(`{"type":"AgentSessionEvent","action":"created","agentSession":{"id":"as-1","issue":{"id":"iss-2","identifier":"OPS-7"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	ev := cap.waitOne(t)
	assert.Equal(t, "as-1", ev.AgentSessionID)
	assert.Equal(t, "iss-2", ev.IssueID)
	assert.Equal(t, "OPS", ev.TeamKey) // identifier prefix fallback

	// Wrong token.
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing header.
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookMalformedBody(t *testing.T) {
	cap := newCapture()
	r := newTestRouter(t, config.TrackerConfig{WebhookMode: "direct", WebhookSecret: "s"}, cap)

	body := []byte(`{not json`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign("s", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	cap := newCapture()
	r := newTestRouter(t, config.TrackerConfig{WebhookMode: "direct", WebhookSecret: "s"}, cap)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
