// Package transport receives and verifies tracker webhooks. Direct mode
// checks an HMAC-SHA256 signature over the raw body; proxy mode checks a
// bearer token. Valid events are handed off asynchronously so the HTTP
// handler never waits on orchestration work.
package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/config"
	"github.com/stagehand/stagehand/internal/common/httpmw"
	"github.com/stagehand/stagehand/internal/common/logger"
)

// SignatureHeader carries the hex HMAC digest in direct mode.
const SignatureHeader = "linear-signature"

// Event is one parsed webhook delivery.
type Event struct {
	// Type is the top-level webhook type (e.g. AppUserNotification,
	// AgentSessionEvent).
	Type string
	// Action is the webhook action (e.g. issueAssignedToYou, created).
	Action string

	IssueID         string
	IssueIdentifier string
	CommentID       string
	TeamKey         string
	AgentSessionID  string

	// Raw is the full decoded payload.
	Raw map[string]any
}

// Handler receives verified events. Invoked on its own goroutine per
// delivery.
type Handler func(event *Event)

// Webhook is the gin handler for POST /webhook.
type Webhook struct {
	cfg     config.TrackerConfig
	logger  *logger.Logger
	handler Handler
}

// NewWebhook creates the webhook transport.
func NewWebhook(cfg config.TrackerConfig, log *logger.Logger, handler Handler) *Webhook {
	return &Webhook{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "webhook")),
		handler: handler,
	}
}

// Register mounts the webhook route. Non-POST methods get 405.
func (w *Webhook) Register(r gin.IRouter) {
	r.Any("/webhook", w.handle)
}

func (w *Webhook) handle(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !w.verify(c.Request, body) {
		w.logger.Warn("webhook rejected", zap.String("mode", w.cfg.WebhookMode))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON"})
		return
	}

	event := parseEvent(payload)
	c.Set(httpmw.WebhookActionKey, event.Action)
	w.logger.Info("webhook accepted",
		zap.String("type", event.Type),
		zap.String("action", event.Action),
		zap.String("issue", event.IssueIdentifier))

	// Hand off without blocking the response.
	go w.handler(event)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// verify checks the delivery's credentials with constant-time comparisons.
func (w *Webhook) verify(r *http.Request, body []byte) bool {
	switch w.cfg.WebhookMode {
	case "proxy":
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return false
		}
		token := auth[len(prefix):]
		return subtle.ConstantTimeCompare([]byte(token), []byte(w.cfg.ProxyToken)) == 1

	default: // direct
		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			return false
		}
		mac := hmac.New(sha256.New, []byte(w.cfg.WebhookSecret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
}

// parseEvent lifts the fields the router and worker need out of the raw
// payload. Handles both notification-shaped and agent-session-shaped
// deliveries.
func parseEvent(payload map[string]any) *Event {
	event := &Event{Raw: payload}

	if t, ok := payload["type"].(string); ok {
		event.Type = t
	}
	if a, ok := payload["action"].(string); ok {
		event.Action = a
	}
	if id, ok := payload["issueId"].(string); ok {
		event.IssueID = id
	}

	scopes := []map[string]any{payload}
	if notif, ok := payload["notification"].(map[string]any); ok {
		scopes = append(scopes, notif)
	}
	if as, ok := payload["agentSession"].(map[string]any); ok {
		scopes = append(scopes, as)
		if id, ok := as["id"].(string); ok {
			event.AgentSessionID = id
		}
	}

	for _, scope := range scopes {
		if issue, ok := scope["issue"].(map[string]any); ok {
			if id, ok := issue["id"].(string); ok && event.IssueID == "" {
				event.IssueID = id
			}
			if ident, ok := issue["identifier"].(string); ok && event.IssueIdentifier == "" {
				event.IssueIdentifier = ident
			}
			if team, ok := issue["team"].(map[string]any); ok {
				if key, ok := team["key"].(string); ok && event.TeamKey == "" {
					event.TeamKey = key
				}
			}
		}
		if comment, ok := scope["comment"].(map[string]any); ok {
			if id, ok := comment["id"].(string); ok && event.CommentID == "" {
				event.CommentID = id
			}
		}
	}

	// Team key fallback: the identifier prefix before the hyphen.
	if event.TeamKey == "" && event.IssueIdentifier != "" {
		if i := strings.Index(event.IssueIdentifier, "-"); i > 0 {
			event.TeamKey = event.IssueIdentifier[:i]
		}
	}

	return event
}
