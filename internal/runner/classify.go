package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stagehand/stagehand/internal/fault"
)

// maxErrorOutput bounds the aggregated output included in derived error
// messages.
const maxErrorOutput = 2000

// Classify turns one raw stdout line into zero or more uniform events.
// Pure: anything unrecognised becomes a log event, parse failures become
// log events carrying the raw text.
func Classify(line []byte) []Event {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return []Event{{Type: EventLog, Text: text}}
	}

	typ := ""
	if t, ok := payload["type"].(string); ok {
		typ = strings.ToLower(strings.TrimSpace(t))
	}

	switch {
	case typ == "session.created" || typ == "thread.started" || typ == "thread.resumed":
		id := sessionID(payload)
		return []Event{
			{Type: EventSession, SessionID: id, Payload: payload},
			{Type: EventLog, Text: fmt.Sprintf("runner session %s (%s)", id, typ), Payload: payload},
		}

	case isErrorPayload(typ, payload):
		return []Event{errorEvent(payload)}

	case hasItem(payload):
		return classifyItem(typ, payload)

	case containsAny(typ, "token", "status", "progress", "telemetry", "metrics"):
		return []Event{{Type: EventLog, Text: text, Payload: payload}}

	default:
		return []Event{{Type: EventLog, Text: text, Payload: payload}}
	}
}

// sessionID digs the runner-assigned session id out of a session payload.
func sessionID(payload map[string]any) string {
	for _, key := range []string{"session_id", "thread_id", "id"} {
		if id, ok := payload[key].(string); ok && id != "" {
			return id
		}
	}
	for _, key := range []string{"session", "thread"} {
		if obj, ok := payload[key].(map[string]any); ok {
			if id, ok := obj["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

func hasItem(payload map[string]any) bool {
	_, ok := payload["item"].(map[string]any)
	return ok
}

// classifyItem dispatches an item envelope on the item's own type.
func classifyItem(envelopeType string, payload map[string]any) []Event {
	item := payload["item"].(map[string]any)

	itemType := ""
	if t, ok := item["item_type"].(string); ok {
		itemType = strings.ToLower(strings.TrimSpace(t))
	} else if t, ok := item["type"].(string); ok {
		itemType = strings.ToLower(strings.TrimSpace(t))
	}

	completed := strings.HasSuffix(envelopeType, ".completed")

	switch {
	case itemType == "reasoning":
		return []Event{{Type: EventThought, Text: StripItemIDs(ExtractText(item)), Payload: payload}}

	case strings.Contains(itemType, "command") || strings.Contains(itemType, "tool") ||
		itemType == "file_change" || itemType == "web_search":
		return []Event{{Type: EventAction, Action: itemAction(itemType, item), Payload: payload}}

	case itemType == "assistant_response":
		return []Event{{Type: EventResponse, Text: StripItemIDs(ExtractText(item)), Payload: payload}}

	case itemType == "assistant_message" || itemType == "agent_message":
		evType := EventResponse
		if completed {
			evType = EventFinal
		}
		return []Event{{Type: evType, Text: StripItemIDs(ExtractText(item)), Payload: payload}}

	case isErrorPayload(itemType, item):
		return []Event{errorEvent(payload)}

	default:
		return []Event{{Type: EventLog, Text: ExtractText(item), Payload: payload}}
	}
}

// itemAction builds the action descriptor for a tool or command item.
func itemAction(itemType string, item map[string]any) *Action {
	act := &Action{ItemType: itemType}
	for _, key := range []string{"id", "item_id", "call_id"} {
		if id, ok := item[key].(string); ok && id != "" {
			act.ID = id
			break
		}
	}

	switch {
	case strings.Contains(itemType, "command"):
		act.Icon = "terminal"
		if cmd, ok := item["command"].(string); ok {
			act.Name = cmd
			act.Detail = cmd
		}
		if out, ok := item["aggregated_output"].(string); ok {
			act.Result = out
		}
	case itemType == "file_change":
		act.Icon = "file"
		act.Name = "file change"
		act.Detail = ExtractText(item)
	case itemType == "web_search":
		act.Icon = "search"
		act.Name = "web search"
		if q, ok := item["query"].(string); ok {
			act.Detail = q
		}
	default: // tool calls
		act.Icon = "tool"
		if name, ok := item["name"].(string); ok {
			act.Name = name
		}
		act.Detail = ExtractText(item)
	}

	if act.Name == "" {
		act.Name = itemType
	}
	return act
}

func isErrorPayload(typ string, payload map[string]any) bool {
	if typ == "error" || strings.HasSuffix(typ, ".failed") {
		return true
	}
	_, hasErrObj := payload["error"].(map[string]any)
	return hasErrObj
}

// errorEvent derives a human message (command, exit code, truncated output)
// and keeps the original payload as the cause.
func errorEvent(payload map[string]any) Event {
	msg := deriveErrorMessage(payload)
	return Event{
		Type:    EventError,
		Text:    msg,
		Err:     fault.New(fault.RunnerReportedError, "%s", msg),
		Payload: payload,
	}
}

func deriveErrorMessage(payload map[string]any) string {
	// Command failures carry the most useful context.
	item, _ := payload["item"].(map[string]any)
	if item == nil {
		item = payload
	}

	if cmd, ok := item["command"].(string); ok && cmd != "" {
		msg := fmt.Sprintf("command %q failed", cmd)
		if code, ok := item["exit_code"].(float64); ok {
			msg = fmt.Sprintf("%s (exit %d)", msg, int(code))
		}
		if out, ok := item["aggregated_output"].(string); ok && out != "" {
			msg = msg + ": " + truncate(out, maxErrorOutput)
		}
		return msg
	}

	if errObj, ok := payload["error"].(map[string]any); ok {
		if m := ExtractText(errObj); m != "" {
			return truncate(m, maxErrorOutput)
		}
	}
	if m := ExtractText(item); m != "" {
		return truncate(m, maxErrorOutput)
	}
	return "runner reported an error"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
