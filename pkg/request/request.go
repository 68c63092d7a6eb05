// Package request turns an inbound conversation request body into a Turn.
package request

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/orchestrator"
	"github.com/google/uuid"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
)

// sessionNamespace scopes the name-based session ids derived from an
// installation identifier.
var sessionNamespace = uuid.MustParse("6f1c3a52-8a59-4f5e-9a57-0d3c7e3b9b14")

var ErrInvalidBody = errors.New("invalid request body")

type Options struct {
	// InstallationID seeds the session id when the request carries none.
	InstallationID string
	// Deadline is added to the receive time to set Turn.Deadline. Zero
	// leaves the deadline to the orchestrator.
	Deadline time.Duration
	Now      func() time.Time
}

type body struct {
	Message string         `json:"message"`
	Text    string         `json:"text"`
	Context map[string]any `json:"context"`
}

// Parse decodes raw and builds a Turn. The message is taken from message,
// text, context.message or context.text, in that order. The session id is
// context.session_id, then "voice_" plus context.conversation_id, then a
// name-based UUID derived from the installation id.
func Parse(raw []byte, opts Options) (orchestrator.Turn, error) {
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return orchestrator.Turn{}, errors.Wrap(ErrInvalidBody, err.Error())
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	received := now()

	ctx := Normalize(b.Context)
	turn := orchestrator.Turn{
		Message:        firstString(b.Message, b.Text, ctx["message"], ctx["text"]),
		ConversationID: stringValue(ctx["conversation_id"]),
		Persona:        stringValue(ctx["persona"]),
		Context:        ctx,
		ReceivedAt:     received,
	}
	delete(ctx, "message")
	delete(ctx, "text")

	turn.SessionID = SessionID(ctx, opts.InstallationID)
	ctx["session_id"] = turn.SessionID
	if opts.Deadline > 0 {
		turn.Deadline = received.Add(opts.Deadline)
	}
	return turn, nil
}

// SessionID derives the session id from a normalised context.
func SessionID(ctx map[string]any, installationID string) string {
	if s := stringValue(ctx["session_id"]); s != "" {
		return s
	}
	if c := stringValue(ctx["conversation_id"]); c != "" {
		return "voice_" + c
	}
	name := installationID
	if name == "" {
		name = "default"
	}
	if d := stringValue(ctx["device_id"]); d != "" {
		name += "/" + d
	}
	return "install_" + uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

// Normalize snake-cases keys and flattens ha_context into ha_-prefixed
// entries. Null values and empty strings are dropped. When two keys collide
// after snake-casing (sessionId and session_id) the one already in snake case
// wins.
func Normalize(in map[string]any) map[string]any {
	out := map[string]any{}
	exact := map[string]bool{}
	put := func(raw, key string, v any) {
		isExact := raw == key
		if exact[key] && !isExact {
			return
		}
		out[key] = v
		if isExact {
			exact[key] = true
		}
	}

	for _, k := range slices.Sorted(maps.Keys(in)) {
		v := in[k]
		raw := strings.TrimSpace(k)
		key := strcase.ToSnake(raw)
		if key == "" || isEmpty(v) {
			continue
		}
		if key == "ha_context" {
			if nested, ok := v.(map[string]any); ok {
				for _, nk := range slices.Sorted(maps.Keys(nested)) {
					nv := nested[nk]
					if isEmpty(nv) {
						continue
					}
					nraw := strings.TrimSpace(nk)
					put("ha_"+nraw, "ha_"+strcase.ToSnake(nraw), nv)
				}
				continue
			}
		}
		put(raw, key, v)
	}
	return out
}

func isEmpty(v any) bool {
	switch vv := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(vv) == ""
	}
	return false
}

func stringValue(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(vv)
	case float64, bool, int:
		return fmt.Sprint(vv)
	}
	return ""
}

func firstString(vs ...any) string {
	for _, v := range vs {
		if s := stringValue(v); s != "" {
			return s
		}
	}
	return ""
}
