package ai

import (
	"encoding/json"
	"os"
	"regexp"
)

// Header is one name/value pair; values may carry ${var} and ${env:NAME}
// templates expanded at execution time.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPJSONPlan is one streaming preparation step: a JSON request whose
// response feeds a variable for later header/URL expansion.
type HTTPJSONPlan struct {
	Method          string          `json:"method"`
	URL             string          `json:"url"`
	Headers         []Header        `json:"headers,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	ExtractJSONPath string          `json:"extract_json_path"`
	ExtractToVar    string          `json:"extract_to_var"`
}

// WebsocketPlan describes the socket the caller is to open.
type WebsocketPlan struct {
	URL                   string            `json:"url"`
	Headers               []Header          `json:"headers,omitempty"`
	ClientEvents          []json.RawMessage `json:"client_events,omitempty"`
	SupportsTurnDetection bool              `json:"supports_turn_detection"`
}

// Streaming plan kinds.
const StreamingKindWebsocket = "websocket"

// StreamingPlan is the inert recipe for a streaming operation. The router
// never opens sockets; a separate executor realises the plan.
type StreamingPlan struct {
	Kind      string         `json:"kind"`
	Prepare   []HTTPJSONPlan `json:"prepare,omitempty"`
	Websocket WebsocketPlan  `json:"websocket"`
}

// StreamingInvocation pairs a plan with the backend that produced it.
type StreamingInvocation struct {
	Backend string         `json:"backend"`
	Plan    *StreamingPlan `json:"plan"`
}

var templateRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// ExpandTemplate resolves ${env:NAME} from the process environment and
// ${var} from the per-plan variable map. Unknown keys expand to empty.
func ExpandTemplate(s string, vars map[string]string) string {
	return ExpandTemplateEnv(s, vars, os.Getenv)
}

// ExpandTemplateEnv is ExpandTemplate with an injectable environment.
func ExpandTemplateEnv(s string, vars map[string]string, getenv func(string) string) string {
	return templateRe.ReplaceAllStringFunc(s, func(m string) string {
		key := m[2 : len(m)-1]
		if len(key) > 4 && key[:4] == "env:" {
			return getenv(key[4:])
		}
		return vars[key]
	})
}
