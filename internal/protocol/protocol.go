// Package protocol defines the JSON wire format shared by the agent, the
// relay, and browsers. Every frame is a UTF-8 JSON text message wrapping an
// Envelope; the id field is present only on request/response correlated
// messages (and on scan partials, which carry their request's id).
package protocol

import "encoding/json"

// Message types. These strings are wire-stable.
const (
	// Agent connection lifecycle (agent ↔ relay).
	TypeAgentAuth     = "agent:auth"
	TypeAgentAuthOK   = "agent:auth:ok"
	TypeAgentAuthFail = "agent:auth:fail"
	TypeAgentPing     = "agent:ping"
	TypeAgentPong     = "agent:pong"
	TypeAgentShutdown = "agent:shutdown"
	TypeAgentStatus   = "agent:status" // relay → browsers: agent online/offline

	// Terminal streaming (browser ↔ agent via relay).
	TypeTerminalAttach   = "terminal:attach"
	TypeTerminalHistory  = "terminal:history"
	TypeTerminalAttached = "terminal:attached"
	TypeTerminalOutput   = "terminal:output"
	TypeTerminalInput    = "terminal:input"
	TypeTerminalResize   = "terminal:resize"
	TypeTerminalScroll   = "terminal:scroll"
	TypeTerminalClose    = "terminal:close"
	TypeTerminalClosed   = "terminal:closed"
	TypeTerminalDetach   = "terminal:detach"
	TypeTerminalError    = "terminal:error"
	TypeTerminalResume   = "terminal:resume"
	TypeTerminalResumed  = "terminal:resumed"

	// Periodic pushes (agent → browsers via relay).
	TypeClaudeStates = "claude:states"
	TypeMetrics      = "metrics"

	// REST multiplex (browser ↔ agent via relay).
	TypeRequest     = "request"
	TypeResponse    = "response"
	TypeScanPartial = "scan:partial"
)

// Envelope wraps every frame. Payload stays raw until the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	ID      string          `json:"id,omitempty"`
}

// Encode marshals a typed payload into a complete wire frame.
func Encode(msgType, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw, ID: id})
}

// AuthRequest is the first frame an agent sends after connecting.
type AuthRequest struct {
	Token    string `json:"token"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Version  string `json:"version"`
}

// AuthOK attaches the relay-assigned identity to the connection.
type AuthOK struct {
	AgentID string `json:"agentId"`
	UserID  string `json:"userId"`
}

// AuthFail carries the rejection reason. The agent must not reconnect.
type AuthFail struct {
	Reason string `json:"reason"`
}

// Pong carries the agent's local timestamp in reply to a relay ping.
type Pong struct {
	Timestamp string `json:"timestamp"`
}

// Shutdown asks agents to delay their next reconnect attempt.
type Shutdown struct {
	RetryDelaySeconds int `json:"retryDelaySeconds"`
}

// AgentStatus announces agent presence changes to a user's browsers.
type AgentStatus struct {
	AgentID  string `json:"agentId"`
	Hostname string `json:"hostname"`
	Online   bool   `json:"online"`
}

// TerminalAttach requests a viewport attach with the browser's geometry.
type TerminalAttach struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalHistory replays scrollback. Data is base64 with CRLF line endings.
type TerminalHistory struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalAttached confirms the attach and echoes the applied geometry.
type TerminalAttached struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalOutput carries live bytes, base64-encoded.
type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalInput carries keystrokes, base64-encoded.
type TerminalInput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalResize changes the session geometry.
type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// TerminalScroll scrolls the session's copy-mode. Positive lines scroll up
// (into history), negative scroll down. |Lines| is clamped agent-side.
type TerminalScroll struct {
	TerminalID string `json:"terminalId"`
	Lines      int    `json:"lines"`
}

// TerminalRef identifies a terminal for detach/close/closed/resumed.
type TerminalRef struct {
	TerminalID string `json:"terminalId"`
}

// TerminalError surfaces an attach or streaming failure.
type TerminalError struct {
	TerminalID string `json:"terminalId"`
	Message    string `json:"message"`
}

// TerminalResume recreates a dead terminal's session under the same id.
type TerminalResume struct {
	TerminalID string `json:"terminalId"`
	WorkingDir string `json:"workingDir,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

// ClaudeState is the per-terminal high-level state reported by the detector.
type ClaudeState struct {
	IsClaude          bool      `json:"isClaude"`
	State             string    `json:"state"` // idle | working | permission | question
	Command           string    `json:"command"`
	CWD               string    `json:"cwd"`
	Location          *Location `json:"location,omitempty"`
	ClaudeSessionID   string    `json:"claudeSessionId,omitempty"`
	ClaudeSessionName string    `json:"claudeSessionName,omitempty"`
}

// Location names the project a terminal is working in.
type Location struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ClaudeStates maps terminal id to detector state.
type ClaudeStates map[string]ClaudeState

// RAM holds memory totals in bytes.
type RAM struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// GPU holds optional GPU readings; absent when no GPU tool is available.
type GPU struct {
	Utilization int    `json:"utilization"`
	MemUsed     uint64 `json:"memUsed"`
	MemTotal    uint64 `json:"memTotal"`
}

// Metrics is the periodic host metrics push. CPU is nil when unavailable.
type Metrics struct {
	RAM RAM  `json:"ram"`
	CPU *int `json:"cpu"`
	GPU *GPU `json:"gpu,omitempty"`
}

// Request is a browser-originated REST call wrapped for the multiplex.
// AgentID selects the target agent; the relay validates ownership.
type Request struct {
	AgentID string          `json:"agentId"`
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Response terminates a Request. Exactly one per request id.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// ErrorBody is the conventional 4xx/5xx response body.
type ErrorBody struct {
	Error string `json:"error"`
}

// QuotaBody is the synthetic 403 the relay emits on tier gating.
type QuotaBody struct {
	Feature    string `json:"feature"`
	Message    string `json:"message"`
	UpgradeURL string `json:"upgradeUrl"`
}
