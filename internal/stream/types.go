package stream

import "encoding/json"

// RawEvent holds both the raw NDJSON line and the parsed event.
type RawEvent struct {
	Raw    []byte
	Parsed Event
	Err    error
}

// Event is the top-level structure for one line of the agent streaming
// protocol. Every line is one JSON object with a "type" discriminator.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID may appear on any event and is captured idempotently.
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// For assistant/user events: the full message payload.
	Message *MessagePayload `json:"message,omitempty"`

	// For result events (top-level fields).
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   float64 `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	ResultText   string  `json:"result,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// MessagePayload is the message inside an "assistant" or "user" event.
type MessagePayload struct {
	ID      string         `json:"id,omitempty"`
	Model   string         `json:"model,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a content block within a message.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage holds token usage information from a result event.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Kind tags the classified form of one protocol line.
type Kind string

const (
	KindSystem           Kind = "system"
	KindAssistantText    Kind = "assistant_text"
	KindAssistantToolUse Kind = "assistant_tool_use"
	KindUserToolResult   Kind = "user_tool_result"
	KindResult           Kind = "result"
	KindUnknown          Kind = "unknown"
	KindNonJSON          Kind = "non_json"
)

// Message is the classified form of exactly one stream line. Every line
// produces exactly one Message; lines are never split or merged.
type Message struct {
	Kind      Kind
	Raw       []byte
	SessionID string

	// Text carries assistant text, tool-result content, or the raw line
	// for NonJSON messages.
	Text string

	// Tool use (KindAssistantToolUse).
	ToolName  string
	ToolInput json.RawMessage

	// Tool result (KindUserToolResult).
	ToolUseID   string
	ToolIsError bool

	// AwaitingInput is true when an assistant message carried only text
	// and no tool use, meaning the agent is now waiting for input.
	AwaitingInput bool

	// Result accounting (KindResult).
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	IsError      bool
}
