package agent

// Message types seen on the agent CLI's stream-json channel. Message
// content is opaque to this package; only the type field matters for
// lifecycle handling in callers.

// MessageType is the top-level type field of a stream-json message.
type MessageType string

const (
	// Input messages (written to stdin).
	MessageTypeUser MessageType = "user"

	// Output messages (read from stdout).
	MessageTypeSystem    MessageType = "system"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeResult    MessageType = "result"
)

// UserInputMessage is the structure written to the agent's stdin when
// using --input-format stream-json.
type UserInputMessage struct {
	Type    MessageType      `json:"type"`
	Message UserInputContent `json:"message"`
}

// UserInputContent is the nested message content for stream-json input.
type UserInputContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
