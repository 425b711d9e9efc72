package core

import "encoding/json"

// Wire event names carried over the websocket channel. The envelope is
// {"event": <name>, "payload": <event-specific JSON>} in both directions.
const (
	// EventSubmitMessage is the only client -> server event.
	EventSubmitMessage = "submit-message"

	// EventMessageAccepted acknowledges a persisted user message and echoes
	// the client's temporary ID so it can reconcile its optimistic entry.
	EventMessageAccepted = "message-accepted"

	// EventAssistantReply carries the persisted assistant message.
	EventAssistantReply = "assistant-reply"
)

// Envelope is the framing for every websocket event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitMessage is the payload of EventSubmitMessage.
type SubmitMessage struct {
	ChatID  string `json:"chatID"`
	Content string `json:"content"`
	TempID  string `json:"tempID"`
}

// MessageAccepted is the payload of EventMessageAccepted.
type MessageAccepted struct {
	Message Message `json:"message"`
	TempID  string  `json:"tempID"`
}

// AssistantReply is the payload of EventAssistantReply.
type AssistantReply struct {
	Message Message `json:"message"`
}
