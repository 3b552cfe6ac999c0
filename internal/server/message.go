package server

import "encoding/json"

// Command is an incoming JSON command from a websocket client.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outgoing JSON message.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func NewMessage(msgType string, payload any) Message {
	return Message{Type: msgType, Payload: payload}
}

// ErrorPayload is sent back when a command fails.
type ErrorPayload struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}
