package models

import "time"

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual communication entry within a chat. The content of the last
// assistant message is mutated in place while a streamed reply is in flight; once a turn resolves
// the message is never touched again.
type Message struct {
	ID          string
	Role        Role
	Content     string
	Timestamp   time.Time
	Annotations []Annotation `json:",omitempty"`
}

// Annotation is a citation span attached to a completed streamed answer. It is carried through
// from the wire untouched.
type Annotation struct {
	Type       string `json:"type"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

// Tool describes a capability offered to the completion endpoint on a streamed request. Only the
// descriptor travels on the wire; nothing in this system executes tools.
type Tool struct {
	Type string `json:"type"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
)
