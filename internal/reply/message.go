package reply

import (
	"time"

	"github.com/warelaydev/warelay/internal/agent"
)

// Message is one inbound message handed to the engine. Immutable once
// received; bodies are never persisted.
type Message struct {
	From       string
	To         string
	Body       string
	MessageID  string
	MediaPaths []string
	ReceivedAt time.Time
}

// Payload is one outbound reply unit, emitted in order.
type Payload struct {
	Text      string
	MediaURL  string
	MediaURLs []string
}

// Meta describes how a command-mode reply was produced.
type Meta struct {
	DurationMs  int64
	QueuedMs    int64
	QueuedAhead int
	ExitCode    int
	Signal      string
	Killed      bool
	Agent       *agent.Meta
}
