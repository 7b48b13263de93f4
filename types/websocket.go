package types

// Message types sent over the progress websocket
const (
	MessageProgress = "progress"
	MessageComplete = "complete"
	MessageError    = "error"
)

// ProgressMessage represents a WebSocket progress update message
type ProgressMessage struct {
	Type string `json:"type"`
	ProgressState
}

// NewProgressMessage wraps a state, deriving the message type from its status
func NewProgressMessage(state ProgressState) ProgressMessage {
	msgType := MessageProgress
	switch state.Status {
	case ProgressCompleted:
		msgType = MessageComplete
	case ProgressFailed:
		msgType = MessageError
	}
	return ProgressMessage{Type: msgType, ProgressState: state}
}
