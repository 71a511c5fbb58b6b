package v1

// FrameType discriminates dispatch socket frames.
type FrameType string

const (
	// FrameIntent is a control-plane → runner execution intent.
	FrameIntent FrameType = "intent"
	// FrameAck is a runner → control-plane intent acknowledgement.
	FrameAck FrameType = "ack"
	// FrameLog is a runner → control-plane log record.
	FrameLog FrameType = "log"
	// FrameCancel is a control-plane → runner cancellation request for a
	// running execution.
	FrameCancel FrameType = "cancel"
)

// CancelRequest asks the runner to cancel an execution it is supervising.
type CancelRequest struct {
	ExecutionID string `json:"execution_id"`
}

// Frame is one JSON message on the dispatch websocket. Exactly one payload
// field is set, matching Type.
type Frame struct {
	Type   FrameType        `json:"type"`
	Intent *ExecutionIntent `json:"intent,omitempty"`
	Ack    *IntentAck       `json:"ack,omitempty"`
	Log    *LogRecord       `json:"log,omitempty"`
	Cancel *CancelRequest   `json:"cancel,omitempty"`
}
