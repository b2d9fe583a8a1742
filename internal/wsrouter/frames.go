package wsrouter

// Client→server frame types (spec: `/ws/{session_id}?token=…`).
const (
	FrameUserMessage     = "user_message"
	FramePing            = "ping"
	FrameClose           = "close"
	FrameTranscriptChunk = "transcript_chunk"
	FrameAck             = "ack"
)

// Server→client frame types.
const (
	FrameConnected      = "connected"
	FrameNPCResponse    = "npc_response"
	FrameCoachAdvice    = "coach_advice"
	FrameToolStatus     = "tool_status"
	FrameError          = "error"
	FrameServerAck      = "ack"
	FrameStateRecovered = "state_recovered"
	FrameMessage        = "message"
)

// ClientFrame is one message read off the socket. TurnID, when set, is
// deduplicated per session via the turn guard; Sequence, when set on an
// ack frame, acknowledges a previously sent server chunk.
type ClientFrame struct {
	Type      string                 `json:"type"`
	TurnID    string                 `json:"turn_id,omitempty"`
	Sequence  int64                  `json:"sequence,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// ServerFrame is one message pushed down to the client. Sequence is set
// on chunked frames that require an ack; Router tracks it in
// ws:unacked:{session_id} until the client's ack frame arrives.
type ServerFrame struct {
	Type     string                 `json:"type"`
	Sequence int64                  `json:"sequence,omitempty"`
	Text     string                 `json:"text,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// requiresAck reports whether f must be retransmitted until acked.
func requiresAck(f ServerFrame) bool {
	return f.Sequence > 0
}
