package a2a

import "time"

// MessageType enumerates the kinds of BusMessage a conversation can carry.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeEvent    MessageType = "event"
	TypeQuery    MessageType = "query"
	TypeCommand  MessageType = "command"
	TypeAck      MessageType = "ack"
)

// Priority is advisory; nothing in this package reorders delivery by it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// BusMessage is the agent-to-agent envelope. ToAgent absent means
// broadcast. Response messages carry ReplyTo equal to the originating
// request's MessageID; so do ack messages.
type BusMessage struct {
	MessageID      string                 `json:"message_id"`
	MessageType    MessageType            `json:"message_type"`
	FromAgent      string                 `json:"from_agent"`
	ToAgent        string                 `json:"to_agent,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	ReplyTo        string                 `json:"reply_to,omitempty"`
	Priority       Priority               `json:"priority,omitempty"`
	TTLSeconds     int                    `json:"ttl,omitempty"`
	RequiresAck    bool                   `json:"requires_ack,omitempty"`
}

func (m BusMessage) isBroadcast() bool { return m.ToAgent == "" }
