package pipeline

import (
	"encoding/json"
	"strconv"

	"github.com/tbourn/go-finassist-backend/internal/queue"
)

// Queue and message types handled by the pipeline.
const (
	QueueName       = "chat_persistence"
	TypeMessageSave = "CHAT_MESSAGE_SAVE"
	TypeRoomCreate  = "CHAT_ROOM_CREATE"
)

// MetaSequenceInRoom is the metadata key carrying the message's position in
// its room.
const MetaSequenceInRoom = "sequence_in_room"

// MessagePayload is the body of a CHAT_MESSAGE_SAVE message. It carries the
// target shard so the consumer never looks routing data up again.
type MessagePayload struct {
	ShardID         int            `json:"shard_id"`
	RoomID          string         `json:"room_id"`
	AccountDBKey    int64          `json:"account_db_key"`
	MessageID       string         `json:"message_id"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
}

// SequenceInRoom reads the sequence embedded in the metadata. Missing or
// malformed values sort first.
func (p MessagePayload) SequenceInRoom() int64 {
	switch v := p.Metadata[MetaSequenceInRoom].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// RoomPayload is the body of a CHAT_ROOM_CREATE message.
type RoomPayload struct {
	ShardID           int    `json:"shard_id"`
	RoomID            string `json:"room_id"`
	OwnerAccountDBKey int64  `json:"owner_account_db_key"`
	Title             string `json:"title"`
	AIPersona         string `json:"ai_persona,omitempty"`
}

// NewMessageSave builds the queue message for p, partitioned by room.
func NewMessageSave(p MessagePayload) (queue.Message, error) {
	return queue.NewMessage(p.RoomID, TypeMessageSave, p)
}

// NewRoomCreate builds the queue message for p, partitioned by room. Room
// creation jumps ahead of waiting saves of the same room.
func NewRoomCreate(p RoomPayload) (queue.Message, error) {
	m, err := queue.NewMessage(p.RoomID, TypeRoomCreate, p)
	m.Priority = queue.PriorityHigh
	return m, err
}
