package queue

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/google/uuid"
)

// Priority influences scheduling inside a partition.
type Priority int

// Priorities. High messages are placed at the consumer end of their
// partition, so they are delivered before waiting normal messages.
const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Message is the unit moved through a queue. Payload carries everything the
// consumer needs (including the target shard) so consumers never look
// routing data up again.
type Message struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue_name"`
	PartitionKey string          `json:"partition_key"`
	Type         string          `json:"message_type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	LastError    string          `json:"last_error,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(partitionKey, msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{PartitionKey: partitionKey, Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// PartitionOf maps a partition key onto one of n partitions.
func PartitionOf(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// NewConsumerID returns an id unique to this process instance.
func NewConsumerID() string {
	return fmt.Sprintf("%s-%d", uuid.NewString(), os.Getpid())
}
