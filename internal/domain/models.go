// Package domain defines the persistence models of the assistant backend.
//
// Global database: the shard directory, accounts, and the global outbox.
// Per shard: chat rooms, chat messages, user settings, and the shard's own
// outbox. Rows in a shard belong to accounts whose ShardID points at it;
// an account's shard never changes after signup.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Shard directory statuses.
const (
	ShardActive   = "active"
	ShardInactive = "inactive"
)

// Shard is one entry of the global shard directory.
type Shard struct {
	ShardID  int    `json:"shard_id"  gorm:"primaryKey;autoIncrement:false"`
	Host     string `json:"host"      gorm:"type:varchar(255);not null"`
	Port     int    `json:"port"      gorm:"not null;default:3306"`
	DBName   string `json:"db_name"   gorm:"column:db_name;type:varchar(255);not null"`
	User     string `json:"user"      gorm:"type:varchar(64);not null"`
	Password string `json:"-"         gorm:"type:varchar(255)"`
	Status   string `json:"status"    gorm:"type:varchar(16);not null;default:'active';index"`
}

// TableName returns the database table name for Shard.
func (Shard) TableName() string { return "shard_directory" }

// Active reports whether the shard should be connected.
func (s Shard) Active() bool { return s.Status == ShardActive }

// Account is a user of the system. AccountDBKey is the stable numeric key
// used by every shard table; AccountID is the login name.
type Account struct {
	AccountDBKey int64     `json:"account_db_key" gorm:"primaryKey;autoIncrement"`
	AccountID    string    `json:"account_id"     gorm:"type:varchar(64);not null;uniqueIndex"`
	PasswordHash string    `json:"-"              gorm:"type:varchar(255)"`
	ShardID      int       `json:"shard_id"       gorm:"not null;index"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// Message senders.
const (
	SenderUser = "USER"
	SenderAI   = "AI"
)

// ChatRoom is a conversation stored in its owner's shard.
type ChatRoom struct {
	RoomID            string         `json:"room_id"             gorm:"type:char(36);primaryKey"`
	OwnerAccountDBKey int64          `json:"owner_account_db_key" gorm:"not null;index:idx_owner_rooms"`
	ShardID           int            `json:"shard_id"            gorm:"not null"`
	Title             string         `json:"title"               gorm:"type:varchar(255);not null;default:'New chat'"`
	AIPersona         string         `json:"ai_persona"          gorm:"type:varchar(64)"`
	MessageCount      int            `json:"message_count"       gorm:"not null;default:0"`
	LastMessageAt     *time.Time     `json:"last_message_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	DeletedAt         gorm.DeletedAt `json:"-"                   gorm:"index"`
}

// TableName returns the database table name for ChatRoom.
func (ChatRoom) TableName() string { return "chat_rooms" }

// ChatMessage is a single message in a room. MessageID is unique, which
// makes redelivered saves idempotent. Metadata holds a JSON object.
type ChatMessage struct {
	MessageID       string         `json:"message_id"        gorm:"type:char(36);primaryKey"`
	RoomID          string         `json:"room_id"           gorm:"type:char(36);not null;index:idx_room_seq,priority:1"`
	AccountDBKey    int64          `json:"account_db_key"    gorm:"not null"`
	Sender          string         `json:"sender"            gorm:"type:varchar(8);not null;check:sender IN ('USER','AI')"`
	Content         string         `json:"content"           gorm:"type:text;not null"`
	Metadata        string         `json:"metadata"          gorm:"type:text"`
	ParentMessageID *string        `json:"parent_message_id,omitempty" gorm:"type:char(36)"`
	SequenceInRoom  int64          `json:"sequence_in_room"  gorm:"not null;index:idx_room_seq,priority:2"`
	CreatedAt       time.Time      `json:"created_at"`
	DeletedAt       gorm.DeletedAt `json:"-"                 gorm:"index"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

// UserSettings holds per-account assistant preferences.
type UserSettings struct {
	AccountDBKey  int64     `json:"account_db_key" gorm:"primaryKey;autoIncrement:false"`
	Language      string    `json:"language"       gorm:"type:varchar(16);not null;default:'en'"`
	Persona       string    `json:"persona"        gorm:"type:varchar(64);not null;default:'default'"`
	RiskProfile   string    `json:"risk_profile"   gorm:"type:varchar(16);not null;default:'moderate'"`
	Notifications bool      `json:"notifications"  gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserSettings.
func (UserSettings) TableName() string { return "user_settings" }

// Outbox event statuses.
const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
	OutboxRetry     = "RETRY"
	OutboxFailed    = "FAILED"
)

// OutboxEvent is written in the same transaction as the business row it
// describes and later delivered by the publisher.
//
// Status invariant:
//   - PUBLISHED implies PublishedAt != nil
//   - PENDING/RETRY imply Attempts < MaxAttempts
//   - FAILED implies Attempts >= MaxAttempts
type OutboxEvent struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	EventType     string     `json:"event_type"     gorm:"type:varchar(64);not null"`
	AggregateID   string     `json:"aggregate_id"   gorm:"type:varchar(64);not null"`
	AggregateType string     `json:"aggregate_type" gorm:"type:varchar(64);not null"`
	Payload       string     `json:"payload"        gorm:"type:text;not null"`
	Status        string     `json:"status"         gorm:"type:varchar(16);not null;index:idx_outbox_status_created,priority:1"`
	Attempts      int        `json:"attempts"       gorm:"not null;default:0"`
	MaxAttempts   int        `json:"max_attempts"   gorm:"not null"`
	LastError     string     `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"     gorm:"index:idx_outbox_status_created,priority:2"`
	UpdatedAt     time.Time  `json:"updated_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
}

// TableName returns the database table name for OutboxEvent.
func (OutboxEvent) TableName() string { return "outbox_events" }

// GlobalModels lists the tables of the global database.
func GlobalModels() []any {
	return []any{&Shard{}, &Account{}, &OutboxEvent{}}
}

// ShardModels lists the tables present in every shard.
func ShardModels() []any {
	return []any{&ChatRoom{}, &ChatMessage{}, &UserSettings{}, &OutboxEvent{}}
}
