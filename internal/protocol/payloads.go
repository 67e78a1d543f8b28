package protocol

import "time"

// Template names.
const (
	TemplateAccount = "ACCOUNT"
	TemplateChat    = "CHAT"
	TemplateProfile = "PROFILE"
)

// Message types, the second half of a dispatch key.
const (
	MsgLogin          = "login"
	MsgLogout         = "logout"
	MsgHeartbeat      = "heartbeat"
	MsgRoomCreate     = "room_create"
	MsgRoomList       = "room_list"
	MsgRoomDelete     = "room_delete"
	MsgRoomState      = "room_state"
	MsgMessageSend    = "message_send"
	MsgMessageList    = "message_list"
	MsgMessageDelete  = "message_delete"
	MsgSettingsGet    = "settings_get"
	MsgSettingsUpdate = "settings_update"
)

// ---- ACCOUNT ----

// LoginRequest opens a session. accessToken is ignored.
type LoginRequest struct {
	BaseRequest
	AccountID string `json:"accountId"`
	Password  string `json:"password"`
}

// LoginResponse carries the new token and the first sequence to use.
type LoginResponse struct {
	BaseResponse
	AccessToken  string `json:"accessToken"`
	AccountDBKey int64  `json:"accountDbKey"`
	ShardID      int    `json:"shardId"`
}

// LogoutRequest closes the session.
type LogoutRequest struct {
	BaseRequest
}

// LogoutResponse acknowledges a logout.
type LogoutResponse struct {
	BaseResponse
}

// HeartbeatRequest refreshes the session TTL.
type HeartbeatRequest struct {
	BaseRequest
}

// HeartbeatResponse reports server time.
type HeartbeatResponse struct {
	BaseResponse
	ServerTime time.Time `json:"serverTime"`
}

// ---- CHAT ----

// RoomInfo describes a chat room.
type RoomInfo struct {
	RoomID        string     `json:"roomId"`
	Title         string     `json:"title"`
	AIPersona     string     `json:"aiPersona,omitempty"`
	State         string     `json:"state,omitempty"`
	MessageCount  int        `json:"messageCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

// MessageInfo describes a chat message. Metadata is always a JSON object on
// the wire.
type MessageInfo struct {
	MessageID       string         `json:"messageId"`
	RoomID          string         `json:"roomId"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
	SequenceInRoom  int64          `json:"sequenceInRoom"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// RoomCreateRequest creates a room owned by the caller.
type RoomCreateRequest struct {
	BaseRequest
	Title     string `json:"title"`
	AIPersona string `json:"aiPersona"`
}

// RoomCreateResponse returns the accepted room. It is persisted
// asynchronously; State starts at PENDING.
type RoomCreateResponse struct {
	BaseResponse
	Room RoomInfo `json:"room"`
}

// RoomListRequest pages through the caller's rooms.
type RoomListRequest struct {
	BaseRequest
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// RoomListResponse is one page of rooms.
type RoomListResponse struct {
	BaseResponse
	Rooms    []RoomInfo `json:"rooms"`
	Total    int64      `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
	// LastMessageAt is the newest persisted message over all rooms.
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

// RoomDeleteRequest deletes a room.
type RoomDeleteRequest struct {
	BaseRequest
	RoomID string `json:"roomId"`
}

// RoomDeleteResponse reports the state the room moved to.
type RoomDeleteResponse struct {
	BaseResponse
	RoomID string `json:"roomId"`
	State  string `json:"state"`
}

// MessageSendRequest posts a user message into a room.
type MessageSendRequest struct {
	BaseRequest
	RoomID          string         `json:"roomId"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
}

// MessageSendResponse acknowledges an accepted message.
type MessageSendResponse struct {
	BaseResponse
	MessageID      string `json:"messageId"`
	SequenceInRoom int64  `json:"sequenceInRoom"`
	State          string `json:"state"`
}

// MessageListRequest pages through a room's persisted messages.
type MessageListRequest struct {
	BaseRequest
	RoomID   string `json:"roomId"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// MessageListResponse is one page of messages in room order.
type MessageListResponse struct {
	BaseResponse
	Messages []MessageInfo `json:"messages"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

// MessageDeleteRequest deletes a message.
type MessageDeleteRequest struct {
	BaseRequest
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// MessageDeleteResponse reports the state the message moved to.
type MessageDeleteResponse struct {
	BaseResponse
	MessageID string `json:"messageId"`
	State     string `json:"state"`
}

// RoomStateRequest reads a room's lifecycle state and transition log.
type RoomStateRequest struct {
	BaseRequest
	RoomID string `json:"roomId"`
}

// RoomStateResponse carries the state and the most recent log lines.
type RoomStateResponse struct {
	BaseResponse
	RoomID string   `json:"roomId"`
	State  string   `json:"state"`
	Log    []string `json:"log"`
}

// ---- PROFILE ----

// SettingsInfo mirrors the persisted user settings.
type SettingsInfo struct {
	Language      string    `json:"language"`
	Persona       string    `json:"persona"`
	RiskProfile   string    `json:"riskProfile"`
	Notifications bool      `json:"notifications"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SettingsGetRequest reads the caller's settings.
type SettingsGetRequest struct {
	BaseRequest
}

// SettingsGetResponse returns the caller's settings (defaults if none).
type SettingsGetResponse struct {
	BaseResponse
	Settings SettingsInfo `json:"settings"`
}

// SettingsUpdateRequest patches settings; nil fields are left unchanged.
type SettingsUpdateRequest struct {
	BaseRequest
	Language      *string `json:"language,omitempty"`
	Persona       *string `json:"persona,omitempty"`
	RiskProfile   *string `json:"riskProfile,omitempty"`
	Notifications *bool   `json:"notifications,omitempty"`
}

// SettingsUpdateResponse returns the settings after the update.
type SettingsUpdateResponse struct {
	BaseResponse
	Settings SettingsInfo `json:"settings"`
}

// ---- STREAM ----

// StreamDone terminates a token stream.
const StreamDone = "[DONE]"

// StreamRequest is the first frame a client sends on the stream channel.
type StreamRequest struct {
	AccessToken string `json:"accessToken"`
	RoomID      string `json:"roomId"`
	Content     string `json:"content"`
}
