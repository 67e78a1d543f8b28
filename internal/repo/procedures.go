// This file holds the Go implementations of the stored procedures, used when
// the database service runs on sqlite (LOCAL environment and tests). On
// MySQL the procedures of the same name live in the schema and these
// functions are never called.
//
// Each procedure answers with at least one row whose "result" column is
// SUCCESS, EXISTS or ERROR; ERROR rows carry ErrorCode and ErrorMessage.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/domain"
)

// Procedure names.
const (
	ProcUserLogin         = "fp_user_login"
	ProcChatRoomCreate    = "fp_chat_room_create"
	ProcChatRoomDelete    = "fp_chat_room_delete"
	ProcChatMessageSave   = "fp_chat_message_batch_save"
	ProcChatMessageDelete = "fp_chat_message_delete"
)

// Procedure error codes reported in the ErrorCode column.
const (
	ProcCodeBadParams     = 1007
	ProcCodeRoomNotFound  = 6001
	ProcCodeMessageAbsent = 6005
	ProcCodeUnavailable   = 1009
)

// RegisterProcedures installs the local procedure set on svc.
func RegisterProcedures(svc *database.Service) {
	svc.RegisterProcedure(ProcUserLogin, procUserLogin)
	svc.RegisterProcedure(ProcChatRoomCreate, procChatRoomCreate)
	svc.RegisterProcedure(ProcChatRoomDelete, procChatRoomDelete)
	svc.RegisterProcedure(ProcChatMessageSave, procChatMessageSave)
	svc.RegisterProcedure(ProcChatMessageDelete, procChatMessageDelete)
}

func resultRow(result string, extra database.Row) database.Rows {
	r := database.Row{"result": result}
	for k, v := range extra {
		r[k] = v
	}
	return database.Rows{r}
}

func errorRow(code int, msg string) database.Rows {
	return database.Rows{{"result": database.ResultError, "ErrorCode": code, "ErrorMessage": msg}}
}

type params []any

func (p params) str(i int) string {
	if i >= len(p) || p[i] == nil {
		return ""
	}
	switch v := p[i].(type) {
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (p params) num(i int) int64 {
	if i >= len(p) || p[i] == nil {
		return 0
	}
	switch v := p[i].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		n, _ := strconv.ParseInt(p.str(i), 10, 64)
		return n
	}
}

// procUserLogin(account_id, password_hash_for_new_account)
//
// Returns the account row; an unknown account_id is registered on an active
// shard with the supplied hash (created=1).
func procUserLogin(ctx context.Context, db *gorm.DB, in []any) (database.Rows, error) {
	p := params(in)
	accountID := p.str(0)
	if accountID == "" {
		return errorRow(ProcCodeBadParams, "account_id is required"), nil
	}
	created := 0
	a, err := GetAccount(ctx, db, accountID)
	if errors.Is(err, ErrNotFound) {
		a, err = CreateAccount(ctx, db, accountID, p.str(1))
		created = 1
	}
	if errors.Is(err, ErrNoActiveShard) {
		return errorRow(ProcCodeUnavailable, err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return resultRow(database.ResultSuccess, database.Row{
		"account_db_key": a.AccountDBKey,
		"account_id":     a.AccountID,
		"shard_id":       a.ShardID,
		"password_hash":  a.PasswordHash,
		"created":        created,
	}), nil
}

// procChatRoomCreate(room_id, owner_account_db_key, shard_id, title, ai_persona)
func procChatRoomCreate(ctx context.Context, db *gorm.DB, in []any) (database.Rows, error) {
	p := params(in)
	room := &domain.ChatRoom{
		RoomID:            p.str(0),
		OwnerAccountDBKey: p.num(1),
		ShardID:           int(p.num(2)),
		Title:             p.str(3),
		AIPersona:         p.str(4),
	}
	if room.RoomID == "" || room.OwnerAccountDBKey == 0 {
		return errorRow(ProcCodeBadParams, "room_id and owner are required"), nil
	}
	if room.Title == "" {
		room.Title = "New chat"
	}
	created, err := CreateRoom(ctx, db, room)
	if err != nil {
		return nil, err
	}
	if !created {
		return resultRow(database.ResultExists, database.Row{"room_id": room.RoomID}), nil
	}
	return resultRow(database.ResultSuccess, database.Row{"room_id": room.RoomID}), nil
}

// procChatRoomDelete(room_id, owner_account_db_key)
func procChatRoomDelete(ctx context.Context, db *gorm.DB, in []any) (database.Rows, error) {
	p := params(in)
	err := SoftDeleteRoom(ctx, db, p.str(0), p.num(1))
	if errors.Is(err, ErrNotFound) {
		return errorRow(ProcCodeRoomNotFound, "room not found"), nil
	}
	if err != nil {
		return nil, err
	}
	return resultRow(database.ResultSuccess, nil), nil
}

// procChatMessageSave(message_id, room_id, account_db_key, sender, content,
// metadata_json, parent_message_id, sequence_in_room)
//
// A message_id that is already stored answers EXISTS.
func procChatMessageSave(ctx context.Context, db *gorm.DB, in []any) (database.Rows, error) {
	p := params(in)
	m := &domain.ChatMessage{
		MessageID:      p.str(0),
		RoomID:         p.str(1),
		AccountDBKey:   p.num(2),
		Sender:         p.str(3),
		Content:        p.str(4),
		Metadata:       p.str(5),
		SequenceInRoom: p.num(7),
	}
	if parent := p.str(6); parent != "" {
		m.ParentMessageID = &parent
	}
	if m.MessageID == "" || m.RoomID == "" {
		return errorRow(ProcCodeBadParams, "message_id and room_id are required"), nil
	}
	var n int64
	if err := db.WithContext(ctx).Model(&domain.ChatRoom{}).Where("room_id = ?", m.RoomID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return errorRow(ProcCodeRoomNotFound, "room not found"), nil
	}
	created, err := SaveMessage(ctx, db, m)
	if err != nil {
		return nil, err
	}
	if !created {
		return resultRow(database.ResultExists, database.Row{"message_id": m.MessageID}), nil
	}
	return resultRow(database.ResultSuccess, database.Row{"message_id": m.MessageID}), nil
}

// procChatMessageDelete(room_id, message_id)
func procChatMessageDelete(ctx context.Context, db *gorm.DB, in []any) (database.Rows, error) {
	p := params(in)
	err := SoftDeleteMessage(ctx, db, p.str(0), p.str(1))
	if errors.Is(err, ErrNotFound) {
		return errorRow(ProcCodeMessageAbsent, "message not found"), nil
	}
	if err != nil {
		return nil, err
	}
	return resultRow(database.ResultSuccess, nil), nil
}
