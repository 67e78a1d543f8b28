// Package services implements the ACCOUNT, CHAT and PROFILE templates: the
// business logic behind every protocol message type. This file centralizes
// the service-level error values so handlers return them consistently.
//
// Every value carries a wire code (protocol.Error); the template dispatcher
// copies that code and the client-safe message into the response.
// Infrastructure failures are translated with translate so clients see
// Unavailable or Timeout instead of a generic failure.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-finassist-backend/internal/cache"
	"github.com/tbourn/go-finassist-backend/internal/database"
	"github.com/tbourn/go-finassist-backend/internal/lock"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
)

// Account errors.
var (
	// ErrBadCredentials is returned when the password does not match the
	// stored hash.
	ErrBadCredentials = protocol.Errorf(protocol.NotAuthorized, "invalid account or password")

	// ErrMissingCredentials is returned when login omits the account id or
	// the password.
	ErrMissingCredentials = protocol.Errorf(protocol.InvalidArgument, "accountId and password are required")
)

// Chat errors.
var (
	// ErrRoomNotFound indicates that the room does not exist or is not
	// owned by the caller.
	ErrRoomNotFound = protocol.Errorf(protocol.RoomNotFound, "room not found")

	// ErrRoomNotActive is returned when writing into a room being deleted.
	ErrRoomNotActive = protocol.Errorf(protocol.RoomNotActive, "room is not active")

	// ErrEmptyContent is returned for a message without content.
	ErrEmptyContent = protocol.Errorf(protocol.InvalidArgument, "content is empty")

	// ErrTooLong is returned when content exceeds the configured rune limit.
	ErrTooLong = protocol.Errorf(protocol.MessageTooLong, "content too long")

	// ErrMessageNotFound indicates that the message does not exist in the
	// room.
	ErrMessageNotFound = protocol.Errorf(protocol.MessageNotFound, "message not found")

	// ErrMissingRoom is returned when a chat request names no room.
	ErrMissingRoom = protocol.Errorf(protocol.InvalidArgument, "roomId is required")

	// ErrStateConflict is returned when a new room or message id already
	// has a state.
	ErrStateConflict = protocol.Errorf(protocol.InvalidTransition, "state already exists")
)

// Profile errors.
var (
	// ErrInvalidLanguage is returned for a language that is not a valid
	// BCP 47 tag.
	ErrInvalidLanguage = protocol.Errorf(protocol.SettingsInvalid, "language must be a BCP 47 tag")

	// ErrInvalidRiskProfile is returned for an unknown risk profile.
	ErrInvalidRiskProfile = protocol.Errorf(protocol.SettingsInvalid, "riskProfile must be conservative, moderate or aggressive")

	// ErrInvalidPersona is returned for an empty or oversized persona.
	ErrInvalidPersona = protocol.Errorf(protocol.SettingsInvalid, "persona must be 1-64 characters")
)

var (
	errUnavailable = protocol.Errorf(protocol.Unavailable, "service temporarily unavailable")
	errTimeout     = protocol.Errorf(protocol.Timeout, "request timed out")
)

// translate maps infrastructure failures to wire errors. Errors that
// already carry a code pass through; anything else stays generic.
func translate(err error) error {
	var pe *protocol.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return err
	case errors.Is(err, database.ErrShardUnavailable), errors.Is(err, database.ErrClosed),
		errors.Is(err, lock.ErrNotAcquired):
		return protocol.Wrap(errUnavailable.Code, errUnavailable.Message, err)
	case errors.Is(err, database.ErrTimeout), errors.Is(err, cache.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.Wrap(errTimeout.Code, errTimeout.Message, err)
	default:
		return err
	}
}

// procError maps a procedure ERROR row onto the wire code it reports.
// Codes outside the taxonomy stay generic.
func procError(err error) error {
	var pe *database.ProcedureError
	if !errors.As(err, &pe) {
		return translate(err)
	}
	code := protocol.Code(pe.Code)
	if pe.Code == 0 || code.String() == fmt.Sprintf("code_%d", pe.Code) {
		return err
	}
	msg := pe.Message
	if msg == "" {
		msg = code.String()
	}
	return protocol.Wrap(code, msg, err)
}
