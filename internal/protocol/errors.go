// Package protocol defines the JSON wire types shared by every template:
// the request and response envelopes, the error code taxonomy, and the
// typed payload of each operation.
//
// Every request embeds BaseRequest ({accessToken, sequence}) and every
// response embeds BaseResponse ({errorCode, sequence}). errorCode 0 means
// success. Failures travel as *Error values up to the dispatcher, which
// copies the code and a client-safe message into the response.
package protocol

import (
	"errors"
	"fmt"
)

// Code is a wire error code.
type Code int

// Generic codes.
const (
	OK                 Code = 0
	Generic            Code = 1000
	SessionExpired     Code = 1001
	SequenceDuplicated Code = 1002
	SequenceProcess    Code = 1003
	Fatal              Code = 1004
	NotAuthorized      Code = 1005
	NotFound           Code = 1006
	InvalidArgument    Code = 1007
	Timeout            Code = 1008
	Unavailable        Code = 1009
	RateLimited        Code = 1010
)

// CHAT template codes.
const (
	RoomNotFound      Code = 6001
	RoomNotActive     Code = 6002
	MessageTooLong    Code = 6003
	InvalidTransition Code = 6004
	MessageNotFound   Code = 6005
)

// PROFILE template codes.
const (
	SettingsInvalid Code = 7001
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Generic:            "generic",
	SessionExpired:     "session_expired",
	SequenceDuplicated: "sequence_duplicated",
	SequenceProcess:    "sequence_process",
	Fatal:              "fatal",
	NotAuthorized:      "not_authorized",
	NotFound:           "not_found",
	InvalidArgument:    "invalid_argument",
	Timeout:            "timeout",
	Unavailable:        "unavailable",
	RateLimited:        "rate_limited",
	RoomNotFound:       "room_not_found",
	RoomNotActive:      "room_not_active",
	MessageTooLong:     "message_too_long",
	InvalidTransition:  "invalid_transition",
	MessageNotFound:    "message_not_found",
	SettingsInvalid:    "settings_invalid",
}

// String returns the snake_case name of c.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a failure with a wire code. Message is safe to show to clients;
// Cause is kept for logs only.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the wire code carried by err: OK for nil, the code of the
// first *Error in the chain, Generic otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return Generic
}

// SafeMessage returns a message fit for clients. Errors without a wire
// code never expose their text.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return "internal error"
}

// Sentinels shared by the session and sequence layers. Compare with
// errors.Is.
var (
	ErrSessionExpired     = &Error{Code: SessionExpired, Message: "session expired; log in again"}
	ErrSequenceDuplicated = &Error{Code: SequenceDuplicated, Message: "request already in progress"}
	ErrSequenceProcess    = &Error{Code: SequenceProcess, Message: "request is being processed"}
	ErrSequenceFatal      = &Error{Code: Fatal, Message: "sequence out of order"}
	ErrNotAuthorized      = &Error{Code: NotAuthorized, Message: "not authorized"}
)
