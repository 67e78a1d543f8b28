package handlers

import "github.com/tbourn/go-finassist-backend/internal/protocol"

// Transport-level failures. Everything past the router is reported by the
// template registry with its own codes.
var (
	ErrRouteNotFound    = protocol.Errorf(protocol.NotFound, "route not found")
	ErrMethodNotAllowed = protocol.Errorf(protocol.NotFound, "method not allowed")
	ErrBodyTooLarge     = protocol.Errorf(protocol.InvalidArgument, "request body too large")
	ErrBodyUnreadable   = protocol.Errorf(protocol.InvalidArgument, "request body could not be read")
	ErrNotReady         = protocol.Errorf(protocol.Unavailable, "service not ready")
	ErrQueueUnavailable = protocol.Errorf(protocol.Unavailable, "queue introspection unavailable")
	ErrBadStreamRequest = protocol.Errorf(protocol.InvalidArgument, "first frame must be a stream request")
)
