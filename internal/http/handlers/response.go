// Package handlers implements the HTTP and websocket endpoints of the
// backend.
//
// Protocol endpoints always answer 200 with a JSON envelope whose errorCode
// carries the outcome (0 on success). Transport failures detected before a
// template handler runs (unknown route, oversized body, rate limit) use the
// matching HTTP status with the same envelope shape. Either way the code is
// mirrored in the X-Error-Code header.
//
// Example:
//
//	HTTP/1.1 200 OK
//	X-Error-Code: 6001
//	{ "errorCode": 6001, "sequence": 4, "message": "room not found" }
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-finassist-backend/internal/http/middleware"
	"github.com/tbourn/go-finassist-backend/internal/protocol"
	"github.com/tbourn/go-finassist-backend/internal/template"
)

const (
	jsonContentType = "application/json; charset=utf-8"
	replayedHeader  = "X-Sequence-Replayed"
)

// ErrorResponse documents the envelope of a failed request.
type ErrorResponse struct {
	ErrorCode int    `json:"errorCode" example:"6001"`
	Sequence  int64  `json:"sequence" example:"4"`
	Message   string `json:"message,omitempty" example:"room not found"`
}

// writeResult sends a dispatch result as produced by the registry.
func writeResult(c *gin.Context, res template.Result) {
	c.Header(middleware.ErrorCodeHeader, strconv.Itoa(int(res.Code)))
	if res.Replayed {
		c.Header(replayedHeader, "true")
	}
	c.Data(http.StatusOK, jsonContentType, res.Body)
}

// fail aborts with an error envelope. Server errors are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, err error) {
	code := protocol.CodeOf(err)
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Err(err).
			Int("status", status).
			Int("error_code", int(code)).
			Msg("api error")
	}
	c.Header(middleware.ErrorCodeHeader, strconv.Itoa(int(code)))
	c.AbortWithStatusJSON(status, protocol.NewErrorResponse(err, 0))
}

// Fail is fail for the router (NoRoute, NoMethod).
func Fail(c *gin.Context, status int, err error) { fail(c, status, err) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
