package protocol

// BaseRequest is the envelope embedded in every request.
type BaseRequest struct {
	AccessToken string `json:"accessToken"`
	Sequence    int64  `json:"sequence"`
}

// Envelope gives the dispatcher access to the embedded envelope.
func (b *BaseRequest) Envelope() *BaseRequest { return b }

// Request is implemented by every request type through BaseRequest.
type Request interface {
	Envelope() *BaseRequest
}

// BaseResponse is the envelope embedded in every response.
type BaseResponse struct {
	ErrorCode Code   `json:"errorCode"`
	Sequence  int64  `json:"sequence"`
	Message   string `json:"message,omitempty"`
}

// Base gives the dispatcher access to the embedded envelope.
func (b *BaseResponse) Base() *BaseResponse { return b }

// SetError copies the code and client-safe message of err.
func (b *BaseResponse) SetError(err error) {
	b.ErrorCode = CodeOf(err)
	b.Message = SafeMessage(err)
}

// Response is implemented by every response type through BaseResponse.
type Response interface {
	Base() *BaseResponse
}

// ErrorResponse is the body sent when no typed response could be built.
type ErrorResponse struct {
	BaseResponse
}

// NewErrorResponse builds an ErrorResponse for err.
func NewErrorResponse(err error, seq int64) *ErrorResponse {
	r := &ErrorResponse{}
	r.SetError(err)
	r.Sequence = seq
	return r
}
