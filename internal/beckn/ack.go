package beckn

// Error type discriminators used in NACK envelopes.
const (
	TypeContextError = "CONTEXT-ERROR"
	TypePolicyError  = "POLICY-ERROR"
	TypeCoreError    = "CORE-ERROR"
)

// Standard protocol error codes.
const (
	CodeInvalidRequest = "10000"
	CodeAuthFailed     = "10001"
	CodeInternal       = "20000"
	CodeRateLimited    = "30001"
	CodeDuplicate      = "30013"
	CodePolicy         = "30015"
)

// Registry-specific error codes surfaced during the subscription handshake.
const (
	CodeChallengeFailed   = "CHALLENGE_FAILED"
	CodeMissingKey        = "MISSING_KEY"
	CodeOnSubscribeFailed = "ON_SUBSCRIBE_FAILED"
)

// Error is the error block of a NACK envelope.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Status is the ack block of a reply.
type Status struct {
	Status string `json:"status"`
}

type ackMessage struct {
	Ack Status `json:"ack"`
}

// Response is the synchronous reply shape for every protocol endpoint:
// {message:{ack:{status:"ACK"|"NACK"}}} with an optional error block.
type Response struct {
	Message ackMessage `json:"message"`
	Error   *Error     `json:"error,omitempty"`
}

// Ack returns the positive reply envelope.
func Ack() Response {
	return Response{Message: ackMessage{Ack: Status{Status: "ACK"}}}
}

// Nack returns a negative reply envelope with the given error block.
func Nack(errType, code, message string) Response {
	return Response{
		Message: ackMessage{Ack: Status{Status: "NACK"}},
		Error:   &Error{Type: errType, Code: code, Message: message},
	}
}

// IsAck reports whether a decoded reply is a positive acknowledgement.
func (r Response) IsAck() bool {
	return r.Message.Ack.Status == "ACK"
}
