package beckn

import (
	"fmt"
	"net/http"
)

// ProtocolError carries an explicit HTTP status and NACK error block through
// the handler chain. The recovery middleware maps anything else to a 500
// CORE-ERROR 20000.
type ProtocolError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Type, e.Code, e.Message)
}

// Nack returns the reply envelope for this error.
func (e *ProtocolError) Nack() Response {
	return Nack(e.Type, e.Code, e.Message)
}

// NewProtocolError builds a ProtocolError. A zero status defaults to 500.
func NewProtocolError(status int, errType, code, message string) *ProtocolError {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &ProtocolError{Status: status, Type: errType, Code: code, Message: message}
}
