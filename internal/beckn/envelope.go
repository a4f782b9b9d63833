// Package beckn defines the protocol envelope exchanged between network
// participants: the context header block, the message payload, and the
// ACK/NACK reply shapes with their standard error codes.
package beckn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampFormat is the wire format for context timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Context is the header block inside every protocol envelope. It carries
// routing and identity fields; the registry and gateway never look past it.
type Context struct {
	Domain        string `json:"domain"`
	Country       string `json:"country"`
	City          string `json:"city"`
	Action        string `json:"action"`
	CoreVersion   string `json:"core_version,omitempty"`
	BapID         string `json:"bap_id"`
	BapURI        string `json:"bap_uri"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	Timestamp     string `json:"timestamp"`
	TTL           string `json:"ttl,omitempty"`
}

// Envelope is a protocol request or callback: a context plus an
// action-specific message body that the core never interprets.
type Envelope struct {
	Context Context         `json:"context"`
	Message json.RawMessage `json:"message,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewContext builds an outgoing context with fresh transaction and message
// identifiers and the current UTC timestamp.
func NewContext(domain, country, city, action, bapID, bapURI string) Context {
	return Context{
		Domain:        domain,
		Country:       country,
		City:          city,
		Action:        action,
		CoreVersion:   "1.2.0",
		BapID:         bapID,
		BapURI:        bapURI,
		TransactionID: uuid.NewString(),
		MessageID:     uuid.NewString(),
		Timestamp:     time.Now().UTC().Format(TimestampFormat),
	}
}

// ParseEnvelope decodes raw JSON into an Envelope without validating it.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// Validate checks that the mandatory context fields are present and
// well-typed and that the action matches the endpoint being served.
func (c *Context) Validate(expectedAction string) error {
	type field struct {
		val, name string
	}
	for _, f := range []field{
		{c.Action, "action"},
		{c.Domain, "domain"},
		{c.Country, "country"},
		{c.City, "city"},
		{c.TransactionID, "transaction_id"},
		{c.MessageID, "message_id"},
		{c.BapID, "bap_id"},
		{c.BapURI, "bap_uri"},
		{c.Timestamp, "timestamp"},
	} {
		if f.val == "" {
			return fmt.Errorf("context.%s is required", f.name)
		}
	}
	if c.Action != expectedAction {
		return fmt.Errorf("context.action %q does not match endpoint %q", c.Action, expectedAction)
	}
	if _, err := time.Parse(time.RFC3339, c.Timestamp); err != nil {
		return fmt.Errorf("context.timestamp: %w", err)
	}
	return nil
}

// IsCallback reports whether action is an asynchronous on_* callback.
func IsCallback(action string) bool {
	return len(action) > 3 && action[:3] == "on_"
}

// CallbackOf returns the on_* mirror of a forward action.
func CallbackOf(action string) string {
	if IsCallback(action) {
		return action
	}
	return "on_" + action
}

// Actions is the forward action set a seller-side adapter serves.
var Actions = []string{
	"search", "select", "init", "confirm", "status",
	"track", "cancel", "update", "rating", "support",
}

// ValidAction reports whether action is one of the forward actions.
func ValidAction(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}
