// Package gateway implements the discovery gateway: /search fan-out over
// the durable broker, the delivery worker, and the /on_search relay back to
// the originating buyer.
package gateway

import "encoding/json"

// Message is one unit of fan-out work: everything a worker needs to deliver
// a search to a single seller adapter. The original BAP authorization rides
// along for traceability; the worker signs the delivery itself, so no
// private key material ever crosses the broker.
type Message struct {
	BppID            string          `json:"bpp_id"`
	BppURL           string          `json:"bpp_url"`
	Domain           string          `json:"domain"`
	City             string          `json:"city"`
	TransactionID    string          `json:"transaction_id"`
	MessageID        string          `json:"message_id"`
	Body             json.RawMessage `json:"body"`
	BapAuthorization string          `json:"bap_authorization,omitempty"`
}
