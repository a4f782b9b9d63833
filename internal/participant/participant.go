// Package participant implements the network adapter contract shared by
// buyer-side (BAP) and seller-side (BPP) services: inbound action
// validation, the synchronous ACK discipline, asynchronous signed
// callbacks, and callback correlation against the transaction log.
package participant

// Info identifies the local participant on the network. The values stamp
// outgoing envelope contexts and transaction rows.
type Info struct {
	SubscriberID  string
	SubscriberURL string
	Domain        string
	City          string
	Country       string
	// GatewayURL routes discovery traffic: buyers send search here, and
	// sellers address on_search here instead of the buyer directly. Empty
	// means peer-to-peer delivery.
	GatewayURL string
}
