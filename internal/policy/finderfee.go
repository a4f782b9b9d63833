package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Finder-fee keys the buyer app must advertise on order establishment.
const (
	finderFeeTypeKey   = "@ondc/org/buyer_app_finder_fee_type"
	finderFeeAmountKey = "@ondc/org/buyer_app_finder_fee_amount"
)

// settlementActions are the establishment actions subject to finder-fee
// validation on the seller side.
var settlementActions = map[string]bool{"select": true, "init": true, "confirm": true}

// RequiresFinderFee reports whether an action is subject to finder-fee
// validation.
func RequiresFinderFee(action string) bool { return settlementActions[action] }

// ValidateFinderFee checks that message.order.payment carries a finder fee
// type of percent or amount and a numeric fee amount. The message is the raw
// envelope message block.
func ValidateFinderFee(message json.RawMessage) error {
	var msg struct {
		Order struct {
			Payment map[string]json.RawMessage `json:"payment"`
		} `json:"order"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("finder fee: unparseable message: %w", err)
	}
	if msg.Order.Payment == nil {
		return fmt.Errorf("finder fee: message.order.payment is required")
	}

	var feeType string
	if raw, ok := msg.Order.Payment[finderFeeTypeKey]; ok {
		_ = json.Unmarshal(raw, &feeType)
	}
	if feeType != "percent" && feeType != "amount" {
		return fmt.Errorf("finder fee: %s must be percent or amount", finderFeeTypeKey)
	}

	raw, ok := msg.Order.Payment[finderFeeAmountKey]
	if !ok {
		return fmt.Errorf("finder fee: %s is required", finderFeeAmountKey)
	}
	// The amount travels as a JSON string or number; both must parse numeric.
	var amount string
	if err := json.Unmarshal(raw, &amount); err != nil {
		var numeric float64
		if err := json.Unmarshal(raw, &numeric); err != nil {
			return fmt.Errorf("finder fee: %s is not numeric", finderFeeAmountKey)
		}
		return nil
	}
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return fmt.Errorf("finder fee: %s is not numeric", finderFeeAmountKey)
	}
	return nil
}
