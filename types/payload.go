package types

import "time"

// WebhookPayload is the JSON body delivered to merchants. Optional fields are
// omitted for events they do not apply to.
type WebhookPayload struct {
	ID              string       `json:"id"`
	Type            WebhookEvent `json:"type"`
	CreatedAt       time.Time    `json:"createdAt"`
	ChainID         int64        `json:"chainId"`
	PolicyID        string       `json:"policyId"`
	ChargeID        string       `json:"chargeId,omitempty"`
	Payer           string       `json:"payer"`
	Merchant        string       `json:"merchant"`
	Amount          string       `json:"amount,omitempty"`
	AmountFormatted string       `json:"amountFormatted,omitempty"`
	ProtocolFee     string       `json:"protocolFee,omitempty"`
	TxHash          string       `json:"txHash,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	Interval        int64        `json:"interval,omitempty"`
	MetadataURL     string       `json:"metadataUrl,omitempty"`
}
