package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitwit/autopay/types"
	"github.com/vitwit/autopay/utils"
)

// NewWebhook serializes p and wraps it in a pending webhook addressed to the
// payload's merchant. An empty p.ID gets a fresh one. Addresses in the body
// are rendered in checksum form.
func NewWebhook(p types.WebhookPayload) (*types.Webhook, error) {
	if p.ID == "" {
		p.ID = utils.NewID()
	}
	if p.Type == "" {
		return nil, fmt.Errorf("webhook payload type is required")
	}
	merchantKey := strings.ToLower(strings.TrimSpace(p.Merchant))
	p.Payer = utils.ChecksumAddress(strings.TrimSpace(p.Payer))
	p.Merchant = utils.ChecksumAddress(strings.TrimSpace(p.Merchant))
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Type, err)
	}
	return &types.Webhook{
		ID:              p.ID,
		PolicyID:        p.PolicyID,
		ChainID:         p.ChainID,
		ChargeID:        p.ChargeID,
		MerchantAddress: merchantKey,
		EventType:       p.Type,
		Payload:         body,
		Status:          types.WebhookPending,
		NextAttemptAt:   p.CreatedAt,
		CreatedAt:       p.CreatedAt,
	}, nil
}
