package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/autopay/types"
)

var validate = validator.New()

// ValidateStruct runs struct tag validation and wraps failures as
// INVALID_CONFIG errors.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return &types.AutopayError{
			Code:    types.ErrInvalidConfig,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}
	return nil
}

// ParseMerchant parses and validates a Merchant from JSON. The secret is read
// from the "webhookSecret" key since Merchant hides it from marshalling.
func ParseMerchant(data []byte) (*types.Merchant, error) {
	var raw struct {
		types.Merchant
		WebhookSecret string `json:"webhookSecret"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &types.AutopayError{
			Code:    types.ErrInvalidConfig,
			Message: fmt.Sprintf("failed to parse merchant: %v", err),
		}
	}
	m := raw.Merchant
	m.WebhookSecret = raw.WebhookSecret
	if err := ValidateStruct(&m); err != nil {
		return nil, err
	}
	m.Address = NormalizeAddress(m.Address)
	return &m, nil
}
