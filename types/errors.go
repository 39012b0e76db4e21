package types

// AutopayError carries a stable code alongside a human message.
type AutopayError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e AutopayError) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidConfig  = "INVALID_CONFIG"
	ErrNotFound       = "NOT_FOUND"
	ErrChainError     = "CHAIN_ERROR"
	ErrStorageError   = "STORAGE_ERROR"
	ErrInvalidEvent   = "INVALID_EVENT"
	ErrDeliveryFailed = "DELIVERY_FAILED"
)

// NewError builds an AutopayError.
func NewError(code, message string) *AutopayError {
	return &AutopayError{Code: code, Message: message}
}
