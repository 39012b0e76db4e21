package clients

import "errors"

var (
	// ErrNoSigner is returned by write calls on a read-only client.
	ErrNoSigner = errors.New("no signer configured on client")

	// ErrReceiptTimeout means the transaction was sent but no receipt showed
	// up within the configured wait.
	ErrReceiptTimeout = errors.New("receipt wait timeout")

	// ErrChainIDMismatch means the RPC endpoint serves a different chain than
	// the one configured.
	ErrChainIDMismatch = errors.New("chain id mismatch")
)
