// Package retry decides whether a failure is worth retrying and how long to
// wait before the next attempt. Everything here is pure.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies a charge failure.
type Kind int

const (
	// Retryable failures are transient infrastructure errors.
	Retryable Kind = iota
	// Permanent failures will not succeed by trying again.
	Permanent
)

func (k Kind) String() string {
	if k == Retryable {
		return "retryable"
	}
	return "permanent"
}

// Error message fragments that mark transient infrastructure failures.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"network",
	"temporarily unavailable",
	"too many requests",
	"rate limit",
	"429",
	"503",
	"502",
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"already known",
	"header not found",
}

// Fragments that mark business or protocol failures. They are checked first,
// so "execution reverted: insufficient balance" is never retried.
var permanentFragments = []string{
	"revert",
	"insufficient",
	"policy not active",
	"not active",
	"too soon",
	"invalid opcode",
	"out of gas",
}

// Classify maps an error to Retryable or Permanent. Unknown errors are
// permanent so a charge never loops forever on an unexplained failure.
func Classify(err error) Kind {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage applies the fragment rules to an error string.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, f := range permanentFragments {
		if strings.Contains(lower, f) {
			return Permanent
		}
	}
	for _, f := range retryableFragments {
		if strings.Contains(lower, f) {
			return Retryable
		}
	}
	return Permanent
}

// IsRetryable is shorthand for Classify(err) == Retryable.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == Retryable
}

// Reason fragments the contract uses for balance or allowance shortfalls.
// TODO: switch to decoding custom errors once the contract exposes them.
var softFailureFragments = []string{
	"insufficient",
	"allowance",
	"balance",
}

// IsSoftFailureReason reports whether a canCharge or ChargeFailed reason
// describes a payer funding problem rather than a protocol failure.
func IsSoftFailureReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, f := range softFailureFragments {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
