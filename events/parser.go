package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/vitwit/autopay/contract"
)

// Parse decodes a log into a typed Event. It never fails: logs that are
// foreign, truncated or otherwise undecodable come back as Unrecognized.
func Parse(log gethtypes.Log) (ev Event) {
	meta := Meta{
		Contract:    log.Address,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
	defer func() {
		if r := recover(); r != nil {
			ev = Unrecognized{Log: meta, Err: fmt.Errorf("%w: decode panic: %v", ErrUnrecognized, r)}
		}
	}()

	if len(log.Topics) == 0 {
		return Unrecognized{Log: meta, Err: fmt.Errorf("%w: no topics", ErrUnrecognized)}
	}
	event, err := contract.ABI.EventByID(log.Topics[0])
	if err != nil {
		return Unrecognized{Log: meta, Err: fmt.Errorf("%w: unknown topic %s", ErrUnrecognized, log.Topics[0].Hex())}
	}
	if len(log.Topics) != 4 {
		return Unrecognized{Log: meta, Err: fmt.Errorf("%w: %s with %d topics", ErrUnrecognized, event.Name, len(log.Topics))}
	}
	h := Header{
		Log:      meta,
		PolicyID: log.Topics[1],
		Payer:    common.BytesToAddress(log.Topics[2].Bytes()),
		Merchant: common.BytesToAddress(log.Topics[3].Bytes()),
	}

	fields := map[string]any{}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return Unrecognized{Log: meta, Err: fmt.Errorf("%w: %s data: %v", ErrUnrecognized, event.Name, err)}
	}
	d := decoder{event: event, fields: fields}

	switch event.Name {
	case contract.EventPolicyCreated:
		ev = PolicyCreated{
			Header:       h,
			ChargeAmount: d.bigInt("chargeAmount"),
			SpendingCap:  d.bigInt("spendingCap"),
			Interval:     d.bigInt("interval"),
			MetadataURL:  d.str("metadataUrl"),
		}
	case contract.EventPolicyRevoked:
		ev = PolicyRevoked{Header: h, EndTime: d.bigInt("endTime")}
	case contract.EventChargeSucceeded:
		ev = ChargeSucceeded{
			Header:      h,
			Amount:      d.bigInt("amount"),
			ProtocolFee: d.bigInt("protocolFee"),
		}
	case contract.EventChargeFailed:
		ev = ChargeFailed{Header: h, Reason: d.str("reason")}
	case contract.EventPolicyCancelledByFailure:
		ev = PolicyCancelledByFailure{
			Header:              h,
			ConsecutiveFailures: d.bigInt("consecutiveFailures"),
			EndTime:             d.bigInt("endTime"),
		}
	default:
		return Unrecognized{Log: meta, Err: fmt.Errorf("%w: unhandled event %s", ErrUnrecognized, event.Name)}
	}
	if d.err != nil {
		return Unrecognized{Log: meta, Err: d.err}
	}
	return ev
}

type decoder struct {
	event  *abi.Event
	fields map[string]any
	err    error
}

func (d *decoder) bigInt(name string) *big.Int {
	v, ok := d.fields[name].(*big.Int)
	if !ok {
		d.fail(name)
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (d *decoder) str(name string) string {
	v, ok := d.fields[name].(string)
	if !ok {
		d.fail(name)
	}
	return v
}

func (d *decoder) fail(name string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s field %s has type %T", ErrUnrecognized, d.event.Name, name, d.fields[name])
	}
}
