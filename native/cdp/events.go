package cdp

import (
	"strconv"

	"microstable/core/types"
)

const (
	TypeDeposited  = "cdp.deposited"
	TypeMinted     = "cdp.minted"
	TypeWithdrawn  = "cdp.withdrawn"
	TypeRepaid     = "cdp.repaid"
	TypeClosed     = "cdp.closed"
	TypeLiquidated = "cdp.liquidated"
)

type cdpEvent struct {
	evt *types.Event
}

func (e cdpEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e cdpEvent) Event() *types.Event { return e.evt }

func newEvent(kind string, r Receipt, extra map[string]string) cdpEvent {
	attrs := map[string]string{
		"operation":  r.Operation,
		"owner":      r.Owner.String(),
		"collateral": strconv.FormatUint(r.Collateral, 10),
		"debt":       strconv.FormatUint(r.Debt, 10),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return cdpEvent{evt: &types.Event{Type: kind, Attributes: attrs}}
}

// receiptEvents expands a receipt into the events it implies, in the order
// the effects happened.
func receiptEvents(r Receipt) []cdpEvent {
	var out []cdpEvent
	amount := func(v uint64) map[string]string {
		return map[string]string{"amount": strconv.FormatUint(v, 10)}
	}
	if r.Operation == OpLiquidate {
		out = append(out, newEvent(TypeLiquidated, r, map[string]string{
			"liquidator": r.Actor.String(),
			"repaid":     strconv.FormatUint(r.Burned, 10),
			"seized":     strconv.FormatUint(r.CollateralOut, 10),
		}))
	} else {
		if r.CollateralIn > 0 {
			out = append(out, newEvent(TypeDeposited, r, amount(r.CollateralIn)))
		}
		if r.Minted > 0 {
			out = append(out, newEvent(TypeMinted, r, amount(r.Minted)))
		}
		if r.Burned > 0 {
			out = append(out, newEvent(TypeRepaid, r, amount(r.Burned)))
		}
		if r.CollateralOut > 0 {
			out = append(out, newEvent(TypeWithdrawn, r, amount(r.CollateralOut)))
		}
	}
	if r.Closed {
		out = append(out, newEvent(TypeClosed, r, nil))
	}
	return out
}
