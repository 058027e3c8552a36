package events

import (
	"encoding/hex"
	"math/big"

	"tranchelend/core/types"
)

const (
	// TypeEscrowDeposited is emitted when a lender pre-stages funds.
	TypeEscrowDeposited = "escrow.deposited"
	// TypeEscrowCancelled is emitted when a depositor reclaims staged funds.
	TypeEscrowCancelled = "escrow.cancelled"
	// TypeEscrowWithdrawn is emitted when staged funds leave the escrow, with
	// or without a token swap on the way out.
	TypeEscrowWithdrawn = "escrow.withdrawn"
)

// EscrowDeposited captures a new escrow deposit.
type EscrowDeposited struct {
	ID        [32]byte
	Depositor [20]byte
	Token     [20]byte
	Amount    *big.Int
	UnlockAt  int64
}

// EventType satisfies the events.Event interface.
func (EscrowDeposited) EventType() string { return TypeEscrowDeposited }

// Event converts the payload into a wire-friendly representation.
func (e EscrowDeposited) Event() *types.Event {
	attrs := map[string]string{
		"id":        withHexPrefix(e.ID[:]),
		"depositor": hex.EncodeToString(e.Depositor[:]),
		"token":     hex.EncodeToString(e.Token[:]),
		"unlockAt":  itoa(e.UnlockAt),
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	return &types.Event{Type: TypeEscrowDeposited, Attributes: attrs}
}

// EscrowCancelled captures a deposit returned to its owner.
type EscrowCancelled struct {
	ID        [32]byte
	Depositor [20]byte
}

// EventType satisfies the events.Event interface.
func (EscrowCancelled) EventType() string { return TypeEscrowCancelled }

// Event converts the payload into a wire-friendly representation.
func (e EscrowCancelled) Event() *types.Event {
	return &types.Event{Type: TypeEscrowCancelled, Attributes: map[string]string{
		"id":        withHexPrefix(e.ID[:]),
		"depositor": hex.EncodeToString(e.Depositor[:]),
	}}
}

// EscrowWithdrawn captures staged funds leaving the escrow.
type EscrowWithdrawn struct {
	ID        [32]byte
	Recipient [20]byte
	Token     [20]byte
	AmountOut *big.Int
	Swapped   bool
}

// EventType satisfies the events.Event interface.
func (EscrowWithdrawn) EventType() string { return TypeEscrowWithdrawn }

// Event converts the payload into a wire-friendly representation.
func (e EscrowWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"id":        withHexPrefix(e.ID[:]),
		"recipient": hex.EncodeToString(e.Recipient[:]),
		"token":     hex.EncodeToString(e.Token[:]),
	}
	if e.AmountOut != nil {
		attrs["amountOut"] = e.AmountOut.String()
	}
	if e.Swapped {
		attrs["swapped"] = "true"
	}
	return &types.Event{Type: TypeEscrowWithdrawn, Attributes: attrs}
}
