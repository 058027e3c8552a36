package events

import (
	"encoding/hex"
	"math/big"
	"strings"

	"tranchelend/core/types"
)

const (
	// TypeLoanOriginated is emitted once a loan transitions to active and the
	// borrower has received the pooled principal.
	TypeLoanOriginated = "lending.loan_originated"
	// TypeLoanRepayment is emitted for every successful repayment, full or
	// partial.
	TypeLoanRepayment = "lending.loan_repayment"
	// TypeLoanRepaid is emitted when the outstanding balance reaches zero and
	// the collateral is returned to the borrower.
	TypeLoanRepaid = "lending.loan_repaid"
	// TypeLoanLiquidated is emitted when collateral is handed to the
	// liquidator after the grace period elapsed.
	TypeLoanLiquidated = "lending.loan_liquidated"
	// TypeCollateralLiquidated is emitted when liquidation proceeds have been
	// distributed across the tranches.
	TypeCollateralLiquidated = "lending.collateral_liquidated"
	// TypeDistributionFailed is emitted when a single recipient transfer
	// failed and the amount was redirected to the fee recipient.
	TypeDistributionFailed = "lending.distribution_failed"
	// TypeHookFailed is emitted when a position holder's notification hook
	// panicked, errored or exceeded its budget.
	TypeHookFailed = "lending.hook_failed"
)

// LoanOriginated captures the origination of a loan across its tranches.
type LoanOriginated struct {
	LoanID    [32]byte
	Borrower  [20]byte
	Principal *big.Int
	Tranches  uint32
	Maturity  int64
	Deadline  int64
}

// EventType satisfies the events.Event interface.
func (LoanOriginated) EventType() string { return TypeLoanOriginated }

// Event converts the payload into a wire-friendly representation.
func (e LoanOriginated) Event() *types.Event {
	attrs := map[string]string{
		"loanId":   withHexPrefix(e.LoanID[:]),
		"borrower": hex.EncodeToString(e.Borrower[:]),
		"tranches": uitoa(uint64(e.Tranches)),
		"maturity": itoa(e.Maturity),
		"deadline": itoa(e.Deadline),
	}
	if e.Principal != nil {
		attrs["principal"] = e.Principal.String()
	}
	return &types.Event{Type: TypeLoanOriginated, Attributes: attrs}
}

// LoanRepayment describes a settled repayment instalment.
type LoanRepayment struct {
	LoanID    [32]byte
	Payer     [20]byte
	Principal *big.Int
	Interest  *big.Int
	Balance   *big.Int
	Deadline  int64
}

// EventType satisfies the events.Event interface.
func (LoanRepayment) EventType() string { return TypeLoanRepayment }

// Event converts the payload into a wire-friendly representation.
func (e LoanRepayment) Event() *types.Event {
	attrs := map[string]string{
		"loanId":   withHexPrefix(e.LoanID[:]),
		"payer":    hex.EncodeToString(e.Payer[:]),
		"deadline": itoa(e.Deadline),
	}
	if e.Principal != nil {
		attrs["principal"] = e.Principal.String()
	}
	if e.Interest != nil {
		attrs["interest"] = e.Interest.String()
	}
	if e.Balance != nil {
		attrs["balance"] = e.Balance.String()
	}
	return &types.Event{Type: TypeLoanRepayment, Attributes: attrs}
}

// LoanRepaid marks a loan whose balance reached zero.
type LoanRepaid struct {
	LoanID   [32]byte
	Borrower [20]byte
}

// EventType satisfies the events.Event interface.
func (LoanRepaid) EventType() string { return TypeLoanRepaid }

// Event converts the payload into a wire-friendly representation.
func (e LoanRepaid) Event() *types.Event {
	return &types.Event{Type: TypeLoanRepaid, Attributes: map[string]string{
		"loanId":   withHexPrefix(e.LoanID[:]),
		"borrower": hex.EncodeToString(e.Borrower[:]),
	}}
}

// LoanLiquidated marks collateral handed over to the external liquidator.
type LoanLiquidated struct {
	LoanID          [32]byte
	CollateralToken [20]byte
	CollateralID    *big.Int
}

// EventType satisfies the events.Event interface.
func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

// Event converts the payload into a wire-friendly representation.
func (e LoanLiquidated) Event() *types.Event {
	attrs := map[string]string{
		"loanId":          withHexPrefix(e.LoanID[:]),
		"collateralToken": hex.EncodeToString(e.CollateralToken[:]),
	}
	if e.CollateralID != nil {
		attrs["collateralId"] = e.CollateralID.String()
	}
	return &types.Event{Type: TypeLoanLiquidated, Attributes: attrs}
}

// CollateralLiquidated records the waterfall distribution of liquidation
// proceeds.
type CollateralLiquidated struct {
	LoanID      [32]byte
	Proceeds    *big.Int
	Distributed *big.Int
	Fee         *big.Int
}

// EventType satisfies the events.Event interface.
func (CollateralLiquidated) EventType() string { return TypeCollateralLiquidated }

// Event converts the payload into a wire-friendly representation.
func (e CollateralLiquidated) Event() *types.Event {
	attrs := map[string]string{"loanId": withHexPrefix(e.LoanID[:])}
	if e.Proceeds != nil {
		attrs["proceeds"] = e.Proceeds.String()
	}
	if e.Distributed != nil {
		attrs["distributed"] = e.Distributed.String()
	}
	if e.Fee != nil {
		attrs["fee"] = e.Fee.String()
	}
	return &types.Event{Type: TypeCollateralLiquidated, Attributes: attrs}
}

// DistributionFailed records a redirected tranche payout after a recipient
// transfer fault.
type DistributionFailed struct {
	LoanID    [32]byte
	Recipient [20]byte
	Amount    *big.Int
	Reason    string
}

// EventType satisfies the events.Event interface.
func (DistributionFailed) EventType() string { return TypeDistributionFailed }

// Event converts the payload into a wire-friendly representation.
func (e DistributionFailed) Event() *types.Event {
	attrs := map[string]string{
		"loanId":    withHexPrefix(e.LoanID[:]),
		"recipient": hex.EncodeToString(e.Recipient[:]),
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: TypeDistributionFailed, Attributes: attrs}
}

// HookFailed records a swallowed notification hook failure.
type HookFailed struct {
	LoanID    [32]byte
	Holder    [20]byte
	Operation string
	Reason    string
}

// EventType satisfies the events.Event interface.
func (HookFailed) EventType() string { return TypeHookFailed }

// Event converts the payload into a wire-friendly representation.
func (e HookFailed) Event() *types.Event {
	attrs := map[string]string{
		"loanId": withHexPrefix(e.LoanID[:]),
		"holder": hex.EncodeToString(e.Holder[:]),
	}
	if op := strings.TrimSpace(e.Operation); op != "" {
		attrs["operation"] = op
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: TypeHookFailed, Attributes: attrs}
}
