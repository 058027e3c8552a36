package lending

import (
	"errors"
	"fmt"
	"math/big"
)

// MaxTranches bounds the number of lender slices a single loan may carry.
const MaxTranches = 32

// MaxRepaymentIntervals bounds the schedule length. Repayment computation
// simulates intervals sequentially and the amortization formula raises the
// per-interval growth factor to the interval count, so the count caps the
// cost of a single rate-model call.
const MaxRepaymentIntervals = 1024

// LoanStatus represents the lifecycle states of a loan. Transitions are
// forward-only; terminal states never mutate again.
type LoanStatus uint8

const (
	LoanUninitialized LoanStatus = iota
	LoanActive
	LoanRepaid
	LoanLiquidated
	LoanCollateralLiquidated
)

// Valid reports whether the status value is within the supported range.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanUninitialized, LoanActive, LoanRepaid, LoanLiquidated, LoanCollateralLiquidated:
		return true
	default:
		return false
	}
}

func (s LoanStatus) String() string {
	switch s {
	case LoanUninitialized:
		return "uninitialized"
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanLiquidated:
		return "liquidated"
	case LoanCollateralLiquidated:
		return "collateral_liquidated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// TrancheSpec is one lender's slice of a loan. Order within LoanTerms is
// significant: it fixes the tranche index used for seniority and position
// token identity.
type TrancheSpec struct {
	// Lender funds the tranche and receives the minted position.
	Lender [20]byte
	// Amount is the tranche principal in native currency units.
	Amount *big.Int
	// Rate is the per-second interest rate scaled by 1e18.
	Rate *big.Int
}

// Clone returns a deep copy of the tranche spec.
func (t TrancheSpec) Clone() TrancheSpec {
	clone := TrancheSpec{Lender: t.Lender}
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	}
	if t.Rate != nil {
		clone.Rate = new(big.Int).Set(t.Rate)
	}
	return clone
}

// FeeSpec groups the fixed fees charged over a loan's life, in native
// currency units.
type FeeSpec struct {
	// OriginationFee is deducted from the principal paid to the borrower.
	OriginationFee *big.Int
	// ExitFee is charged on top of the final repayment.
	ExitFee *big.Int
}

// Clone returns a deep copy of the fee spec.
func (f FeeSpec) Clone() FeeSpec {
	clone := FeeSpec{}
	if f.OriginationFee != nil {
		clone.OriginationFee = new(big.Int).Set(f.OriginationFee)
	}
	if f.ExitFee != nil {
		clone.ExitFee = new(big.Int).Set(f.ExitFee)
	}
	return clone
}

// LoanTerms fully determines a loan's identity. The struct is treated as
// immutable once hashed: two identical term sets on the same chain collide to
// the same loan on purpose, so a second borrow against them must fail.
type LoanTerms struct {
	// Expiration is the offer validity deadline (unix seconds).
	Expiration int64
	// Borrower is the only address authorized to call Borrow.
	Borrower [20]byte
	// CurrencyToken denominates principal, interest and fees.
	CurrencyToken [20]byte
	// CollateralToken and CollateralTokenID identify the pledged asset.
	CollateralToken   [20]byte
	CollateralTokenID *big.Int
	// Duration is the loan length in seconds; RepaymentInterval must divide
	// it evenly.
	Duration          uint64
	RepaymentInterval uint64
	// RateModel identifies the pluggable interest logic by address.
	RateModel [20]byte
	// GracePeriodRate is the per-second penalty rate (1e18 scaled) applied
	// after a missed deadline, capped by GracePeriodDuration seconds.
	GracePeriodRate     *big.Int
	GracePeriodDuration uint64
	// Fees are the fixed origination/exit charges.
	Fees FeeSpec
	// Tranches lists the lender slices in seniority order.
	Tranches []TrancheSpec
	// CollateralContext carries an opaque collateral-bundle proof.
	CollateralContext []byte
	// Options reserves room for forward-compatible extensions.
	Options []byte
}

// Clone returns a deep copy of the loan terms so callers can safely mutate
// the copy without affecting stored instances.
func (t *LoanTerms) Clone() *LoanTerms {
	if t == nil {
		return nil
	}
	clone := *t
	if t.CollateralTokenID != nil {
		clone.CollateralTokenID = new(big.Int).Set(t.CollateralTokenID)
	}
	if t.GracePeriodRate != nil {
		clone.GracePeriodRate = new(big.Int).Set(t.GracePeriodRate)
	}
	clone.Fees = t.Fees.Clone()
	if t.Tranches != nil {
		clone.Tranches = make([]TrancheSpec, len(t.Tranches))
		for i := range t.Tranches {
			clone.Tranches[i] = t.Tranches[i].Clone()
		}
	}
	clone.CollateralContext = append([]byte(nil), t.CollateralContext...)
	clone.Options = append([]byte(nil), t.Options...)
	return &clone
}

// Principal sums the tranche amounts in native currency units.
func (t *LoanTerms) Principal() *big.Int {
	total := new(big.Int)
	if t == nil {
		return total
	}
	for _, tranche := range t.Tranches {
		if tranche.Amount != nil {
			total.Add(total, tranche.Amount)
		}
	}
	return total
}

// LoanState is the mutable per-loan registry row. Balance is stored in the
// 18-decimal internal unit regardless of the currency's native decimals.
type LoanState struct {
	Status            LoanStatus
	Maturity          int64
	RepaymentDeadline int64
	Balance           *big.Int
}

// Clone returns a deep copy of the loan state.
func (s *LoanState) Clone() *LoanState {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Balance != nil {
		clone.Balance = new(big.Int).Set(s.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}

// Position is the transferable ownership token for one tranche of one loan.
// Ownership is the authoritative "who gets repaid" pointer and may diverge
// from the lender that originally funded the tranche.
type Position struct {
	TokenID      [32]byte
	LoanID       [32]byte
	TrancheIndex uint32
	Owner        [20]byte
}

// FundingSource selects how a tranche is funded during Borrow.
type FundingSource uint8

const (
	// FundDirect pulls the tranche amount straight from the lender, gated on
	// a recoverable signature over the loan's signable digest.
	FundDirect FundingSource = iota
	// FundEscrow withdraws the tranche contribution from a pre-staged escrow
	// deposit, optionally swapping on the way out.
	FundEscrow
)

// DepositInfo describes one tranche's funding path, supplied alongside Borrow
// in tranche order.
type DepositInfo struct {
	Source FundingSource
	// EscrowID identifies the staged deposit when Source is FundEscrow.
	EscrowID [32]byte
	// SwapInstructions are forwarded opaquely to the escrow's swap adapter.
	SwapInstructions []byte
	// LenderSignature is the 65-byte recoverable signature authorizing a
	// direct pull. Ignored for escrow-funded tranches.
	LenderSignature []byte
}

// ErrInvalidTerms is the root of the terms-validation error taxonomy; every
// rejection wraps it with the failing rule.
var ErrInvalidTerms = errors.New("lending: invalid loan terms")

func invalidTerms(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidTerms, reason)
}

var zeroAddress [20]byte

// ValidateTerms checks the structural rules a loan offer must satisfy before
// it can be hashed, signed or borrowed against.
func ValidateTerms(terms *LoanTerms, now int64) error {
	if terms == nil {
		return invalidTerms("nil terms")
	}
	if terms.Expiration <= now {
		return invalidTerms("offer expired")
	}
	if terms.Borrower == zeroAddress {
		return invalidTerms("zero borrower address")
	}
	if terms.CurrencyToken == zeroAddress {
		return invalidTerms("zero currency token")
	}
	if terms.CollateralToken == zeroAddress {
		return invalidTerms("zero collateral token")
	}
	if terms.Duration == 0 {
		return invalidTerms("zero duration")
	}
	if terms.RepaymentInterval == 0 {
		return invalidTerms("zero repayment interval")
	}
	if terms.Duration%terms.RepaymentInterval != 0 {
		return invalidTerms("repayment interval does not divide duration")
	}
	if terms.Duration/terms.RepaymentInterval > MaxRepaymentIntervals {
		return invalidTerms(fmt.Sprintf("interval count exceeds %d", MaxRepaymentIntervals))
	}
	if terms.GracePeriodDuration > terms.RepaymentInterval {
		return invalidTerms("grace period exceeds repayment interval")
	}
	if terms.RateModel == zeroAddress {
		return invalidTerms("missing rate model")
	}
	if len(terms.Tranches) == 0 || len(terms.Tranches) > MaxTranches {
		return invalidTerms(fmt.Sprintf("tranche count must be within [1,%d]", MaxTranches))
	}
	for i, tranche := range terms.Tranches {
		if tranche.Lender == zeroAddress {
			return invalidTerms(fmt.Sprintf("tranche %d: zero lender", i))
		}
		if tranche.Amount == nil || tranche.Amount.Sign() <= 0 {
			return invalidTerms(fmt.Sprintf("tranche %d: amount must be positive", i))
		}
		if tranche.Rate == nil || tranche.Rate.Sign() <= 0 {
			return invalidTerms(fmt.Sprintf("tranche %d: rate must be positive", i))
		}
	}
	return nil
}
