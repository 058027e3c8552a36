package lending

import (
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrScheduleQuery rejects repayment computations over inconsistent timing
// inputs (deadline past maturity, missing balance).
var ErrScheduleQuery = errors.New("lending: invalid repayment schedule query")

// RepaymentBreakdown is the output of a rate model: the principal and
// interest due as of the queried instant, split per tranche, plus the number
// of repayment intervals the amounts service. All amounts are in the
// 18-decimal internal unit.
//
// Model output is untrusted by the settlement engine: the per-tranche arrays
// must sum exactly to the totals and the totals are re-checked against the
// funds actually collected before anything is paid out.
type RepaymentBreakdown struct {
	Principal         *big.Int
	Interest          *big.Int
	TranchePrincipal  []*big.Int
	TrancheInterest   []*big.Int
	ServicedIntervals uint64
}

// InterestRateModel computes what a loan owes at a point in time. Models are
// pure and stateless so a single instance serves every loan referencing it.
type InterestRateModel interface {
	Name() string
	Repayment(terms *LoanTerms, balance *big.Int, repaymentDeadline, maturity, asOf int64) (*RepaymentBreakdown, error)
}

// principalFunc computes the principal portion of one simulated interval from
// the running balance, the interest accrued this interval, and the number of
// intervals still outstanding (including the current one).
type principalFunc func(remaining, interest *big.Int, intervalsLeft uint64) *big.Int

// computeRepayment runs the amortization skeleton shared by both models:
// count the intervals pending as of the query instant, simulate them
// sequentially against a running balance, add the capped grace penalty, and
// split the totals across tranches.
func computeRepayment(terms *LoanTerms, balance *big.Int, repaymentDeadline, maturity, asOf int64, principalOf principalFunc) (*RepaymentBreakdown, error) {
	if terms == nil || len(terms.Tranches) == 0 || terms.RepaymentInterval == 0 {
		return nil, ErrScheduleQuery
	}
	if balance == nil || balance.Sign() < 0 || maturity < repaymentDeadline {
		return nil, ErrScheduleQuery
	}

	interval := int64(terms.RepaymentInterval)
	remainingIntervals := uint64(maturity-repaymentDeadline)/terms.RepaymentInterval + 1

	// A repayment is always due for the current interval, even exactly on
	// time; lateness adds one interval per elapsed period, clamped to the
	// schedule's end.
	pending := uint64(1)
	if asOf >= repaymentDeadline {
		pending = minUint64(uint64(asOf-repaymentDeadline)/terms.RepaymentInterval+1, remainingIntervals)
	}

	// The penalty accrues per second past the deadline but never beyond the
	// configured cap, regardless of how late the caller queries.
	graceElapsed := int64(0)
	if asOf >= repaymentDeadline {
		graceElapsed = minInt64(asOf-repaymentDeadline, int64(terms.GracePeriodDuration))
	}

	blended := blendedRate(terms.Tranches)
	rateInterval := new(big.Int).Mul(blended, big.NewInt(interval))

	remaining := cloneBigInt(balance)
	intervalsLeft := remainingIntervals
	totalPrincipal := new(big.Int)
	totalInterest := new(big.Int)
	for k := uint64(0); k < pending; k++ {
		interestK := wadMul(remaining, rateInterval)
		principalK := principalOf(remaining, interestK, intervalsLeft)
		if principalK == nil || principalK.Sign() < 0 {
			principalK = big.NewInt(0)
		}
		if principalK.Cmp(remaining) > 0 {
			principalK = cloneBigInt(remaining)
		}
		totalInterest.Add(totalInterest, interestK)
		totalPrincipal.Add(totalPrincipal, principalK)
		remaining.Sub(remaining, principalK)
		intervalsLeft--
	}

	// The penalty is charged on the full pre-amortization balance so
	// lateness costs the same regardless of the catch-up schedule.
	if graceElapsed > 0 && terms.GracePeriodRate != nil && terms.GracePeriodRate.Sign() > 0 {
		accrual := new(big.Int).Mul(terms.GracePeriodRate, big.NewInt(graceElapsed))
		totalInterest.Add(totalInterest, wadMul(balance, accrual))
	}

	return &RepaymentBreakdown{
		Principal:         totalPrincipal,
		Interest:          totalInterest,
		TranchePrincipal:  splitByAmount(totalPrincipal, terms.Tranches),
		TrancheInterest:   splitByWeight(totalInterest, terms.Tranches),
		ServicedIntervals: pending,
	}, nil
}

// blendedRate is the principal-weighted average per-second rate across all
// tranches. Tranche composition is fixed for a loan, so recomputing per call
// is deterministic.
func blendedRate(tranches []TrancheSpec) *big.Int {
	num := new(big.Int)
	den := new(big.Int)
	for _, tranche := range tranches {
		if tranche.Amount == nil || tranche.Rate == nil {
			continue
		}
		num.Add(num, new(big.Int).Mul(tranche.Rate, tranche.Amount))
		den.Add(den, tranche.Amount)
	}
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return num.Quo(num, den)
}

// splitByAmount allocates a total proportionally to tranche principal. All
// truncation dust lands on tranche index 0: a deterministic, documented
// asymmetry favouring the most senior tranche.
func splitByAmount(total *big.Int, tranches []TrancheSpec) []*big.Int {
	shares := make([]*big.Int, len(tranches))
	totalAmount := new(big.Int)
	for _, tranche := range tranches {
		if tranche.Amount != nil {
			totalAmount.Add(totalAmount, tranche.Amount)
		}
	}
	rest := new(big.Int)
	for i := len(tranches) - 1; i >= 1; i-- {
		share := mulDiv(total, tranches[i].Amount, totalAmount)
		shares[i] = share
		rest.Add(rest, share)
	}
	shares[0] = new(big.Int).Sub(total, rest)
	return shares
}

// splitByWeight allocates a total proportionally to each tranche's share of
// the rate-weighted principal, dust to tranche 0.
func splitByWeight(total *big.Int, tranches []TrancheSpec) []*big.Int {
	shares := make([]*big.Int, len(tranches))
	totalWeight := new(big.Int)
	weights := make([]*big.Int, len(tranches))
	for i, tranche := range tranches {
		w := new(big.Int)
		if tranche.Amount != nil && tranche.Rate != nil {
			w.Mul(tranche.Rate, tranche.Amount)
		}
		weights[i] = w
		totalWeight.Add(totalWeight, w)
	}
	rest := new(big.Int)
	for i := len(tranches) - 1; i >= 1; i-- {
		share := mulDiv(total, weights[i], totalWeight)
		shares[i] = share
		rest.Add(rest, share)
	}
	shares[0] = new(big.Int).Sub(total, rest)
	return shares
}

// Well-known registry addresses for the built-in rate models. Loan terms may
// also reference externally registered models by arbitrary address.
var (
	SimpleModelAddress    = builtinModelAddress("simple")
	AmortizedModelAddress = builtinModelAddress("amortized")
)

func builtinModelAddress(name string) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("tranchelend/model/"+name))[12:])
	return out
}

// SimpleRateModel repays equal principal instalments; the interest portion
// shrinks each period as principal amortizes.
type SimpleRateModel struct{}

// Name satisfies the InterestRateModel interface.
func (SimpleRateModel) Name() string { return "simple" }

// Repayment satisfies the InterestRateModel interface.
func (SimpleRateModel) Repayment(terms *LoanTerms, balance *big.Int, repaymentDeadline, maturity, asOf int64) (*RepaymentBreakdown, error) {
	return computeRepayment(terms, balance, repaymentDeadline, maturity, asOf,
		func(remaining, _ *big.Int, intervalsLeft uint64) *big.Int {
			if intervalsLeft == 0 {
				return cloneBigInt(remaining)
			}
			return new(big.Int).Quo(remaining, new(big.Int).SetUint64(intervalsLeft))
		})
}

// AmortizedRateModel repays on the standard amortization formula: a constant
// total payment per period, with the principal portion derived from
// interest / ((1+r·interval)^n - 1) and the final interval clearing the full
// remaining balance.
type AmortizedRateModel struct{}

// Name satisfies the InterestRateModel interface.
func (AmortizedRateModel) Name() string { return "amortized" }

// Repayment satisfies the InterestRateModel interface.
func (AmortizedRateModel) Repayment(terms *LoanTerms, balance *big.Int, repaymentDeadline, maturity, asOf int64) (*RepaymentBreakdown, error) {
	blended := blendedRate(terms.Tranches)
	rateInterval := new(big.Int).Mul(blended, big.NewInt(int64(terms.RepaymentInterval)))
	onePlus := new(big.Int).Add(wad, rateInterval)
	return computeRepayment(terms, balance, repaymentDeadline, maturity, asOf,
		func(remaining, interest *big.Int, intervalsLeft uint64) *big.Int {
			if intervalsLeft <= 1 {
				return cloneBigInt(remaining)
			}
			denom := new(big.Int).Sub(wadPow(onePlus, intervalsLeft), wad)
			if denom.Sign() <= 0 {
				// Degenerate zero-rate schedule: fall back to equal
				// instalments rather than divide by zero.
				return new(big.Int).Quo(remaining, new(big.Int).SetUint64(intervalsLeft))
			}
			return wadDiv(interest, denom)
		})
}
