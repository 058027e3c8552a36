package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"tranchelend/core/events"
	nativecommon "tranchelend/native/common"
)

var (
	errNilState           = errors.New("settlement engine: state not configured")
	errNilLedger          = errors.New("settlement engine: token ledger not configured")
	errNilVault           = errors.New("settlement engine: collateral vault not configured")
	errNilLiquidator      = errors.New("settlement engine: liquidator not configured")
	errNoFunder           = errors.New("settlement engine: escrow funder not configured")
	errUnknownRateModel   = errors.New("settlement engine: rate model not registered")
	errUnauthorizedCaller = errors.New("settlement engine: caller not authorized")
	errWrongStatus        = errors.New("settlement engine: loan status does not permit operation")
	errLoanExists         = errors.New("settlement engine: loan already originated for these terms")
	errDepositCount       = errors.New("settlement engine: deposit info count must match tranche count")
	errInvalidAmount      = errors.New("settlement engine: amount must be positive")
	errInsufficientPay    = errors.New("settlement engine: payment below amount due")
	errGraceActive        = errors.New("settlement engine: grace period has not elapsed")
	errModelIntegrity     = errors.New("settlement engine: rate model output failed integrity check")
	errPositionCollision  = errors.New("settlement engine: position token id collision")
	errPositionNotFound   = errors.New("settlement engine: position not found")
	errCollateralOwner    = errors.New("settlement engine: collateral not held by borrower")
	errFeeOverPrincipal   = errors.New("settlement engine: origination fee exceeds principal")
	errReentrancy         = errors.New("settlement engine: loan operation already in flight")
	errLoanContext        = errors.New("settlement engine: malformed loan context")
)

const moduleName = "lending"

const defaultHookBudget = 100 * time.Millisecond

// engineState is the narrow persistence surface the engine mutates. LoanGet
// returns the implicit all-zero row for identities that have never been
// touched.
type engineState interface {
	LoanGet(id [32]byte) (*LoanState, error)
	LoanPut(id [32]byte, st *LoanState) error
	TermsGet(id [32]byte) (*LoanTerms, bool, error)
	TermsPut(id [32]byte, terms *LoanTerms) error
	NonceGet(id [32]byte, lender [20]byte) (uint64, error)
	NoncePut(id [32]byte, lender [20]byte, value uint64) error
	PositionGet(token [32]byte) (*Position, bool, error)
	PositionPut(pos *Position) error
}

// TokenLedger moves fungible tokens between accounts. A transfer error for a
// specific recipient is a distribution fault, not a fatal engine error.
type TokenLedger interface {
	Decimals(token [20]byte) (uint8, error)
	Transfer(token [20]byte, from, to [20]byte, amount *big.Int) error
}

// CollateralVault custodies the non-fungible collateral.
type CollateralVault interface {
	OwnerOf(collection [20]byte, tokenID *big.Int) ([20]byte, error)
	Transfer(collection [20]byte, tokenID *big.Int, from, to [20]byte) error
}

// TrancheFunder is the escrow boundary: during Borrow the engine withdraws a
// pre-staged deposit, optionally swapped into the loan currency, and treats
// the returned amount as the tranche's contribution.
type TrancheFunder interface {
	Withdraw(depositID [32]byte, depositor, recipient, wantedToken [20]byte, minAmount *big.Int, swapInstructions []byte) (*big.Int, error)
}

// CollateralLiquidator receives collateral on default. Completion arrives
// later as an independent OnCollateralLiquidated call carrying the opaque
// loan context back.
type CollateralLiquidator interface {
	Liquidate(currency, collection [20]byte, tokenID *big.Int, wrapperContext, loanContext []byte) error
}

// PositionHook is the best-effort notification surface for position holders.
// Hooks are registered explicitly; every invocation runs under the engine's
// time budget with panics recovered, and failures are reported as events.
type PositionHook interface {
	OnOriginated(ctx context.Context, loanID, tokenID [32]byte) error
	OnRepayment(ctx context.Context, loanID, tokenID [32]byte, principal, interest *big.Int) error
	OnLiquidated(ctx context.Context, loanID, tokenID [32]byte) error
	OnCollateralLiquidated(ctx context.Context, loanID, tokenID [32]byte, amount *big.Int) error
}

// RepaymentReceipt summarizes a settled Repay call. Paid is in native
// currency units; the remaining fields are internal 18-decimal amounts.
type RepaymentReceipt struct {
	Paid        *big.Int
	Principal   *big.Int
	Interest    *big.Int
	Prepayment  *big.Int
	Balance     *big.Int
	FullyRepaid bool
}

// QuoteResult is the read-only preview of what a Repay call would require,
// in native currency units.
type QuoteResult struct {
	PrincipalDue *big.Int
	InterestDue  *big.Int
	FeesDue      *big.Int
}

// Engine orchestrates the loan lifecycle: origination, repayment,
// liquidation and the proceeds waterfall. It is the only writer of loan
// registry rows; each loan identity is independently serialized via a
// per-loan in-flight guard.
type Engine struct {
	state             engineState
	ledger            TokenLedger
	vault             CollateralVault
	funder            TrancheFunder
	liquidator        CollateralLiquidator
	liquidatorAddr    [20]byte
	models            map[[20]byte]InterestRateModel
	hooks             map[[20]byte]PositionHook
	emitter           events.Emitter
	engineAddress     [20]byte
	feeRecipient      [20]byte
	chainID           uint64
	liquidationFeeBps uint64
	hookBudget        time.Duration
	pauses            nativecommon.PauseView
	nowFn             func() int64

	mu       sync.Mutex
	inFlight map[[32]byte]bool
}

// NewEngine constructs a settlement engine bound to its custody address and
// fee recipient. Collaborators are wired via the Set* methods before use.
func NewEngine(engineAddr, feeRecipient [20]byte, chainID uint64) *Engine {
	return &Engine{
		engineAddress: engineAddr,
		feeRecipient:  feeRecipient,
		chainID:       chainID,
		models:        make(map[[20]byte]InterestRateModel),
		hooks:         make(map[[20]byte]PositionHook),
		emitter:       events.NoopEmitter{},
		hookBudget:    defaultHookBudget,
		nowFn:         func() int64 { return time.Now().Unix() },
		inFlight:      make(map[[32]byte]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the fungible token ledger.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetVault wires the collateral custody backend.
func (e *Engine) SetVault(vault CollateralVault) { e.vault = vault }

// SetFunder wires the escrow used for pre-staged tranche funding.
func (e *Engine) SetFunder(funder TrancheFunder) { e.funder = funder }

// SetLiquidator wires the external liquidator and the address it settles
// proceeds from.
func (e *Engine) SetLiquidator(liq CollateralLiquidator, addr [20]byte) {
	e.liquidator = liq
	e.liquidatorAddr = addr
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the operational pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLiquidationFeeBps configures the protocol's cut of liquidation proceeds.
func (e *Engine) SetLiquidationFeeBps(bps uint64) { e.liquidationFeeBps = bps }

// SetHookBudget bounds the wall-clock time a notification hook may consume.
func (e *Engine) SetHookBudget(budget time.Duration) {
	if budget <= 0 {
		budget = defaultHookBudget
	}
	e.hookBudget = budget
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// RegisterModel makes a rate model resolvable by the identity loan terms
// reference it under.
func (e *Engine) RegisterModel(id [20]byte, model InterestRateModel) {
	if model == nil {
		delete(e.models, id)
		return
	}
	e.models[id] = model
}

// RegisterHook registers a notification hook for a position holder address.
func (e *Engine) RegisterHook(holder [20]byte, hook PositionHook) {
	if hook == nil {
		delete(e.hooks, holder)
		return
	}
	e.hooks[holder] = hook
}

// LoanID derives the loan identity for terms on this engine's chain.
func (e *Engine) LoanID(terms *LoanTerms) [32]byte {
	return LoanID(e.chainID, terms)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// enter marks a loan row as having a call in flight. Untrusted code reached
// through transfers or hooks cannot recursively re-enter the same loan's
// mutating entry points while the first call runs.
func (e *Engine) enter(id [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight == nil {
		e.inFlight = make(map[[32]byte]bool)
	}
	if e.inFlight[id] {
		return errReentrancy
	}
	e.inFlight[id] = true
	return nil
}

func (e *Engine) exit(id [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

func (e *Engine) notify(loanID [32]byte, holder [20]byte, op string, fn func(context.Context, PositionHook) error) {
	hook, ok := e.hooks[holder]
	if !ok || hook == nil {
		return
	}
	budget := e.hookBudget
	if budget <= 0 {
		budget = defaultHookBudget
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, hook)
	}()
	if err != nil {
		e.emit(events.HookFailed{LoanID: loanID, Holder: holder, Operation: op, Reason: err.Error()})
	}
}

// verifyBreakdown is the plugin-integrity boundary: the rate model is
// referenced by the loan terms and therefore untrusted, so its output must be
// internally consistent before the engine settles against it.
func (e *Engine) verifyBreakdown(terms *LoanTerms, b *RepaymentBreakdown, balance *big.Int) error {
	if b == nil || b.Principal == nil || b.Interest == nil {
		return fmt.Errorf("%w: nil output", errModelIntegrity)
	}
	if b.Principal.Sign() < 0 || b.Interest.Sign() < 0 {
		return fmt.Errorf("%w: negative totals", errModelIntegrity)
	}
	if b.Principal.Cmp(balance) > 0 {
		return fmt.Errorf("%w: principal due exceeds balance", errModelIntegrity)
	}
	if len(b.TranchePrincipal) != len(terms.Tranches) || len(b.TrancheInterest) != len(terms.Tranches) {
		return fmt.Errorf("%w: tranche split length mismatch", errModelIntegrity)
	}
	if b.ServicedIntervals == 0 {
		return fmt.Errorf("%w: zero serviced intervals", errModelIntegrity)
	}
	principalSum := new(big.Int)
	interestSum := new(big.Int)
	for i := range terms.Tranches {
		p, x := b.TranchePrincipal[i], b.TrancheInterest[i]
		if p == nil || x == nil || p.Sign() < 0 || x.Sign() < 0 {
			return fmt.Errorf("%w: invalid tranche split %d", errModelIntegrity, i)
		}
		principalSum.Add(principalSum, p)
		interestSum.Add(interestSum, x)
	}
	if principalSum.Cmp(b.Principal) != 0 || interestSum.Cmp(b.Interest) != 0 {
		return fmt.Errorf("%w: tranche splits do not sum to totals", errModelIntegrity)
	}
	return nil
}

func (e *Engine) resolveModel(id [20]byte) (InterestRateModel, error) {
	if model, ok := e.models[id]; ok && model != nil {
		return model, nil
	}
	return nil, errUnknownRateModel
}

func (e *Engine) scalerFor(token [20]byte) (Scaler, error) {
	decimals, err := e.ledger.Decimals(token)
	if err != nil {
		return Scaler{}, fmt.Errorf("settlement engine: currency decimals: %w", err)
	}
	return NewScaler(decimals)
}

func (e *Engine) positionOwner(loanID [32]byte, trancheIndex uint32) ([20]byte, error) {
	pos, ok, err := e.state.PositionGet(PositionTokenID(loanID, trancheIndex))
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, errPositionNotFound
	}
	return pos.Owner, nil
}

// encodeLoanContext wraps the loan identity into the opaque context handed to
// the liquidator and returned by its completion callback.
func encodeLoanContext(id [32]byte) []byte {
	encoded, err := rlp.EncodeToBytes(id[:])
	if err != nil {
		// RLP encoding of a fixed byte slice cannot fail.
		panic(err)
	}
	return encoded
}

func decodeLoanContext(context []byte) ([32]byte, error) {
	var raw []byte
	var id [32]byte
	if err := rlp.DecodeBytes(context, &raw); err != nil {
		return id, fmt.Errorf("%w: %v", errLoanContext, err)
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("%w: identity must be 32 bytes", errLoanContext)
	}
	copy(id[:], raw)
	return id, nil
}

// Borrow originates a loan: it validates the terms, pulls the collateral and
// every tranche's funds, mints one position per tranche and pays the borrower
// the pooled principal minus the origination fee.
func (e *Engine) Borrow(caller [20]byte, terms *LoanTerms, deposits []DepositInfo) ([32]byte, error) {
	var id [32]byte
	if e == nil || e.state == nil {
		return id, errNilState
	}
	if e.ledger == nil {
		return id, errNilLedger
	}
	if e.vault == nil {
		return id, errNilVault
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return id, err
	}
	now := e.now()
	if err := ValidateTerms(terms, now); err != nil {
		return id, err
	}
	if caller != terms.Borrower {
		return id, errUnauthorizedCaller
	}
	if len(deposits) != len(terms.Tranches) {
		return id, errDepositCount
	}
	// Escrow withdrawals return at least the tranche amount, so the offered
	// principal is a floor on what will actually pool. Checking here keeps an
	// overpriced fee from moving any collateral or funds first.
	if fee := terms.Fees.OriginationFee; fee != nil && fee.Cmp(terms.Principal()) > 0 {
		return id, errFeeOverPrincipal
	}

	id = LoanID(e.chainID, terms)
	if err := e.enter(id); err != nil {
		return id, err
	}
	defer e.exit(id)

	st, err := e.state.LoanGet(id)
	if err != nil {
		return id, err
	}
	if st.Status != LoanUninitialized {
		return id, errLoanExists
	}

	scaler, err := e.scalerFor(terms.CurrencyToken)
	if err != nil {
		return id, err
	}

	// Verify every direct-funded tranche's authorization before any funds or
	// collateral move, so authorization failures reject the call with no
	// partial state change.
	nonces := make(map[[20]byte]uint64)
	for i, tranche := range terms.Tranches {
		if deposits[i].Source == FundEscrow {
			continue
		}
		nonce, ok := nonces[tranche.Lender]
		if !ok {
			nonce, err = e.state.NonceGet(id, tranche.Lender)
			if err != nil {
				return id, err
			}
		}
		digest := SignableDigest(e.chainID, e.engineAddress, terms, nonce)
		signer, err := RecoverSigner(digest, deposits[i].LenderSignature)
		if err != nil {
			return id, fmt.Errorf("tranche %d: %w", i, err)
		}
		if signer != tranche.Lender {
			return id, fmt.Errorf("tranche %d: %w: recovered wrong signer", i, ErrBadSignature)
		}
		nonces[tranche.Lender] = nonce + 1
	}

	// Position ids must be fresh; a collision would silently rebind another
	// loan's repayment stream.
	for i := range terms.Tranches {
		if _, exists, err := e.state.PositionGet(PositionTokenID(id, uint32(i))); err != nil {
			return id, err
		} else if exists {
			return id, errPositionCollision
		}
	}

	collateralOwner, err := e.vault.OwnerOf(terms.CollateralToken, terms.CollateralTokenID)
	if err != nil {
		return id, err
	}
	if collateralOwner != terms.Borrower {
		return id, errCollateralOwner
	}
	if err := e.vault.Transfer(terms.CollateralToken, terms.CollateralTokenID, terms.Borrower, e.engineAddress); err != nil {
		return id, fmt.Errorf("settlement engine: pull collateral: %w", err)
	}

	principal := new(big.Int)
	for i, tranche := range terms.Tranches {
		dep := deposits[i]
		switch dep.Source {
		case FundEscrow:
			if e.funder == nil {
				return id, errNoFunder
			}
			got, err := e.funder.Withdraw(dep.EscrowID, tranche.Lender, e.engineAddress, terms.CurrencyToken, tranche.Amount, dep.SwapInstructions)
			if err != nil {
				return id, fmt.Errorf("tranche %d: escrow withdrawal: %w", i, err)
			}
			principal.Add(principal, got)
		default:
			if err := e.ledger.Transfer(terms.CurrencyToken, tranche.Lender, e.engineAddress, tranche.Amount); err != nil {
				return id, fmt.Errorf("tranche %d: pull funds: %w", i, err)
			}
			principal.Add(principal, tranche.Amount)
		}
	}
	for lender, next := range nonces {
		if err := e.state.NoncePut(id, lender, next); err != nil {
			return id, err
		}
	}

	for i, tranche := range terms.Tranches {
		if err := e.state.PositionPut(&Position{
			TokenID:      PositionTokenID(id, uint32(i)),
			LoanID:       id,
			TrancheIndex: uint32(i),
			Owner:        tranche.Lender,
		}); err != nil {
			return id, err
		}
	}

	fee := cloneBigInt(terms.Fees.OriginationFee)
	if fee.Sign() > 0 {
		if err := e.ledger.Transfer(terms.CurrencyToken, e.engineAddress, e.feeRecipient, fee); err != nil {
			return id, fmt.Errorf("settlement engine: pay origination fee: %w", err)
		}
	}
	net := new(big.Int).Sub(principal, fee)
	if net.Sign() > 0 {
		if err := e.ledger.Transfer(terms.CurrencyToken, e.engineAddress, terms.Borrower, net); err != nil {
			return id, fmt.Errorf("settlement engine: pay borrower: %w", err)
		}
	}

	st = &LoanState{
		Status:            LoanActive,
		Maturity:          now + int64(terms.Duration),
		RepaymentDeadline: now + int64(terms.RepaymentInterval),
		Balance:           scaler.ToInternal(principal),
	}
	if err := e.state.TermsPut(id, terms.Clone()); err != nil {
		return id, err
	}
	if err := e.state.LoanPut(id, st); err != nil {
		return id, err
	}

	e.emit(events.LoanOriginated{
		LoanID:    id,
		Borrower:  terms.Borrower,
		Principal: principal,
		Tranches:  uint32(len(terms.Tranches)),
		Maturity:  st.Maturity,
		Deadline:  st.RepaymentDeadline,
	})
	for i, tranche := range terms.Tranches {
		tokenID := PositionTokenID(id, uint32(i))
		e.notify(id, tranche.Lender, "originated", func(ctx context.Context, hook PositionHook) error {
			return hook.OnOriginated(ctx, id, tokenID)
		})
	}
	return id, nil
}

// Repay settles the amounts due as of now, applies any excess as principal
// prepayment, distributes to the tranche position holders with per-recipient
// fault isolation, and closes the loan when the balance reaches zero.
func (e *Engine) Repay(caller [20]byte, terms *LoanTerms, amount *big.Int) (*RepaymentReceipt, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if terms == nil {
		return nil, invalidTerms("nil terms")
	}
	if caller != terms.Borrower {
		return nil, errUnauthorizedCaller
	}

	id := LoanID(e.chainID, terms)
	if err := e.enter(id); err != nil {
		return nil, err
	}
	defer e.exit(id)

	st, err := e.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if st.Status != LoanActive {
		return nil, errWrongStatus
	}

	now := e.now()
	model, err := e.resolveModel(terms.RateModel)
	if err != nil {
		return nil, err
	}
	breakdown, err := model.Repayment(terms, st.Balance, st.RepaymentDeadline, st.Maturity, now)
	if err != nil {
		return nil, fmt.Errorf("settlement engine: rate model: %w", err)
	}
	if err := e.verifyBreakdown(terms, breakdown, st.Balance); err != nil {
		return nil, err
	}

	scaler, err := e.scalerFor(terms.CurrencyToken)
	if err != nil {
		return nil, err
	}

	dueInternal := new(big.Int).Add(breakdown.Principal, breakdown.Interest)
	dueNative := scaler.ToNative(dueInternal, true)
	if amount.Cmp(dueNative) < 0 {
		return nil, fmt.Errorf("%w: due %s, offered %s", errInsufficientPay, dueNative, amount)
	}

	// Anything beyond the due amount is a prepayment against outstanding
	// principal, capped at the balance that survives this instalment.
	excessNative := new(big.Int).Sub(amount, dueNative)
	maxPrepay := new(big.Int).Sub(st.Balance, breakdown.Principal)
	prepay := scaler.ToInternal(excessNative)
	if prepay.Cmp(maxPrepay) > 0 {
		prepay = maxPrepay
	}
	prepayNative := scaler.ToNative(prepay, true)

	newBalance := new(big.Int).Sub(st.Balance, breakdown.Principal)
	newBalance.Sub(newBalance, prepay)
	fullyRepaid := newBalance.Sign() == 0

	// Compute every payout before any funds move so the integrity check can
	// reject an over-claiming model atomically.
	prepayShares := splitByAmount(prepay, terms.Tranches)
	payouts := make([]*big.Int, len(terms.Tranches))
	trancheInterest := make([]*big.Int, len(terms.Tranches))
	tranchePrincipal := make([]*big.Int, len(terms.Tranches))
	distributed := new(big.Int)
	for i := range terms.Tranches {
		tranchePrincipal[i] = new(big.Int).Add(breakdown.TranchePrincipal[i], prepayShares[i])
		trancheInterest[i] = breakdown.TrancheInterest[i]
		internal := new(big.Int).Add(tranchePrincipal[i], trancheInterest[i])
		payouts[i] = scaler.ToNative(internal, false)
		distributed.Add(distributed, payouts[i])
	}
	collected := new(big.Int).Add(dueNative, prepayNative)
	if distributed.Cmp(collected) > 0 {
		return nil, fmt.Errorf("%w: distributing %s of %s collected", errModelIntegrity, distributed, collected)
	}

	pull := new(big.Int).Set(collected)
	exitFee := big.NewInt(0)
	if fullyRepaid && terms.Fees.ExitFee != nil && terms.Fees.ExitFee.Sign() > 0 {
		exitFee = new(big.Int).Set(terms.Fees.ExitFee)
		pull.Add(pull, exitFee)
	}
	if err := e.ledger.Transfer(terms.CurrencyToken, terms.Borrower, e.engineAddress, pull); err != nil {
		return nil, fmt.Errorf("settlement engine: pull repayment: %w", err)
	}
	if exitFee.Sign() > 0 {
		if err := e.ledger.Transfer(terms.CurrencyToken, e.engineAddress, e.feeRecipient, exitFee); err != nil {
			return nil, fmt.Errorf("settlement engine: pay exit fee: %w", err)
		}
	}

	residue := new(big.Int).Sub(collected, distributed)
	for i := range terms.Tranches {
		if payouts[i].Sign() == 0 {
			continue
		}
		owner, err := e.positionOwner(id, uint32(i))
		if err != nil {
			return nil, err
		}
		e.payOut(id, terms.CurrencyToken, owner, payouts[i])
		tokenID := PositionTokenID(id, uint32(i))
		principal, interest := tranchePrincipal[i], trancheInterest[i]
		e.notify(id, owner, "repayment", func(ctx context.Context, hook PositionHook) error {
			return hook.OnRepayment(ctx, id, tokenID, principal, interest)
		})
	}
	// Truncation dust from internal-to-native conversion goes to the fee
	// recipient; a faulting recipient is recorded like any other payout fault.
	e.payOut(id, terms.CurrencyToken, e.feeRecipient, residue)

	// The deadline advances only when this payment services the current
	// window or catches up on missed ones; paying ahead of the window is a
	// pure prepayment and leaves the schedule untouched.
	windowOpen := st.RepaymentDeadline - int64(terms.RepaymentInterval)
	if now >= windowOpen {
		advanced := st.RepaymentDeadline + int64(breakdown.ServicedIntervals)*int64(terms.RepaymentInterval)
		st.RepaymentDeadline = minInt64(advanced, st.Maturity)
	}
	st.Balance = newBalance

	if fullyRepaid {
		st.Status = LoanRepaid
		if e.vault != nil {
			if err := e.vault.Transfer(terms.CollateralToken, terms.CollateralTokenID, e.engineAddress, terms.Borrower); err != nil {
				return nil, fmt.Errorf("settlement engine: return collateral: %w", err)
			}
		}
	}
	if err := e.state.LoanPut(id, st); err != nil {
		return nil, err
	}

	e.emit(events.LoanRepayment{
		LoanID:    id,
		Payer:     caller,
		Principal: new(big.Int).Add(breakdown.Principal, prepay),
		Interest:  breakdown.Interest,
		Balance:   newBalance,
		Deadline:  st.RepaymentDeadline,
	})
	if fullyRepaid {
		e.emit(events.LoanRepaid{LoanID: id, Borrower: terms.Borrower})
	}

	return &RepaymentReceipt{
		Paid:        pull,
		Principal:   breakdown.Principal,
		Interest:    breakdown.Interest,
		Prepayment:  prepay,
		Balance:     newBalance,
		FullyRepaid: fullyRepaid,
	}, nil
}

// payOut transfers a settlement amount to a recipient with fault isolation:
// a failing recipient never blocks the other tranches or the loan's state
// transition, the amount is redirected to the fee recipient instead.
func (e *Engine) payOut(loanID [32]byte, currency, recipient [20]byte, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	err := e.ledger.Transfer(currency, e.engineAddress, recipient, amount)
	if err == nil {
		return
	}
	e.emit(events.DistributionFailed{LoanID: loanID, Recipient: recipient, Amount: amount, Reason: err.Error()})
	// Redirect failure leaves the funds parked at the engine address; the
	// emitted event carries enough to reconcile manually.
	_ = e.ledger.Transfer(currency, e.engineAddress, e.feeRecipient, amount)
}

// Liquidate hands the collateral to the external liquidator once the grace
// period after a missed deadline has fully elapsed.
func (e *Engine) Liquidate(terms *LoanTerms) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.vault == nil {
		return errNilVault
	}
	if e.liquidator == nil {
		return errNilLiquidator
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if terms == nil {
		return invalidTerms("nil terms")
	}

	id := LoanID(e.chainID, terms)
	if err := e.enter(id); err != nil {
		return err
	}
	defer e.exit(id)

	st, err := e.state.LoanGet(id)
	if err != nil {
		return err
	}
	if st.Status != LoanActive {
		return errWrongStatus
	}
	now := e.now()
	if now <= st.RepaymentDeadline+int64(terms.GracePeriodDuration) {
		return errGraceActive
	}

	if err := e.vault.Transfer(terms.CollateralToken, terms.CollateralTokenID, e.engineAddress, e.liquidatorAddr); err != nil {
		return fmt.Errorf("settlement engine: hand over collateral: %w", err)
	}
	if err := e.liquidator.Liquidate(terms.CurrencyToken, terms.CollateralToken, terms.CollateralTokenID, terms.CollateralContext, encodeLoanContext(id)); err != nil {
		return fmt.Errorf("settlement engine: start liquidation: %w", err)
	}

	st.Status = LoanLiquidated
	if err := e.state.LoanPut(id, st); err != nil {
		return err
	}
	e.emit(events.LoanLiquidated{LoanID: id, CollateralToken: terms.CollateralToken, CollateralID: terms.CollateralTokenID})
	for i := range terms.Tranches {
		owner, err := e.positionOwner(id, uint32(i))
		if err != nil {
			continue
		}
		tokenID := PositionTokenID(id, uint32(i))
		e.notify(id, owner, "liquidated", func(ctx context.Context, hook PositionHook) error {
			return hook.OnLiquidated(ctx, id, tokenID)
		})
	}
	return nil
}

// OnCollateralLiquidated is the liquidator's completion callback. Proceeds
// are pulled from the liquidator, the protocol fee is cut, and the remainder
// is waterfall-allocated across tranches in seniority order: principal first,
// then interest, each capped at what is left.
func (e *Engine) OnCollateralLiquidated(caller [20]byte, loanContext []byte, proceeds *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if caller != e.liquidatorAddr {
		return errUnauthorizedCaller
	}
	id, err := decodeLoanContext(loanContext)
	if err != nil {
		return err
	}
	if err := e.enter(id); err != nil {
		return err
	}
	defer e.exit(id)

	st, err := e.state.LoanGet(id)
	if err != nil {
		return err
	}
	if st.Status != LoanLiquidated {
		return errWrongStatus
	}
	terms, ok, err := e.state.TermsGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: terms missing for loan", errLoanContext)
	}
	if proceeds == nil {
		proceeds = big.NewInt(0)
	}
	if proceeds.Sign() < 0 {
		return errInvalidAmount
	}

	model, err := e.resolveModel(terms.RateModel)
	if err != nil {
		return err
	}
	// Valuation instant: mid-schedule defaults use the callback time so the
	// capped grace penalty is included; a default at the final deadline is
	// valued exactly at maturity.
	now := e.now()
	asOf := now
	if st.RepaymentDeadline == st.Maturity {
		asOf = st.Maturity
	}
	breakdown, err := model.Repayment(terms, st.Balance, st.RepaymentDeadline, st.Maturity, asOf)
	if err != nil {
		return fmt.Errorf("settlement engine: rate model: %w", err)
	}
	if err := e.verifyBreakdown(terms, breakdown, st.Balance); err != nil {
		return err
	}

	scaler, err := e.scalerFor(terms.CurrencyToken)
	if err != nil {
		return err
	}

	if proceeds.Sign() > 0 {
		if err := e.ledger.Transfer(terms.CurrencyToken, e.liquidatorAddr, e.engineAddress, proceeds); err != nil {
			return fmt.Errorf("settlement engine: pull proceeds: %w", err)
		}
	}

	fee := mulDiv(proceeds, new(big.Int).SetUint64(e.liquidationFeeBps), big.NewInt(10_000))
	remaining := new(big.Int).Sub(proceeds, fee)

	payouts := make([]*big.Int, len(terms.Tranches))
	for i := range payouts {
		payouts[i] = new(big.Int)
	}
	for i := range terms.Tranches {
		owed := scaler.ToNative(breakdown.TranchePrincipal[i], false)
		if owed.Cmp(remaining) > 0 {
			owed = new(big.Int).Set(remaining)
		}
		payouts[i].Add(payouts[i], owed)
		remaining.Sub(remaining, owed)
	}
	for i := range terms.Tranches {
		owed := scaler.ToNative(breakdown.TrancheInterest[i], false)
		if owed.Cmp(remaining) > 0 {
			owed = new(big.Int).Set(remaining)
		}
		payouts[i].Add(payouts[i], owed)
		remaining.Sub(remaining, owed)
	}

	distributed := new(big.Int)
	for i := range terms.Tranches {
		if payouts[i].Sign() == 0 {
			continue
		}
		owner, err := e.positionOwner(id, uint32(i))
		if err != nil {
			return err
		}
		e.payOut(id, terms.CurrencyToken, owner, payouts[i])
		distributed.Add(distributed, payouts[i])
		tokenID := PositionTokenID(id, uint32(i))
		amount := payouts[i]
		e.notify(id, owner, "collateral_liquidated", func(ctx context.Context, hook PositionHook) error {
			return hook.OnCollateralLiquidated(ctx, id, tokenID, amount)
		})
	}

	// The fee plus any proceeds beyond what the tranches were owed go to the
	// fee recipient.
	leftover := new(big.Int).Add(fee, remaining)
	if leftover.Sign() > 0 {
		if err := e.ledger.Transfer(terms.CurrencyToken, e.engineAddress, e.feeRecipient, leftover); err != nil {
			return fmt.Errorf("settlement engine: pay liquidation fee: %w", err)
		}
	}

	st.Status = LoanCollateralLiquidated
	st.Balance = big.NewInt(0)
	if err := e.state.LoanPut(id, st); err != nil {
		return err
	}
	e.emit(events.CollateralLiquidated{LoanID: id, Proceeds: proceeds, Distributed: distributed, Fee: fee})
	return nil
}

// Quote previews what a Repay call would require as of the given instant.
// Inactive loans quote all-zero.
func (e *Engine) Quote(terms *LoanTerms, asOf int64) (*QuoteResult, error) {
	zero := &QuoteResult{PrincipalDue: big.NewInt(0), InterestDue: big.NewInt(0), FeesDue: big.NewInt(0)}
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if terms == nil {
		return nil, invalidTerms("nil terms")
	}
	id := LoanID(e.chainID, terms)
	st, err := e.state.LoanGet(id)
	if err != nil {
		return nil, err
	}
	if st.Status != LoanActive {
		return zero, nil
	}
	if asOf <= 0 {
		asOf = e.now()
	}
	model, err := e.resolveModel(terms.RateModel)
	if err != nil {
		return nil, err
	}
	breakdown, err := model.Repayment(terms, st.Balance, st.RepaymentDeadline, st.Maturity, asOf)
	if err != nil {
		return nil, fmt.Errorf("settlement engine: rate model: %w", err)
	}
	if err := e.verifyBreakdown(terms, breakdown, st.Balance); err != nil {
		return nil, err
	}
	scaler, err := e.scalerFor(terms.CurrencyToken)
	if err != nil {
		return nil, err
	}
	fees := big.NewInt(0)
	if breakdown.Principal.Cmp(st.Balance) == 0 && terms.Fees.ExitFee != nil {
		fees = new(big.Int).Set(terms.Fees.ExitFee)
	}
	return &QuoteResult{
		PrincipalDue: scaler.ToNative(breakdown.Principal, true),
		InterestDue:  scaler.ToNative(breakdown.Interest, true),
		FeesDue:      fees,
	}, nil
}

// IncrementNonce lets a lender invalidate a previously signed offline offer
// for these terms before a loan exists for them.
func (e *Engine) IncrementNonce(caller [20]byte, terms *LoanTerms) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if terms == nil {
		return 0, invalidTerms("nil terms")
	}
	isLender := false
	for _, tranche := range terms.Tranches {
		if tranche.Lender == caller {
			isLender = true
			break
		}
	}
	if !isLender {
		return 0, errUnauthorizedCaller
	}
	id := LoanID(e.chainID, terms)
	st, err := e.state.LoanGet(id)
	if err != nil {
		return 0, err
	}
	if st.Status != LoanUninitialized {
		return 0, errWrongStatus
	}
	nonce, err := e.state.NonceGet(id, caller)
	if err != nil {
		return 0, err
	}
	next := nonce + 1
	if err := e.state.NoncePut(id, caller, next); err != nil {
		return 0, err
	}
	return next, nil
}

// TransferPosition reassigns a position token to a new owner. The new owner
// becomes the recipient of all subsequent distributions for that tranche.
func (e *Engine) TransferPosition(caller [20]byte, tokenID [32]byte, to [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if to == zeroAddress {
		return errUnauthorizedCaller
	}
	pos, ok, err := e.state.PositionGet(tokenID)
	if err != nil {
		return err
	}
	if !ok {
		return errPositionNotFound
	}
	if pos.Owner != caller {
		return errUnauthorizedCaller
	}
	pos.Owner = to
	return e.state.PositionPut(pos)
}

// Position resolves a position token to its loan, tranche index and owner.
func (e *Engine) Position(tokenID [32]byte) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pos, ok, err := e.state.PositionGet(tokenID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errPositionNotFound
	}
	return pos, nil
}
