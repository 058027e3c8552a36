package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"tranchelend/core/events"
	nativecommon "tranchelend/native/common"
)

var (
	errNilState         = errors.New("escrow engine: state not configured")
	errNilLedger        = errors.New("escrow engine: token ledger not configured")
	errNoSwapAdapter    = errors.New("escrow engine: swap adapter not configured")
	errInvalidAmount    = errors.New("escrow engine: amount must be positive")
	errWrongStatus      = errors.New("escrow engine: deposit status does not permit operation")
	errDepositExists    = errors.New("escrow engine: deposit id already in use")
	errNotDepositor     = errors.New("escrow engine: caller is not the depositor")
	errLocked           = errors.New("escrow engine: deposit has not unlocked")
	errUnauthorized     = errors.New("escrow engine: caller not authorized to withdraw")
	errSlippage         = errors.New("escrow engine: swap output below minimum")
	errDepositNotFound  = errors.New("escrow engine: deposit not found")
	errDepositorMangled = errors.New("escrow engine: depositor does not match deposit")
)

const moduleName = "escrow"

// engineState is the narrow persistence surface the escrow engine mutates.
type engineState interface {
	DepositGet(id [32]byte) (*Deposit, bool, error)
	DepositPut(dep *Deposit) error
}

// TokenLedger moves fungible tokens between accounts.
type TokenLedger interface {
	Transfer(token [20]byte, from, to [20]byte, amount *big.Int) error
}

// SwapAdapter converts staged funds into another token at withdrawal time.
// The adapter pulls amountIn of tokenIn from the payer, credits the output to
// the recipient and reports the amount out. The instructions blob is
// caller-supplied and opaque to the escrow.
type SwapAdapter interface {
	Swap(tokenIn, tokenOut [20]byte, amountIn *big.Int, payer, recipient [20]byte, instructions []byte) (*big.Int, error)
}

// Engine custodies pre-staged lender deposits and releases them to authorized
// consumers, swapping into the requested token when necessary. It satisfies
// the lending engine's funder boundary.
type Engine struct {
	state         engineState
	ledger        TokenLedger
	swap          SwapAdapter
	emitter       events.Emitter
	engineAddress [20]byte
	pauses        nativecommon.PauseView
	nowFn         func() int64

	mu        sync.Mutex
	consumers map[[20]byte]bool
}

// NewEngine constructs an escrow engine custodying funds at the given address.
func NewEngine(engineAddr [20]byte) *Engine {
	return &Engine{
		engineAddress: engineAddr,
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
		consumers:     make(map[[20]byte]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the fungible token ledger.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetSwapAdapter wires the optional token swap backend.
func (e *Engine) SetSwapAdapter(swap SwapAdapter) { e.swap = swap }

// SetPauses wires the operational pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// AuthorizeConsumer permits an address to withdraw deposits on behalf of
// their depositors. The lending engine's custody address is the expected
// consumer.
func (e *Engine) AuthorizeConsumer(addr [20]byte, allowed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumers == nil {
		e.consumers = make(map[[20]byte]bool)
	}
	if allowed {
		e.consumers[addr] = true
		return
	}
	delete(e.consumers, addr)
}

func (e *Engine) isConsumer(addr [20]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumers[addr]
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

// Deposit stages funds under a derived identity. The nonce distinguishes
// repeated deposits of the same token by the same depositor; unlockDelay
// defers the depositor's right to cancel by that many seconds.
func (e *Engine) Deposit(caller [20]byte, token [20]byte, amount *big.Int, nonce uint64, unlockDelay uint64) ([32]byte, error) {
	var id [32]byte
	if e == nil || e.state == nil {
		return id, errNilState
	}
	if e.ledger == nil {
		return id, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return id, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return id, errInvalidAmount
	}
	id = DepositID(caller, token, nonce)
	if _, exists, err := e.state.DepositGet(id); err != nil {
		return id, err
	} else if exists {
		return id, errDepositExists
	}
	if err := e.ledger.Transfer(token, caller, e.engineAddress, amount); err != nil {
		return id, fmt.Errorf("escrow engine: pull deposit: %w", err)
	}
	now := e.now()
	dep := &Deposit{
		ID:        id,
		Depositor: caller,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Status:    DepositFunded,
		CreatedAt: now,
		UnlockAt:  now + int64(unlockDelay),
	}
	if err := e.state.DepositPut(dep); err != nil {
		return id, err
	}
	e.emit(events.EscrowDeposited{ID: id, Depositor: caller, Token: token, Amount: dep.Amount, UnlockAt: dep.UnlockAt})
	return id, nil
}

// Cancel returns an unconsumed deposit to its depositor once the unlock
// instant has passed.
func (e *Engine) Cancel(caller [20]byte, id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	dep, ok, err := e.state.DepositGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return errDepositNotFound
	}
	if dep.Status != DepositFunded {
		return errWrongStatus
	}
	if dep.Depositor != caller {
		return errNotDepositor
	}
	if e.now() < dep.UnlockAt {
		return errLocked
	}
	if err := e.ledger.Transfer(dep.Token, e.engineAddress, dep.Depositor, dep.Amount); err != nil {
		return fmt.Errorf("escrow engine: return deposit: %w", err)
	}
	dep.Status = DepositCancelled
	if err := e.state.DepositPut(dep); err != nil {
		return err
	}
	e.emit(events.EscrowCancelled{ID: id, Depositor: dep.Depositor})
	return nil
}

// Withdraw releases a funded deposit to the recipient on behalf of its
// depositor, swapping into wantedToken when the staged token differs. The
// returned amount is what actually reached the recipient and is never below
// minAmount. Only authorized consumers may call it.
func (e *Engine) Withdraw(id [32]byte, depositor, recipient, wantedToken [20]byte, minAmount *big.Int, instructions []byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !e.isConsumer(recipient) {
		return nil, errUnauthorized
	}
	dep, ok, err := e.state.DepositGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errDepositNotFound
	}
	if dep.Status != DepositFunded {
		return nil, errWrongStatus
	}
	if dep.Depositor != depositor {
		return nil, errDepositorMangled
	}
	if minAmount == nil {
		minAmount = big.NewInt(0)
	}

	out := new(big.Int).Set(dep.Amount)
	swapped := false
	if dep.Token != wantedToken {
		if e.swap == nil {
			return nil, errNoSwapAdapter
		}
		// The staged input leaves escrow custody through the adapter pull.
		out, err = e.swap.Swap(dep.Token, wantedToken, dep.Amount, e.engineAddress, recipient, instructions)
		if err != nil {
			return nil, fmt.Errorf("escrow engine: swap: %w", err)
		}
		if out == nil || out.Cmp(minAmount) < 0 {
			return nil, errSlippage
		}
		swapped = true
	} else {
		if out.Cmp(minAmount) < 0 {
			return nil, errSlippage
		}
		if err := e.ledger.Transfer(dep.Token, e.engineAddress, recipient, out); err != nil {
			return nil, fmt.Errorf("escrow engine: release deposit: %w", err)
		}
	}

	dep.Status = DepositWithdrawn
	if err := e.state.DepositPut(dep); err != nil {
		return nil, err
	}
	e.emit(events.EscrowWithdrawn{ID: id, Recipient: recipient, Token: wantedToken, AmountOut: out, Swapped: swapped})
	return out, nil
}

// DepositByID resolves a deposit for the query surface.
func (e *Engine) DepositByID(id [32]byte) (*Deposit, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	dep, ok, err := e.state.DepositGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errDepositNotFound
	}
	return dep.Clone(), nil
}
