package lending

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tranchelend/core/events"
)

// --- in-memory collaborators ---

type memState struct {
	loans     map[[32]byte]*LoanState
	terms     map[[32]byte]*LoanTerms
	nonces    map[string]uint64
	positions map[[32]byte]*Position
}

func newMemState() *memState {
	return &memState{
		loans:     make(map[[32]byte]*LoanState),
		terms:     make(map[[32]byte]*LoanTerms),
		nonces:    make(map[string]uint64),
		positions: make(map[[32]byte]*Position),
	}
}

func (s *memState) LoanGet(id [32]byte) (*LoanState, error) {
	if st, ok := s.loans[id]; ok {
		return st.Clone(), nil
	}
	return &LoanState{Status: LoanUninitialized, Balance: big.NewInt(0)}, nil
}

func (s *memState) LoanPut(id [32]byte, st *LoanState) error {
	s.loans[id] = st.Clone()
	return nil
}

func (s *memState) TermsGet(id [32]byte) (*LoanTerms, bool, error) {
	t, ok := s.terms[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (s *memState) TermsPut(id [32]byte, terms *LoanTerms) error {
	s.terms[id] = terms.Clone()
	return nil
}

func nonceKey(id [32]byte, lender [20]byte) string {
	return string(id[:]) + string(lender[:])
}

func (s *memState) NonceGet(id [32]byte, lender [20]byte) (uint64, error) {
	return s.nonces[nonceKey(id, lender)], nil
}

func (s *memState) NoncePut(id [32]byte, lender [20]byte, value uint64) error {
	s.nonces[nonceKey(id, lender)] = value
	return nil
}

func (s *memState) PositionGet(token [32]byte) (*Position, bool, error) {
	pos, ok := s.positions[token]
	if !ok {
		return nil, false, nil
	}
	clone := *pos
	return &clone, true, nil
}

func (s *memState) PositionPut(pos *Position) error {
	clone := *pos
	s.positions[pos.TokenID] = &clone
	return nil
}

type memLedger struct {
	decimals map[[20]byte]uint8
	balances map[[20]byte]map[[20]byte]*big.Int
	frozen   map[[20]byte]bool
}

func newMemLedger() *memLedger {
	return &memLedger{
		decimals: make(map[[20]byte]uint8),
		balances: make(map[[20]byte]map[[20]byte]*big.Int),
		frozen:   make(map[[20]byte]bool),
	}
}

func (l *memLedger) mint(token, to [20]byte, amount int64) {
	if l.balances[token] == nil {
		l.balances[token] = make(map[[20]byte]*big.Int)
	}
	bal := l.balances[token][to]
	if bal == nil {
		bal = big.NewInt(0)
	}
	l.balances[token][to] = new(big.Int).Add(bal, big.NewInt(amount))
}

func (l *memLedger) balance(token, who [20]byte) *big.Int {
	if l.balances[token] == nil || l.balances[token][who] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.balances[token][who])
}

func (l *memLedger) Decimals(token [20]byte) (uint8, error) {
	d, ok := l.decimals[token]
	if !ok {
		return 0, fmt.Errorf("unknown token %x", token)
	}
	return d, nil
}

func (l *memLedger) Transfer(token [20]byte, from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bad amount")
	}
	if l.frozen[to] {
		return fmt.Errorf("recipient %x frozen", to)
	}
	bal := l.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient funds: have %s, need %s", bal, amount)
	}
	if l.balances[token] == nil {
		l.balances[token] = make(map[[20]byte]*big.Int)
	}
	l.balances[token][from] = new(big.Int).Sub(bal, amount)
	l.balances[token][to] = new(big.Int).Add(l.balance(token, to), amount)
	return nil
}

type memVault struct {
	owners map[string][20]byte
}

func newMemVault() *memVault {
	return &memVault{owners: make(map[string][20]byte)}
}

func vaultKey(collection [20]byte, id *big.Int) string {
	return string(collection[:]) + id.String()
}

func (v *memVault) set(collection [20]byte, id *big.Int, owner [20]byte) {
	v.owners[vaultKey(collection, id)] = owner
}

func (v *memVault) OwnerOf(collection [20]byte, id *big.Int) ([20]byte, error) {
	owner, ok := v.owners[vaultKey(collection, id)]
	if !ok {
		return [20]byte{}, fmt.Errorf("unknown collateral")
	}
	return owner, nil
}

func (v *memVault) Transfer(collection [20]byte, id *big.Int, from, to [20]byte) error {
	owner, ok := v.owners[vaultKey(collection, id)]
	if !ok || owner != from {
		return fmt.Errorf("not the owner")
	}
	v.owners[vaultKey(collection, id)] = to
	return nil
}

type recordEmitter struct {
	events []events.Event
}

func (r *recordEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordEmitter) byType(eventType string) []events.Event {
	var out []events.Event
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// --- fixture ---

var (
	testEngineAddr = testAddr(0xE1)
	testFeeAddr    = testAddr(0xFE)
	testChainID    = uint64(187)
)

type engineFixture struct {
	t       *testing.T
	engine  *Engine
	state   *memState
	ledger  *memLedger
	vault   *memVault
	emitter *recordEmitter
	now     int64
	terms   *LoanTerms
	keys    []*ecdsa.PrivateKey
}

func keyAddr(key *ecdsa.PrivateKey) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	return out
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		t:       t,
		state:   newMemState(),
		ledger:  newMemLedger(),
		vault:   newMemVault(),
		emitter: &recordEmitter{},
		now:     1000,
	}
	for i := 0; i < 2; i++ {
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		f.keys = append(f.keys, key)
	}
	f.terms = testTerms([]TrancheSpec{
		{Lender: keyAddr(f.keys[0]), Amount: big.NewInt(800), Rate: big.NewInt(1_000_000_000_000)},
		{Lender: keyAddr(f.keys[1]), Amount: big.NewInt(400), Rate: big.NewInt(1_000_000_000_000)},
	})

	f.ledger.decimals[f.terms.CurrencyToken] = 6
	f.ledger.mint(f.terms.CurrencyToken, f.terms.Tranches[0].Lender, 10_000)
	f.ledger.mint(f.terms.CurrencyToken, f.terms.Tranches[1].Lender, 10_000)
	f.ledger.mint(f.terms.CurrencyToken, f.terms.Borrower, 10_000)
	f.vault.set(f.terms.CollateralToken, f.terms.CollateralTokenID, f.terms.Borrower)

	f.engine = NewEngine(testEngineAddr, testFeeAddr, testChainID)
	f.engine.SetState(f.state)
	f.engine.SetLedger(f.ledger)
	f.engine.SetVault(f.vault)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return f.now })
	f.engine.RegisterModel(f.terms.RateModel, SimpleRateModel{})
	return f
}

// signedDeposits produces direct-funding authorizations for every tranche at
// each lender's current nonce.
func (f *engineFixture) signedDeposits() []DepositInfo {
	f.t.Helper()
	id := LoanID(testChainID, f.terms)
	deposits := make([]DepositInfo, len(f.terms.Tranches))
	for i := range f.terms.Tranches {
		nonce, _ := f.state.NonceGet(id, f.terms.Tranches[i].Lender)
		digest := SignableDigest(testChainID, testEngineAddr, f.terms, nonce)
		sig, err := ethcrypto.Sign(digest[:], f.keys[i])
		if err != nil {
			f.t.Fatalf("sign tranche %d: %v", i, err)
		}
		deposits[i] = DepositInfo{Source: FundDirect, LenderSignature: sig}
	}
	return deposits
}

func (f *engineFixture) borrow() [32]byte {
	f.t.Helper()
	id, err := f.engine.Borrow(f.terms.Borrower, f.terms, f.signedDeposits())
	if err != nil {
		f.t.Fatalf("borrow: %v", err)
	}
	return id
}

// --- tests ---

func TestBorrowOriginatesLoan(t *testing.T) {
	f := newEngineFixture(t)
	id := f.borrow()

	st, err := f.state.LoanGet(id)
	if err != nil {
		t.Fatalf("loan get: %v", err)
	}
	if st.Status != LoanActive {
		t.Fatalf("status = %v, want active", st.Status)
	}
	if st.Maturity != 2200 || st.RepaymentDeadline != 1100 {
		t.Fatalf("schedule = (%d, %d), want (2200, 1100)", st.Maturity, st.RepaymentDeadline)
	}
	if st.Balance.Cmp(internal(1200)) != 0 {
		t.Fatalf("balance = %s, want %s", st.Balance, internal(1200))
	}

	cur := f.terms.CurrencyToken
	if got := f.ledger.balance(cur, f.terms.Borrower); got.Cmp(big.NewInt(11_190)) != 0 {
		t.Fatalf("borrower balance = %s, want 11190", got)
	}
	if got := f.ledger.balance(cur, testFeeAddr); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("fee recipient balance = %s, want 10", got)
	}
	if got := f.ledger.balance(cur, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(9_200)) != 0 {
		t.Fatalf("lender 0 balance = %s, want 9200", got)
	}

	owner, err := f.vault.OwnerOf(f.terms.CollateralToken, f.terms.CollateralTokenID)
	if err != nil || owner != testEngineAddr {
		t.Fatalf("collateral owner = %x (%v), want engine", owner, err)
	}

	for i := range f.terms.Tranches {
		pos, ok, _ := f.state.PositionGet(PositionTokenID(id, uint32(i)))
		if !ok {
			t.Fatalf("position %d not minted", i)
		}
		if pos.Owner != f.terms.Tranches[i].Lender || pos.TrancheIndex != uint32(i) {
			t.Fatalf("position %d = %+v", i, pos)
		}
	}
	if got, _ := f.state.NonceGet(id, f.terms.Tranches[0].Lender); got != 1 {
		t.Fatalf("nonce = %d, want 1", got)
	}
	if len(f.emitter.byType(events.TypeLoanOriginated)) != 1 {
		t.Fatal("missing origination event")
	}
}

func TestBorrowDuplicateTermsRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.borrow()
	if _, err := f.engine.Borrow(f.terms.Borrower, f.terms, f.signedDeposits()); !errors.Is(err, errLoanExists) {
		t.Fatalf("err = %v, want errLoanExists", err)
	}
}

func TestBorrowWrongCallerRejected(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.Borrow(testAddr(0x42), f.terms, f.signedDeposits()); !errors.Is(err, errUnauthorizedCaller) {
		t.Fatalf("err = %v, want errUnauthorizedCaller", err)
	}
}

func TestBorrowBadSignatureRejected(t *testing.T) {
	f := newEngineFixture(t)
	deposits := f.signedDeposits()
	// Swap the two signatures: each now recovers to the wrong lender.
	deposits[0].LenderSignature, deposits[1].LenderSignature = deposits[1].LenderSignature, deposits[0].LenderSignature

	if _, err := f.engine.Borrow(f.terms.Borrower, f.terms, deposits); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	// Authorization failed before any custody changed hands.
	if got := f.ledger.balance(f.terms.CurrencyToken, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("lender balance = %s, want untouched 10000", got)
	}
	owner, _ := f.vault.OwnerOf(f.terms.CollateralToken, f.terms.CollateralTokenID)
	if owner != f.terms.Borrower {
		t.Fatal("collateral moved on a rejected borrow")
	}
}

func TestBorrowFeeOverPrincipalRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.terms.Fees.OriginationFee = big.NewInt(1_201)

	if _, err := f.engine.Borrow(f.terms.Borrower, f.terms, f.signedDeposits()); !errors.Is(err, errFeeOverPrincipal) {
		t.Fatalf("err = %v, want errFeeOverPrincipal", err)
	}
	// Rejected before any custody changed hands.
	owner, _ := f.vault.OwnerOf(f.terms.CollateralToken, f.terms.CollateralTokenID)
	if owner != f.terms.Borrower {
		t.Fatal("collateral moved on a rejected borrow")
	}
	cur := f.terms.CurrencyToken
	if got := f.ledger.balance(cur, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("lender 0 balance = %s, want untouched 10000", got)
	}
	if got := f.ledger.balance(cur, f.terms.Tranches[1].Lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("lender 1 balance = %s, want untouched 10000", got)
	}
}

func TestIncrementNonceInvalidatesOffer(t *testing.T) {
	f := newEngineFixture(t)
	deposits := f.signedDeposits()

	next, err := f.engine.IncrementNonce(f.terms.Tranches[0].Lender, f.terms)
	if err != nil {
		t.Fatalf("increment nonce: %v", err)
	}
	if next != 1 {
		t.Fatalf("nonce = %d, want 1", next)
	}
	if _, err := f.engine.Borrow(f.terms.Borrower, f.terms, deposits); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature after nonce bump", err)
	}
	if _, err := f.engine.IncrementNonce(testAddr(0x42), f.terms); !errors.Is(err, errUnauthorizedCaller) {
		t.Fatalf("non-lender increment err = %v, want errUnauthorizedCaller", err)
	}
}

type memFunder struct {
	ledger *memLedger
	calls  int
}

func (m *memFunder) Withdraw(depositID [32]byte, depositor, recipient, wantedToken [20]byte, minAmount *big.Int, instructions []byte) (*big.Int, error) {
	m.calls++
	m.ledger.mint(wantedToken, recipient, minAmount.Int64())
	return new(big.Int).Set(minAmount), nil
}

func TestBorrowEscrowFundedTranche(t *testing.T) {
	f := newEngineFixture(t)
	funder := &memFunder{ledger: f.ledger}
	f.engine.SetFunder(funder)

	deposits := f.signedDeposits()
	deposits[1] = DepositInfo{Source: FundEscrow, EscrowID: [32]byte{0x01}}

	id, err := f.engine.Borrow(f.terms.Borrower, f.terms, deposits)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if funder.calls != 1 {
		t.Fatalf("funder calls = %d, want 1", funder.calls)
	}
	st, _ := f.state.LoanGet(id)
	if st.Balance.Cmp(internal(1200)) != 0 {
		t.Fatalf("balance = %s, want %s", st.Balance, internal(1200))
	}
	// Lender 1 funded via escrow: its on-ledger balance is untouched.
	if got := f.ledger.balance(f.terms.CurrencyToken, f.terms.Tranches[1].Lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("escrow lender balance = %s, want 10000", got)
	}
}

func TestRepayOnTimeAdvancesSchedule(t *testing.T) {
	f := newEngineFixture(t)
	id := f.borrow()
	f.now = 1100

	receipt, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if receipt.Paid.Cmp(big.NewInt(101)) != 0 {
		t.Fatalf("paid = %s, want 101", receipt.Paid)
	}
	if receipt.FullyRepaid {
		t.Fatal("partial repayment reported as full")
	}
	st, _ := f.state.LoanGet(id)
	if st.Balance.Cmp(internal(1100)) != 0 {
		t.Fatalf("balance = %s, want %s", st.Balance, internal(1100))
	}
	if st.RepaymentDeadline != 1200 {
		t.Fatalf("deadline = %d, want 1200", st.RepaymentDeadline)
	}

	cur := f.terms.CurrencyToken
	if got := f.ledger.balance(cur, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(9_266)) != 0 {
		t.Fatalf("lender 0 balance = %s, want 9266", got)
	}
	if got := f.ledger.balance(cur, f.terms.Tranches[1].Lender); got.Cmp(big.NewInt(9_633)) != 0 {
		t.Fatalf("lender 1 balance = %s, want 9633", got)
	}
	// Origination fee plus conversion dust.
	if got := f.ledger.balance(cur, testFeeAddr); got.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("fee recipient balance = %s, want 12", got)
	}
}

func TestRepayBelowDueRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.borrow()
	f.now = 1100
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(100)); !errors.Is(err, errInsufficientPay) {
		t.Fatalf("err = %v, want errInsufficientPay", err)
	}
}

func TestRepayFullClosesLoan(t *testing.T) {
	f := newEngineFixture(t)
	id := f.borrow()
	f.now = 1100

	receipt, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(2_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !receipt.FullyRepaid {
		t.Fatal("payoff not reported as full repayment")
	}
	// Due 101, prepayment 1100, exit fee 5.
	if receipt.Paid.Cmp(big.NewInt(1_206)) != 0 {
		t.Fatalf("paid = %s, want 1206", receipt.Paid)
	}
	st, _ := f.state.LoanGet(id)
	if st.Status != LoanRepaid {
		t.Fatalf("status = %v, want repaid", st.Status)
	}
	if st.Balance.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", st.Balance)
	}
	owner, _ := f.vault.OwnerOf(f.terms.CollateralToken, f.terms.CollateralTokenID)
	if owner != f.terms.Borrower {
		t.Fatal("collateral not returned on payoff")
	}
	// Both lenders made whole on principal.
	cur := f.terms.CurrencyToken
	if got := f.ledger.balance(cur, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("lender 0 balance = %s, want 10000", got)
	}
	if got := f.ledger.balance(cur, f.terms.Tranches[1].Lender); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("lender 1 balance = %s, want 10000", got)
	}
	if len(f.emitter.byType(events.TypeLoanRepaid)) != 1 {
		t.Fatal("missing loan repaid event")
	}
}

func TestRepayDistributionFaultRedirected(t *testing.T) {
	f := newEngineFixture(t)
	f.borrow()
	f.now = 1100
	f.ledger.frozen[f.terms.Tranches[0].Lender] = true

	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101)); err != nil {
		t.Fatalf("repay must survive a recipient fault: %v", err)
	}
	cur := f.terms.CurrencyToken
	if got := f.ledger.balance(cur, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(9_200)) != 0 {
		t.Fatalf("frozen lender balance = %s, want unchanged 9200", got)
	}
	// The healthy tranche still received its share.
	if got := f.ledger.balance(cur, f.terms.Tranches[1].Lender); got.Cmp(big.NewInt(9_633)) != 0 {
		t.Fatalf("lender 1 balance = %s, want 9633", got)
	}
	// Fee recipient absorbed the redirected 66 plus fee 10 plus dust 2.
	if got := f.ledger.balance(cur, testFeeAddr); got.Cmp(big.NewInt(78)) != 0 {
		t.Fatalf("fee recipient balance = %s, want 78", got)
	}
	faults := f.emitter.byType(events.TypeDistributionFailed)
	if len(faults) != 1 {
		t.Fatalf("distribution failed events = %d, want 1", len(faults))
	}
	if evt := faults[0].(events.DistributionFailed); evt.Recipient != f.terms.Tranches[0].Lender {
		t.Fatalf("fault recipient = %x", evt.Recipient)
	}
}

func TestRepayResidueFaultRecorded(t *testing.T) {
	f := newEngineFixture(t)
	f.borrow()
	f.now = 1100
	f.ledger.frozen[testFeeAddr] = true

	// The conversion dust sweep targets the fee recipient; its fault must be
	// recorded, not swallowed, and must not fail the repayment.
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101)); err != nil {
		t.Fatalf("repay must survive a fee recipient fault: %v", err)
	}
	faults := f.emitter.byType(events.TypeDistributionFailed)
	if len(faults) != 1 {
		t.Fatalf("distribution failed events = %d, want 1", len(faults))
	}
	evt := faults[0].(events.DistributionFailed)
	if evt.Recipient != testFeeAddr {
		t.Fatalf("fault recipient = %x, want fee recipient", evt.Recipient)
	}
	if evt.Amount.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("fault amount = %s, want 2", evt.Amount)
	}
	// The dust stays parked at the engine address for reconciliation.
	if got := f.ledger.balance(f.terms.CurrencyToken, testEngineAddr); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("engine balance = %s, want 2", got)
	}
}

func TestTransferPositionRedirectsPayout(t *testing.T) {
	f := newEngineFixture(t)
	id := f.borrow()
	newOwner := testAddr(0x77)
	token := PositionTokenID(id, 0)

	if err := f.engine.TransferPosition(testAddr(0x42), token, newOwner); !errors.Is(err, errUnauthorizedCaller) {
		t.Fatalf("non-owner transfer err = %v, want errUnauthorizedCaller", err)
	}
	if err := f.engine.TransferPosition(f.terms.Tranches[0].Lender, token, newOwner); err != nil {
		t.Fatalf("transfer position: %v", err)
	}

	f.now = 1100
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	cur := f.terms.CurrencyToken
	if got := f.ledger.balance(cur, newOwner); got.Cmp(big.NewInt(66)) != 0 {
		t.Fatalf("new owner balance = %s, want 66", got)
	}
	if got := f.ledger.balance(cur, f.terms.Tranches[0].Lender); got.Cmp(big.NewInt(9_200)) != 0 {
		t.Fatalf("old owner balance = %s, want 9200", got)
	}
}

func TestQuote(t *testing.T) {
	f := newEngineFixture(t)

	q, err := f.engine.Quote(f.terms, 1100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.PrincipalDue.Sign() != 0 || q.InterestDue.Sign() != 0 || q.FeesDue.Sign() != 0 {
		t.Fatalf("inactive loan quoted %+v, want zeros", q)
	}

	f.borrow()
	q, err = f.engine.Quote(f.terms, 1100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.PrincipalDue.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("principal due = %s, want 100", q.PrincipalDue)
	}
	if q.InterestDue.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("interest due = %s, want 1", q.InterestDue)
	}
	if q.FeesDue.Sign() != 0 {
		t.Fatalf("fees due = %s, want 0 before payoff", q.FeesDue)
	}
}

func TestUnknownRateModelRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.borrow()
	f.engine.RegisterModel(f.terms.RateModel, nil)
	f.now = 1100
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101)); !errors.Is(err, errUnknownRateModel) {
		t.Fatalf("err = %v, want errUnknownRateModel", err)
	}
}

// overClaimModel wraps a real model and inflates the principal it reports
// without adjusting the tranche splits.
type overClaimModel struct{ inner InterestRateModel }

func (m overClaimModel) Name() string { return "overclaim" }

func (m overClaimModel) Repayment(terms *LoanTerms, balance *big.Int, deadline, maturity, asOf int64) (*RepaymentBreakdown, error) {
	b, err := m.inner.Repayment(terms, balance, deadline, maturity, asOf)
	if err != nil {
		return nil, err
	}
	b.Principal = new(big.Int).Add(b.Principal, big.NewInt(1))
	return b, nil
}

func TestRateModelIntegrityEnforced(t *testing.T) {
	f := newEngineFixture(t)
	f.borrow()
	f.engine.RegisterModel(f.terms.RateModel, overClaimModel{inner: SimpleRateModel{}})
	f.now = 1100
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(200)); !errors.Is(err, errModelIntegrity) {
		t.Fatalf("err = %v, want errModelIntegrity", err)
	}
}

// recordHook records notifications; when reenter is set it calls back into
// the engine from inside the hook.
type recordHook struct {
	originated int
	repayments int
	reenter    *engineFixture
	lastErr    error
}

func (h *recordHook) OnOriginated(ctx context.Context, loanID, tokenID [32]byte) error {
	h.originated++
	return nil
}

func (h *recordHook) OnRepayment(ctx context.Context, loanID, tokenID [32]byte, principal, interest *big.Int) error {
	h.repayments++
	if h.reenter != nil {
		f := h.reenter
		_, h.lastErr = f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(1_000))
		return h.lastErr
	}
	return nil
}

func (h *recordHook) OnLiquidated(ctx context.Context, loanID, tokenID [32]byte) error {
	return nil
}

func (h *recordHook) OnCollateralLiquidated(ctx context.Context, loanID, tokenID [32]byte, amount *big.Int) error {
	return nil
}

func TestHooksNotified(t *testing.T) {
	f := newEngineFixture(t)
	hook := &recordHook{}
	f.engine.RegisterHook(f.terms.Tranches[0].Lender, hook)

	f.borrow()
	if hook.originated != 1 {
		t.Fatalf("originated notifications = %d, want 1", hook.originated)
	}
	f.now = 1100
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if hook.repayments != 1 {
		t.Fatalf("repayment notifications = %d, want 1", hook.repayments)
	}
}

type panickingHook struct{ recordHook }

func (panickingHook) OnOriginated(ctx context.Context, loanID, tokenID [32]byte) error {
	panic("boom")
}

func TestHookPanicIsolated(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.RegisterHook(f.terms.Tranches[0].Lender, &panickingHook{})

	id := f.borrow()
	st, _ := f.state.LoanGet(id)
	if st.Status != LoanActive {
		t.Fatalf("status = %v, want active despite hook panic", st.Status)
	}
	failures := f.emitter.byType(events.TypeHookFailed)
	if len(failures) != 1 {
		t.Fatalf("hook failed events = %d, want 1", len(failures))
	}
}

func TestHookReentrancyBlocked(t *testing.T) {
	f := newEngineFixture(t)
	hook := &recordHook{reenter: f}
	f.engine.RegisterHook(f.terms.Tranches[0].Lender, hook)
	f.borrow()

	f.now = 1100
	if _, err := f.engine.Repay(f.terms.Borrower, f.terms, big.NewInt(101)); err != nil {
		t.Fatalf("outer repay: %v", err)
	}
	if !errors.Is(hook.lastErr, errReentrancy) {
		t.Fatalf("nested call err = %v, want errReentrancy", hook.lastErr)
	}
	if len(f.emitter.byType(events.TypeHookFailed)) != 1 {
		t.Fatal("reentrant hook failure not reported")
	}
}
