package state

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"tranchelend/core/types"
	"tranchelend/native/escrow"
	"tranchelend/native/lending"
	"tranchelend/storage"
)

var (
	// ErrUnknownToken is returned when an operation references a currency
	// token that was never registered with its decimal precision.
	ErrUnknownToken = errors.New("state: unknown token")
	// ErrInsufficientFunds is returned when a transfer exceeds the sender's
	// balance.
	ErrInsufficientFunds = errors.New("state: insufficient funds")
	// ErrAccountFrozen is returned when a transfer targets a frozen account.
	ErrAccountFrozen = errors.New("state: recipient account frozen")
	// ErrUnknownCollateral is returned when a collateral token has no owner
	// record.
	ErrUnknownCollateral = errors.New("state: unknown collateral token")
	// ErrNotCollateralOwner is returned when a collateral transfer names the
	// wrong current owner.
	ErrNotCollateralOwner = errors.New("state: from is not the collateral owner")
)

// Key prefixes partition the flat key-value store into typed namespaces.
var (
	accountPrefix  = []byte("acct:")
	tokenPrefix    = []byte("tok:")
	loanPrefix     = []byte("loan:")
	termsPrefix    = []byte("terms:")
	noncePrefix    = []byte("nonce:")
	positionPrefix = []byte("pos:")
	depositPrefix  = []byte("dep:")
	nftPrefix      = []byte("nft:")
)

// Manager persists all settlement state in a key-value store with RLP
// encoding. It backs both native engines and doubles as the token ledger and
// collateral vault they settle against. All mutating methods are serialized
// by a single mutex; reads of returned values are copies.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager wraps a key-value backend.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func makeKey(prefix []byte, parts ...[]byte) []byte {
	key := append([]byte(nil), prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}

func ensureBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// --- accounts and token ledger ---

type balanceEntry struct {
	Token  string
	Amount *big.Int
}

type accountWire struct {
	Nonce    uint64
	Balances []balanceEntry
	Frozen   bool
}

func encodeAccount(acct *types.Account) ([]byte, error) {
	wire := accountWire{Nonce: acct.Nonce, Frozen: acct.Frozen}
	keys := make([]string, 0, len(acct.Balances))
	for token := range acct.Balances {
		keys = append(keys, token)
	}
	sort.Strings(keys)
	for _, token := range keys {
		wire.Balances = append(wire.Balances, balanceEntry{Token: token, Amount: ensureBig(acct.Balances[token])})
	}
	return rlp.EncodeToBytes(&wire)
}

func decodeAccount(raw []byte) (*types.Account, error) {
	var wire accountWire
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, err
	}
	acct := &types.Account{Nonce: wire.Nonce, Frozen: wire.Frozen, Balances: make(map[string]*big.Int)}
	for _, entry := range wire.Balances {
		acct.Balances[entry.Token] = ensureBig(entry.Amount)
	}
	return acct, nil
}

func (m *Manager) accountGet(addr [20]byte) (*types.Account, error) {
	raw, err := m.db.Get(makeKey(accountPrefix, addr[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{Balances: make(map[string]*big.Int)}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAccount(raw)
}

func (m *Manager) accountPut(addr [20]byte, acct *types.Account) error {
	raw, err := encodeAccount(acct)
	if err != nil {
		return err
	}
	return m.db.Put(makeKey(accountPrefix, addr[:]), raw)
}

// Account returns a copy of the account row for an address.
func (m *Manager) Account(addr [20]byte) (*types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountGet(addr)
}

// SetFrozen toggles the incoming-transfer freeze on an account.
func (m *Manager) SetFrozen(addr [20]byte, frozen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, err := m.accountGet(addr)
	if err != nil {
		return err
	}
	acct.Frozen = frozen
	return m.accountPut(addr, acct)
}

// RegisterToken records a currency token's decimal precision. Settlement
// refuses to operate on unregistered tokens.
func (m *Manager) RegisterToken(token [20]byte, decimals uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(makeKey(tokenPrefix, token[:]), []byte{decimals})
}

// Decimals reports a registered token's precision.
func (m *Manager) Decimals(token [20]byte) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(makeKey(tokenPrefix, token[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %x", ErrUnknownToken, token)
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 1 {
		return 0, fmt.Errorf("state: corrupt token record for %x", token)
	}
	return raw[0], nil
}

// Mint credits freshly issued tokens to an address, for genesis seeding and
// tests.
func (m *Manager) Mint(token [20]byte, to [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: mint amount must be non-negative")
	}
	acct, err := m.accountGet(to)
	if err != nil {
		return err
	}
	key := tokenKey(token)
	acct.SetBalance(key, new(big.Int).Add(acct.Balance(key), amount))
	return m.accountPut(to, acct)
}

func tokenKey(token [20]byte) string {
	return hex.EncodeToString(token[:])
}

// Transfer moves tokens between accounts. Frozen recipients reject the
// transfer, which the settlement engine treats as a distribution fault.
func (m *Manager) Transfer(token [20]byte, from, to [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	if has, err := m.db.Has(makeKey(tokenPrefix, token[:])); err != nil {
		return err
	} else if !has {
		return fmt.Errorf("%w: %x", ErrUnknownToken, token)
	}
	fromAcct, err := m.accountGet(from)
	if err != nil {
		return err
	}
	toAcct, err := m.accountGet(to)
	if err != nil {
		return err
	}
	if toAcct.Frozen {
		return fmt.Errorf("%w: %x", ErrAccountFrozen, to)
	}
	key := tokenKey(token)
	balance := fromAcct.Balance(key)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, amount)
	}
	fromAcct.SetBalance(key, new(big.Int).Sub(balance, amount))
	toAcct.SetBalance(key, new(big.Int).Add(toAcct.Balance(key), amount))
	if err := m.accountPut(from, fromAcct); err != nil {
		return err
	}
	return m.accountPut(to, toAcct)
}

// --- collateral vault ---

func nftKey(collection [20]byte, tokenID *big.Int) []byte {
	return makeKey(nftPrefix, collection[:], ensureBig(tokenID).Bytes())
}

// MintCollateral records the initial owner of a collateral token.
func (m *Manager) MintCollateral(collection [20]byte, tokenID *big.Int, owner [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(nftKey(collection, tokenID), owner[:])
}

// OwnerOf reports the current owner of a collateral token.
func (m *Manager) OwnerOf(collection [20]byte, tokenID *big.Int) ([20]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owner [20]byte
	raw, err := m.db.Get(nftKey(collection, tokenID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return owner, fmt.Errorf("%w: %x/%s", ErrUnknownCollateral, collection, ensureBig(tokenID))
	}
	if err != nil {
		return owner, err
	}
	copy(owner[:], raw)
	return owner, nil
}

// TransferCollateral reassigns a collateral token. It is exposed to the
// engines under their vault interface name.
func (m *Manager) transferCollateral(collection [20]byte, tokenID *big.Int, from, to [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nftKey(collection, tokenID)
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("%w: %x/%s", ErrUnknownCollateral, collection, ensureBig(tokenID))
	}
	if err != nil {
		return err
	}
	var owner [20]byte
	copy(owner[:], raw)
	if owner != from {
		return fmt.Errorf("%w: owner %x", ErrNotCollateralOwner, owner)
	}
	return m.db.Put(key, to[:])
}

// Vault adapts the manager to the engines' collateral interface without
// exposing the account ledger methods under the same receiver name twice.
type Vault struct{ m *Manager }

// Vault returns the collateral custody view of the manager.
func (m *Manager) Vault() *Vault { return &Vault{m: m} }

// OwnerOf reports the current owner of a collateral token.
func (v *Vault) OwnerOf(collection [20]byte, tokenID *big.Int) ([20]byte, error) {
	return v.m.OwnerOf(collection, tokenID)
}

// Transfer reassigns a collateral token from its current owner.
func (v *Vault) Transfer(collection [20]byte, tokenID *big.Int, from, to [20]byte) error {
	return v.m.transferCollateral(collection, tokenID, from, to)
}

// --- loan registry ---

type loanStateWire struct {
	Status   uint8
	Maturity uint64
	Deadline uint64
	Balance  *big.Int
}

// LoanGet loads a loan registry row, returning the implicit all-zero row for
// identities that were never written.
func (m *Manager) LoanGet(id [32]byte) (*lending.LoanState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(makeKey(loanPrefix, id[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &lending.LoanState{Status: lending.LoanUninitialized, Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var wire loanStateWire
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, err
	}
	st := &lending.LoanState{
		Status:            lending.LoanStatus(wire.Status),
		Maturity:          int64(wire.Maturity),
		RepaymentDeadline: int64(wire.Deadline),
		Balance:           ensureBig(wire.Balance),
	}
	if !st.Status.Valid() {
		return nil, fmt.Errorf("state: corrupt loan status %d", wire.Status)
	}
	return st, nil
}

// LoanPut persists a loan registry row.
func (m *Manager) LoanPut(id [32]byte, st *lending.LoanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == nil {
		return fmt.Errorf("state: nil loan state")
	}
	raw, err := rlp.EncodeToBytes(&loanStateWire{
		Status:   uint8(st.Status),
		Maturity: uint64(st.Maturity),
		Deadline: uint64(st.RepaymentDeadline),
		Balance:  ensureBig(st.Balance),
	})
	if err != nil {
		return err
	}
	return m.db.Put(makeKey(loanPrefix, id[:]), raw)
}

type trancheWire struct {
	Lender [20]byte
	Amount *big.Int
	Rate   *big.Int
}

type termsWire struct {
	Expiration          uint64
	Borrower            [20]byte
	CurrencyToken       [20]byte
	CollateralToken     [20]byte
	CollateralTokenID   *big.Int
	Duration            uint64
	RepaymentInterval   uint64
	RateModel           [20]byte
	GracePeriodRate     *big.Int
	GracePeriodDuration uint64
	OriginationFee      *big.Int
	ExitFee             *big.Int
	Tranches            []trancheWire
	CollateralContext   []byte
	Options             []byte
}

// TermsGet loads the immutable terms recorded for a loan.
func (m *Manager) TermsGet(id [32]byte) (*lending.LoanTerms, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(makeKey(termsPrefix, id[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var wire termsWire
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, false, err
	}
	terms := &lending.LoanTerms{
		Expiration:          int64(wire.Expiration),
		Borrower:            wire.Borrower,
		CurrencyToken:       wire.CurrencyToken,
		CollateralToken:     wire.CollateralToken,
		CollateralTokenID:   ensureBig(wire.CollateralTokenID),
		Duration:            wire.Duration,
		RepaymentInterval:   wire.RepaymentInterval,
		RateModel:           wire.RateModel,
		GracePeriodRate:     ensureBig(wire.GracePeriodRate),
		GracePeriodDuration: wire.GracePeriodDuration,
		Fees: lending.FeeSpec{
			OriginationFee: ensureBig(wire.OriginationFee),
			ExitFee:        ensureBig(wire.ExitFee),
		},
		CollateralContext: wire.CollateralContext,
		Options:           wire.Options,
	}
	terms.Tranches = make([]lending.TrancheSpec, len(wire.Tranches))
	for i, t := range wire.Tranches {
		terms.Tranches[i] = lending.TrancheSpec{Lender: t.Lender, Amount: ensureBig(t.Amount), Rate: ensureBig(t.Rate)}
	}
	return terms, true, nil
}

// TermsPut records the immutable terms for a loan.
func (m *Manager) TermsPut(id [32]byte, terms *lending.LoanTerms) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if terms == nil {
		return fmt.Errorf("state: nil loan terms")
	}
	wire := termsWire{
		Expiration:          uint64(terms.Expiration),
		Borrower:            terms.Borrower,
		CurrencyToken:       terms.CurrencyToken,
		CollateralToken:     terms.CollateralToken,
		CollateralTokenID:   ensureBig(terms.CollateralTokenID),
		Duration:            terms.Duration,
		RepaymentInterval:   terms.RepaymentInterval,
		RateModel:           terms.RateModel,
		GracePeriodRate:     ensureBig(terms.GracePeriodRate),
		GracePeriodDuration: terms.GracePeriodDuration,
		OriginationFee:      ensureBig(terms.Fees.OriginationFee),
		ExitFee:             ensureBig(terms.Fees.ExitFee),
		CollateralContext:   terms.CollateralContext,
		Options:             terms.Options,
	}
	wire.Tranches = make([]trancheWire, len(terms.Tranches))
	for i, t := range terms.Tranches {
		wire.Tranches[i] = trancheWire{Lender: t.Lender, Amount: ensureBig(t.Amount), Rate: ensureBig(t.Rate)}
	}
	raw, err := rlp.EncodeToBytes(&wire)
	if err != nil {
		return err
	}
	return m.db.Put(makeKey(termsPrefix, id[:]), raw)
}

// NonceGet loads a lender's offer nonce for a loan identity. Absent rows read
// as zero.
func (m *Manager) NonceGet(id [32]byte, lender [20]byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(makeKey(noncePrefix, id[:], lender[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var nonce uint64
	if err := rlp.DecodeBytes(raw, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// NoncePut records a lender's offer nonce for a loan identity.
func (m *Manager) NoncePut(id [32]byte, lender [20]byte, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(makeKey(noncePrefix, id[:], lender[:]), raw)
}

// --- positions ---

type positionWire struct {
	TokenID      [32]byte
	LoanID       [32]byte
	TrancheIndex uint32
	Owner        [20]byte
}

// PositionGet resolves a position token.
func (m *Manager) PositionGet(token [32]byte) (*lending.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(makeKey(positionPrefix, token[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var wire positionWire
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, false, err
	}
	return &lending.Position{
		TokenID:      wire.TokenID,
		LoanID:       wire.LoanID,
		TrancheIndex: wire.TrancheIndex,
		Owner:        wire.Owner,
	}, true, nil
}

// PositionPut records (or re-records, on ownership transfer) a position.
func (m *Manager) PositionPut(pos *lending.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos == nil {
		return fmt.Errorf("state: nil position")
	}
	raw, err := rlp.EncodeToBytes(&positionWire{
		TokenID:      pos.TokenID,
		LoanID:       pos.LoanID,
		TrancheIndex: pos.TrancheIndex,
		Owner:        pos.Owner,
	})
	if err != nil {
		return err
	}
	return m.db.Put(makeKey(positionPrefix, pos.TokenID[:]), raw)
}

// --- escrow deposits ---

type depositWire struct {
	ID        [32]byte
	Depositor [20]byte
	Token     [20]byte
	Amount    *big.Int
	Status    uint8
	CreatedAt uint64
	UnlockAt  uint64
}

// DepositGet resolves an escrow deposit.
func (m *Manager) DepositGet(id [32]byte) (*escrow.Deposit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get(makeKey(depositPrefix, id[:]))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var wire depositWire
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, false, err
	}
	dep := &escrow.Deposit{
		ID:        wire.ID,
		Depositor: wire.Depositor,
		Token:     wire.Token,
		Amount:    ensureBig(wire.Amount),
		Status:    escrow.DepositStatus(wire.Status),
		CreatedAt: int64(wire.CreatedAt),
		UnlockAt:  int64(wire.UnlockAt),
	}
	if !dep.Status.Valid() {
		return nil, false, fmt.Errorf("state: corrupt deposit status %d", wire.Status)
	}
	return dep, true, nil
}

// DepositPut persists an escrow deposit row.
func (m *Manager) DepositPut(dep *escrow.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dep == nil {
		return fmt.Errorf("state: nil deposit")
	}
	raw, err := rlp.EncodeToBytes(&depositWire{
		ID:        dep.ID,
		Depositor: dep.Depositor,
		Token:     dep.Token,
		Amount:    ensureBig(dep.Amount),
		Status:    uint8(dep.Status),
		CreatedAt: uint64(dep.CreatedAt),
		UnlockAt:  uint64(dep.UnlockAt),
	})
	if err != nil {
		return err
	}
	return m.db.Put(makeKey(depositPrefix, dep.ID[:]), raw)
}
