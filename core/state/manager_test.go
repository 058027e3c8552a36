package state

import (
	"errors"
	"math/big"
	"testing"

	"tranchelend/native/escrow"
	"tranchelend/native/lending"
	"tranchelend/storage"
)

func testAddr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func TestTokenLedger(t *testing.T) {
	m := newTestManager(t)
	token := testAddr(0xAA)
	alice, bob := testAddr(0x01), testAddr(0x02)

	if _, err := m.Decimals(token); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("err = %v, want ErrUnknownToken", err)
	}
	if err := m.RegisterToken(token, 6); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if d, err := m.Decimals(token); err != nil || d != 6 {
		t.Fatalf("decimals = %d (%v), want 6", d, err)
	}

	if err := m.Mint(token, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := m.Transfer(token, alice, bob, big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	acct, err := m.Account(bob)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if got := acct.Balance(tokenKey(token)); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("bob balance = %s, want 400", got)
	}
	if err := m.Transfer(token, alice, bob, big.NewInt(10_000)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if err := m.Transfer(testAddr(0xCC), alice, bob, big.NewInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("err = %v, want ErrUnknownToken", err)
	}
}

func TestFrozenAccountRejectsIncoming(t *testing.T) {
	m := newTestManager(t)
	token := testAddr(0xAA)
	alice, bob := testAddr(0x01), testAddr(0x02)
	if err := m.RegisterToken(token, 6); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := m.Mint(token, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := m.SetFrozen(bob, true); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := m.Transfer(token, alice, bob, big.NewInt(10)); !errors.Is(err, ErrAccountFrozen) {
		t.Fatalf("err = %v, want ErrAccountFrozen", err)
	}
	if err := m.SetFrozen(bob, false); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if err := m.Transfer(token, alice, bob, big.NewInt(10)); err != nil {
		t.Fatalf("transfer after unfreeze: %v", err)
	}
}

func TestCollateralVault(t *testing.T) {
	m := newTestManager(t)
	vault := m.Vault()
	collection := testAddr(0xBB)
	id := big.NewInt(7)
	alice, bob := testAddr(0x01), testAddr(0x02)

	if _, err := vault.OwnerOf(collection, id); !errors.Is(err, ErrUnknownCollateral) {
		t.Fatalf("err = %v, want ErrUnknownCollateral", err)
	}
	if err := m.MintCollateral(collection, id, alice); err != nil {
		t.Fatalf("mint collateral: %v", err)
	}
	if err := vault.Transfer(collection, id, bob, alice); !errors.Is(err, ErrNotCollateralOwner) {
		t.Fatalf("err = %v, want ErrNotCollateralOwner", err)
	}
	if err := vault.Transfer(collection, id, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, err := vault.OwnerOf(collection, id)
	if err != nil || owner != bob {
		t.Fatalf("owner = %x (%v), want bob", owner, err)
	}
}

func TestLoanRoundTrip(t *testing.T) {
	m := newTestManager(t)
	var id [32]byte
	id[0] = 0x01

	st, err := m.LoanGet(id)
	if err != nil {
		t.Fatalf("loan get: %v", err)
	}
	if st.Status != lending.LoanUninitialized || st.Balance.Sign() != 0 {
		t.Fatalf("untouched loan = %+v, want zero row", st)
	}

	want := &lending.LoanState{
		Status:            lending.LoanActive,
		Maturity:          2200,
		RepaymentDeadline: 1100,
		Balance:           big.NewInt(1_200_000_000_000_000),
	}
	if err := m.LoanPut(id, want); err != nil {
		t.Fatalf("loan put: %v", err)
	}
	got, err := m.LoanGet(id)
	if err != nil {
		t.Fatalf("loan get: %v", err)
	}
	if got.Status != want.Status || got.Maturity != want.Maturity ||
		got.RepaymentDeadline != want.RepaymentDeadline || got.Balance.Cmp(want.Balance) != 0 {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestTermsRoundTrip(t *testing.T) {
	m := newTestManager(t)
	var id [32]byte
	id[0] = 0x02

	if _, ok, err := m.TermsGet(id); err != nil || ok {
		t.Fatalf("absent terms = (%v, %v), want (false, nil)", ok, err)
	}

	terms := &lending.LoanTerms{
		Expiration:          5_000,
		Borrower:            testAddr(0x01),
		CurrencyToken:       testAddr(0xAA),
		CollateralToken:     testAddr(0xBB),
		CollateralTokenID:   big.NewInt(7),
		Duration:            1200,
		RepaymentInterval:   100,
		RateModel:           testAddr(0x51),
		GracePeriodRate:     big.NewInt(2_000),
		GracePeriodDuration: 50,
		Fees:                lending.FeeSpec{OriginationFee: big.NewInt(10), ExitFee: big.NewInt(5)},
		Tranches: []lending.TrancheSpec{
			{Lender: testAddr(0x10), Amount: big.NewInt(800), Rate: big.NewInt(1_000)},
			{Lender: testAddr(0x11), Amount: big.NewInt(400), Rate: big.NewInt(2_000)},
		},
		CollateralContext: []byte{0x01, 0x02},
		Options:           []byte{0x03},
	}
	if err := m.TermsPut(id, terms); err != nil {
		t.Fatalf("terms put: %v", err)
	}
	got, ok, err := m.TermsGet(id)
	if err != nil || !ok {
		t.Fatalf("terms get: (%v, %v)", ok, err)
	}
	if lending.LoanID(1, got) != lending.LoanID(1, terms) {
		t.Fatal("terms identity changed across persistence")
	}
}

func TestNonceRoundTrip(t *testing.T) {
	m := newTestManager(t)
	var id [32]byte
	id[0] = 0x03
	lender := testAddr(0x10)

	if nonce, err := m.NonceGet(id, lender); err != nil || nonce != 0 {
		t.Fatalf("fresh nonce = %d (%v), want 0", nonce, err)
	}
	if err := m.NoncePut(id, lender, 3); err != nil {
		t.Fatalf("nonce put: %v", err)
	}
	if nonce, err := m.NonceGet(id, lender); err != nil || nonce != 3 {
		t.Fatalf("nonce = %d (%v), want 3", nonce, err)
	}
	// Per-lender, per-loan isolation.
	if nonce, err := m.NonceGet(id, testAddr(0x11)); err != nil || nonce != 0 {
		t.Fatalf("other lender nonce = %d (%v), want 0", nonce, err)
	}
}

func TestPositionRoundTrip(t *testing.T) {
	m := newTestManager(t)
	pos := &lending.Position{
		TokenID:      [32]byte{0x04},
		LoanID:       [32]byte{0x05},
		TrancheIndex: 2,
		Owner:        testAddr(0x10),
	}
	if _, ok, err := m.PositionGet(pos.TokenID); err != nil || ok {
		t.Fatalf("absent position = (%v, %v), want (false, nil)", ok, err)
	}
	if err := m.PositionPut(pos); err != nil {
		t.Fatalf("position put: %v", err)
	}
	got, ok, err := m.PositionGet(pos.TokenID)
	if err != nil || !ok {
		t.Fatalf("position get: (%v, %v)", ok, err)
	}
	if *got != *pos {
		t.Fatalf("round trip = %+v, want %+v", got, pos)
	}
}

func TestDepositRoundTrip(t *testing.T) {
	m := newTestManager(t)
	dep := &escrow.Deposit{
		ID:        [32]byte{0x06},
		Depositor: testAddr(0x10),
		Token:     testAddr(0xAA),
		Amount:    big.NewInt(300),
		Status:    escrow.DepositFunded,
		CreatedAt: 1_000,
		UnlockAt:  1_060,
	}
	if err := m.DepositPut(dep); err != nil {
		t.Fatalf("deposit put: %v", err)
	}
	got, ok, err := m.DepositGet(dep.ID)
	if err != nil || !ok {
		t.Fatalf("deposit get: (%v, %v)", ok, err)
	}
	if got.Status != dep.Status || got.Amount.Cmp(dep.Amount) != 0 || got.UnlockAt != dep.UnlockAt {
		t.Fatalf("round trip = %+v, want %+v", got, dep)
	}
}
