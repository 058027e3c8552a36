package types

import "math/big"

// Account holds the fungible token balances for a participant address. Token
// balances are keyed by the lowercase hex encoding of the 20-byte token
// address and stored as big integers in the token's native unit.
type Account struct {
	// Nonce counts state-mutating submissions from this address.
	Nonce uint64 `json:"nonce"`
	// Balances maps token address (hex) to the held native amount.
	Balances map[string]*big.Int `json:"balances"`
	// Frozen marks an account that rejects incoming transfers. Settlement
	// treats a frozen recipient as a distribution fault, not a fatal error.
	Frozen bool `json:"frozen,omitempty"`
}

// Balance returns the held amount for the given token key, never nil.
func (a *Account) Balance(token string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if v, ok := a.Balances[token]; ok && v != nil {
		return v
	}
	return big.NewInt(0)
}

// SetBalance records the held amount for the given token key.
func (a *Account) SetBalance(token string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.Balances[token] = amount
}
