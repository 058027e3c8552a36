package escrow

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// DepositStatus tracks the lifecycle of a staged deposit.
type DepositStatus uint8

const (
	DepositUninitialized DepositStatus = iota
	DepositFunded
	DepositWithdrawn
	DepositCancelled
)

// Valid reports whether the status value is within the supported range.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositUninitialized, DepositFunded, DepositWithdrawn, DepositCancelled:
		return true
	default:
		return false
	}
}

func (s DepositStatus) String() string {
	switch s {
	case DepositUninitialized:
		return "uninitialized"
	case DepositFunded:
		return "funded"
	case DepositWithdrawn:
		return "withdrawn"
	case DepositCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Deposit is funds a lender pre-stages so a later loan origination can pull
// them without a live signature. UnlockAt is the instant from which the
// depositor may reclaim an unconsumed deposit.
type Deposit struct {
	ID        [32]byte
	Depositor [20]byte
	Token     [20]byte
	Amount    *big.Int
	Status    DepositStatus
	CreatedAt int64
	UnlockAt  int64
}

// Clone returns a deep copy of the deposit.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

var depositDomain = ethcrypto.Keccak256([]byte("tranchelend/escrow/v1"))

// DepositID derives a deposit identity from the depositor, a caller-chosen
// nonce and the staged token. The nonce keeps repeated deposits of the same
// token distinct.
func DepositID(depositor [20]byte, token [20]byte, nonce uint64) [32]byte {
	word := uint256.NewInt(nonce).Bytes32()
	padded := make([]byte, 32)
	copy(padded[12:], depositor[:])
	tokenWord := make([]byte, 32)
	copy(tokenWord[12:], token[:])
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(depositDomain, padded, tokenWord, word[:]))
	return out
}
