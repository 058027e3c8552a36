package lending

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Domain separation tags keep loan identifiers, signable digests and position
// token ids in disjoint hash domains.
var (
	loanDomain     = ethcrypto.Keccak256([]byte("tranchelend/loan/v1"))
	offerDomain    = ethcrypto.Keccak256([]byte("tranchelend/offer/v1"))
	positionDomain = ethcrypto.Keccak256([]byte("tranchelend/position/v1"))
)

// ErrBadSignature is returned when a lender authorization cannot be recovered
// or recovers to the wrong address.
var ErrBadSignature = errors.New("lending: bad lender signature")

func word(v uint64) []byte {
	out := uint256.NewInt(v).Bytes32()
	return out[:]
}

func bigWord(v *big.Int) []byte {
	if v == nil {
		return word(0)
	}
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		// Out-of-range values cannot appear in validated terms; hash a
		// truncated word rather than panic so identity stays total.
		u = new(uint256.Int)
	}
	out := u.Bytes32()
	return out[:]
}

func addrWord(addr [20]byte) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr[:])
	return out
}

// hashTranches struct-hashes the tranche array: each element is hashed on its
// own, then the concatenation of the element hashes is hashed. Hashing raw
// concatenated values instead would allow type-confusion collisions between
// adjacent fields.
func hashTranches(tranches []TrancheSpec) []byte {
	elements := make([]byte, 0, len(tranches)*32)
	for _, tranche := range tranches {
		h := ethcrypto.Keccak256(
			addrWord(tranche.Lender),
			bigWord(tranche.Amount),
			bigWord(tranche.Rate),
		)
		elements = append(elements, h...)
	}
	return ethcrypto.Keccak256(elements)
}

// TermsHash canonicalizes the loan terms into a content hash. Every scalar is
// encoded as a 32-byte big-endian word; variable-length fields are hashed
// before inclusion.
func TermsHash(terms *LoanTerms) [32]byte {
	var out [32]byte
	if terms == nil {
		return out
	}
	h := ethcrypto.Keccak256(
		word(uint64(terms.Expiration)),
		addrWord(terms.Borrower),
		addrWord(terms.CurrencyToken),
		addrWord(terms.CollateralToken),
		bigWord(terms.CollateralTokenID),
		word(terms.Duration),
		word(terms.RepaymentInterval),
		addrWord(terms.RateModel),
		bigWord(terms.GracePeriodRate),
		word(terms.GracePeriodDuration),
		bigWord(terms.Fees.OriginationFee),
		bigWord(terms.Fees.ExitFee),
		hashTranches(terms.Tranches),
		ethcrypto.Keccak256(terms.CollateralContext),
		ethcrypto.Keccak256(terms.Options),
	)
	copy(out[:], h)
	return out
}

// LoanID derives the loan identity from the chain id and the canonical terms
// hash. Identical terms on the same chain collide deliberately: the identity
// doubles as the dedup key.
func LoanID(chainID uint64, terms *LoanTerms) [32]byte {
	termsHash := TermsHash(terms)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(loanDomain, word(chainID), termsHash[:]))
	return out
}

// SignableDigest binds the full terms, the settlement engine address and the
// lender's current nonce into the digest a lender signs to authorize a direct
// funds pull without a pre-deposit.
func SignableDigest(chainID uint64, engine [20]byte, terms *LoanTerms, nonce uint64) [32]byte {
	termsHash := TermsHash(terms)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(
		offerDomain,
		word(chainID),
		addrWord(engine),
		termsHash[:],
		word(nonce),
	))
	return out
}

// PositionTokenID derives the transferable position token for one tranche of
// one loan.
func PositionTokenID(loanID [32]byte, trancheIndex uint32) [32]byte {
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(positionDomain, loanID[:], word(uint64(trancheIndex))))
	return out
}

// RecoverSigner recovers the 20-byte address that produced a 65-byte
// recoverable signature over the digest.
func RecoverSigner(digest [32]byte, sig []byte) ([20]byte, error) {
	var out [20]byte
	if len(sig) != 65 {
		return out, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrBadSignature, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	copy(out[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}
