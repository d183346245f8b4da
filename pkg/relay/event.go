package relay

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// Lock amounts carry chain A precision and are issued on chain B at 10^9 precision.
var rescaleFactor = uint256.NewInt(1_000_000_000)

// Rescale returns n * 10^9 truncated to 128 bits. n is a uint256 event field.
func Rescale(n *big.Int) *big.Int {
	u, _ := uint256.FromBig(n)
	out := new(uint256.Int).Mul(u, rescaleFactor)
	// Mul wraps at 2^256; dropping the upper limbs leaves the product mod 2^128.
	out[2], out[3] = 0, 0
	return out.ToBig()
}

// LockEvent is one TokensLocked log decoded into the values settlement needs.
type LockEvent struct {
	// Amount is the rescaled amount, always below 2^128.
	Amount      *big.Int
	Origin      common.Address
	Destination solana.PublicKey
	// RawDestination is the destination string exactly as it appeared in the log.
	RawDestination string

	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Usable reports whether the event can be settled.
func (e *LockEvent) Usable() bool {
	return e.Amount != nil && e.Amount.Sign() != 0 &&
		e.Origin != (common.Address{}) &&
		!e.Destination.IsZero()
}

// IssueAmount is the amount passed to the migrate instruction: Amount truncated to 64 bits.
func (e *LockEvent) IssueAmount() uint64 {
	u, _ := uint256.FromBig(e.Amount)
	return u.Uint64()
}

// IssueAmountTruncated reports whether IssueAmount lost high bits of Amount.
func (e *LockEvent) IssueAmountTruncated() bool {
	return !e.Amount.IsUint64()
}

// Fingerprint identifies the event across redeliveries: keccak256 over origin, destination, amount and the source log
// coordinates, hex encoded.
func (e *LockEvent) Fingerprint() string {
	buf := make([]byte, 0, common.AddressLength+solana.PublicKeyLength+32+common.HashLength+8)
	buf = append(buf, e.Origin.Bytes()...)
	buf = append(buf, e.Destination.Bytes()...)
	buf = append(buf, common.LeftPadBytes(e.Amount.Bytes(), 32)...)
	buf = append(buf, e.TxHash.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.LogIndex))
	return crypto.Keccak256Hash(buf).Hex()
}
