package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParsePrivateKey parses a hex encoded secp256k1 key, with or without 0x prefix. If expected is not the zero address,
// the key must belong to it.
func ParsePrivateKey(s string, expected ethCommon.Address) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ethereum private key: %w", err)
	}
	if addr := crypto.PubkeyToAddress(key.PublicKey); expected != (ethCommon.Address{}) && addr != expected {
		return nil, fmt.Errorf("ethereum private key belongs to %s, expected %s", addr, expected)
	}
	return key, nil
}
