package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var ErrInvalidKey = errors.New("invalid solana private key")

// ParsePrivateKey accepts either a base58 encoded 64 byte keypair or the JSON byte array written by solana-keygen.
func ParsePrivateKey(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)

	var raw []byte
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidKey, i)
			}
			raw[i] = byte(v)
		}
	} else {
		var err error
		raw, err = base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.PrivateKeySize, len(raw))
	}

	// The second half of a keypair is its public key; a mismatch means the key is corrupt.
	key := solana.PrivateKey(raw)
	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize]).Public().(ed25519.PublicKey)
	if !key.PublicKey().Equals(solana.PublicKeyFromBytes(derived)) {
		return nil, fmt.Errorf("%w: public key half does not match seed", ErrInvalidKey)
	}
	return key, nil
}
