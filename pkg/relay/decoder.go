package relay

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voipfinance/bridge-relayer/pkg/ethereum"
)

var decodeFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayer_decode_failures_total",
		Help: "Total number of lock event fields that failed to decode, by field",
	}, []string{"field"})

var (
	errMissingTopic    = errors.New("missing topic")
	errZeroAmount      = errors.New("amount is zero")
	errZeroOrigin      = errors.New("origin is the zero address")
	errZeroDestination = errors.New("destination is the default public key")
)

// Decode turns a TokensLocked log into a LockEvent. Every field is decoded even if an earlier one failed; the returned
// event is always non-nil and carries whatever could be decoded. A *DecodeError is returned if the event is not usable.
func Decode(l types.Log) (*LockEvent, error) {
	ev := &LockEvent{
		Amount:      new(big.Int),
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}
	var failed []FieldError
	fail := func(f Field, err error) {
		failed = append(failed, FieldError{Field: f, Err: err})
		decodeFailures.WithLabelValues(string(f)).Inc()
	}

	if amount, err := decodeAmount(l); err != nil {
		fail(FieldAmount, err)
	} else {
		ev.Amount = Rescale(amount)
		if ev.Amount.Sign() == 0 {
			fail(FieldAmount, errZeroAmount)
		}
	}

	if origin, err := decodeOrigin(l); err != nil {
		fail(FieldOrigin, err)
	} else {
		ev.Origin = origin
		if origin == (common.Address{}) {
			fail(FieldOrigin, errZeroOrigin)
		}
	}

	raw, dest, err := decodeDestination(l)
	ev.RawDestination = raw
	if err != nil {
		fail(FieldDestination, err)
	} else {
		ev.Destination = dest
		if dest.IsZero() {
			fail(FieldDestination, errZeroDestination)
		}
	}

	if len(failed) > 0 {
		return ev, &DecodeError{Fields: failed}
	}
	return ev, nil
}

func topic(l types.Log, i int) ([]byte, error) {
	if len(l.Topics) <= i {
		return nil, fmt.Errorf("%w %d", errMissingTopic, i)
	}
	return l.Topics[i].Bytes(), nil
}

func decodeAmount(l types.Log) (*big.Int, error) {
	t, err := topic(l, 1)
	if err != nil {
		return nil, err
	}
	vals, err := ethereum.Uint256Arg.Unpack(t)
	if err != nil {
		return nil, err
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amount type %T", vals[0])
	}
	return amount, nil
}

func decodeOrigin(l types.Log) (common.Address, error) {
	t, err := topic(l, 2)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := ethereum.AddressArg.Unpack(t)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected origin type %T", vals[0])
	}
	return addr, nil
}

// decodeDestination reads the leading ABI string of the log data and parses it as a base58 public key.
func decodeDestination(l types.Log) (string, solana.PublicKey, error) {
	vals, err := ethereum.StringArg.Unpack(l.Data)
	if err != nil {
		return "", solana.PublicKey{}, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return "", solana.PublicKey{}, fmt.Errorf("unexpected destination type %T", vals[0])
	}
	dest, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return raw, solana.PublicKey{}, fmt.Errorf("invalid public key %q: %w", raw, err)
	}
	return raw, dest, nil
}
