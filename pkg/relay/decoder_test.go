package relay

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bridge "github.com/voipfinance/bridge-relayer/pkg/ethereum"
)

func TestRescale(t *testing.T) {
	assert.Equal(t, big.NewInt(5_000_000_000), Rescale(big.NewInt(5)))

	// Overflowing values wrap at 128 bits.
	max128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	got := Rescale(max128)
	assert.True(t, got.BitLen() <= 128)
	want := new(big.Int).Mul(max128, big.NewInt(1_000_000_000))
	want.Mod(want, new(big.Int).Lsh(big.NewInt(1), 128))
	assert.Zero(t, want.Cmp(got))

	// Products above 2^256 still reduce mod 2^128.
	max256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	want = new(big.Int).Mul(max256, big.NewInt(1_000_000_000))
	want.Mod(want, new(big.Int).Lsh(big.NewInt(1), 128))
	assert.Zero(t, want.Cmp(Rescale(max256)))
}

func TestDecodeLockEvent(t *testing.T) {
	l := lockLog(t, 3, testOrigin, testDestination, 42, 7)

	ev, err := Decode(l)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000_000), ev.Amount)
	assert.Equal(t, testOrigin, ev.Origin)
	assert.Equal(t, testDestination, ev.Destination.String())
	assert.Equal(t, testDestination, ev.RawDestination)
	assert.Equal(t, uint64(42), ev.BlockNumber)
	assert.Equal(t, uint(7), ev.LogIndex)
	assert.True(t, ev.Usable())
	assert.Equal(t, uint64(3_000_000_000), ev.IssueAmount())
	assert.False(t, ev.IssueAmountTruncated())
}

func TestDecodeReportsEveryFailedField(t *testing.T) {
	l := lockLog(t, 0, common.Address{}, "not-a-key", 1, 0)

	ev, err := Decode(l)
	require.NotNil(t, ev)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Len(t, decErr.Fields, 3)
	assert.True(t, decErr.Failed(FieldAmount))
	assert.True(t, decErr.Failed(FieldOrigin))
	assert.True(t, decErr.Failed(FieldDestination))
	assert.ErrorIs(t, err, errZeroAmount)
	assert.ErrorIs(t, err, errZeroOrigin)
	assert.Equal(t, "not-a-key", ev.RawDestination)
	assert.False(t, ev.Usable())
}

func TestDecodeSingleFailure(t *testing.T) {
	l := lockLog(t, 3, testOrigin, "11111111111111111111111111111111", 1, 0)

	ev, err := Decode(l)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, []FieldError{{Field: FieldDestination, Err: errZeroDestination}}, decErr.Fields)
	// The other fields are still decoded.
	assert.Equal(t, testOrigin, ev.Origin)
	assert.Equal(t, big.NewInt(3_000_000_000), ev.Amount)
}

func TestDecodeRejectsPaddedDestination(t *testing.T) {
	for _, dest := range []string{" " + testDestination, testDestination + "\n", "\t" + testDestination + " "} {
		ev, err := Decode(lockLog(t, 3, testOrigin, dest, 1, 0))
		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr), "%q", dest)
		assert.True(t, decErr.Failed(FieldDestination))
		assert.Equal(t, dest, ev.RawDestination)
		assert.False(t, ev.Usable())
	}
}

func TestDecodeMissingTopicsAndData(t *testing.T) {
	l := types.Log{
		Address: testContract,
		Topics:  []common.Hash{bridge.LockEventTopic},
	}

	_, err := Decode(l)
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Len(t, decErr.Fields, 3)
	assert.ErrorIs(t, err, errMissingTopic)
}

func TestIssueAmountTruncation(t *testing.T) {
	ev := &LockEvent{Amount: new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(9))}
	assert.True(t, ev.IssueAmountTruncated())
	assert.Equal(t, uint64(9), ev.IssueAmount())
}

func TestFingerprint(t *testing.T) {
	a, err := Decode(lockLog(t, 3, testOrigin, testDestination, 1, 0))
	require.NoError(t, err)
	b, err := Decode(lockLog(t, 3, testOrigin, testDestination, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Two identical locks in one transaction are distinct events.
	c := *a
	c.LogIndex = 1
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := *a
	d.Amount = big.NewInt(4_000_000_000)
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}
