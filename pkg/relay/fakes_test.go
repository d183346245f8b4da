package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"github.com/voipfinance/bridge-relayer/pkg/db"
	bridge "github.com/voipfinance/bridge-relayer/pkg/ethereum"
	solanapkg "github.com/voipfinance/bridge-relayer/pkg/solana"
)

var (
	testContract    = common.HexToAddress("0x00000000000000000000000000000000000b41d9")
	testOrigin      = common.HexToAddress("0x000000000000000000000000000000000000abcd")
	testDestination = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testPrograms    = solanapkg.DefaultPrograms(
		solana.MustPublicKeyFromBase58("Mig1111111111111111111111111111111111111111"),
		solana.MustPublicKeyFromBase58("Mint111111111111111111111111111111111111111"))
)

// lockLog builds a TokensLocked log as the bridge contract emits it.
func lockLog(t testing.TB, amount int64, origin common.Address, destination string, block uint64, index uint) types.Log {
	t.Helper()
	data, err := bridge.BridgeABI.Events["TokensLocked"].Inputs.NonIndexed().Pack(destination, big.NewInt(1700000000))
	require.NoError(t, err)

	txHash := common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index)))
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			bridge.LockEventTopic,
			common.BigToHash(big.NewInt(amount)),
			common.BytesToHash(origin.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      txHash,
		Index:       index,
	}
}

func openLedger(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

type fakeIssuer struct {
	admin solana.PublicKey

	existsErr  error
	exists     bool
	createErr  error
	migrateErr error
	// delay is applied to every migrate call.
	delay time.Duration

	mu       sync.Mutex
	creates  int
	migrates []uint64

	// calls counts migrate calls in progress.
	calls *peakCounter
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{admin: solana.NewWallet().PublicKey(), exists: true, calls: &peakCounter{}}
}

// peakCounter tracks how many calls run at once and the highest number seen.
type peakCounter struct {
	cur  atomic.Int32
	peak atomic.Int32
}

func (c *peakCounter) enter() {
	n := c.cur.Add(1)
	for {
		m := c.peak.Load()
		if n <= m || c.peak.CompareAndSwap(m, n) {
			return
		}
	}
}

func (c *peakCounter) exit() { c.cur.Add(-1) }

func (f *fakeIssuer) Admin() solana.PublicKey { return f.admin }

func (f *fakeIssuer) AccountExists(context.Context, solana.PublicKey) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeIssuer) SendAndConfirm(ctx context.Context, ix solana.Instruction) (solana.Signature, error) {
	if ix.ProgramID().Equals(testPrograms.AssociatedToken) {
		f.mu.Lock()
		f.creates++
		f.mu.Unlock()
		if f.createErr != nil {
			return solana.Signature{}, f.createErr
		}
		return solana.Signature{1}, nil
	}

	f.calls.enter()
	defer f.calls.exit()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	data, err := ix.Data()
	if err != nil {
		return solana.Signature{}, err
	}
	f.mu.Lock()
	f.migrates = append(f.migrates, new(big.Int).SetBytes(reverse(data[8:16])).Uint64())
	f.mu.Unlock()
	if f.migrateErr != nil {
		return solana.Signature{}, f.migrateErr
	}
	return solana.Signature{2}, nil
}

func (f *fakeIssuer) migrateCalls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.migrates...)
}

func (f *fakeIssuer) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

type burnCall struct {
	origin      common.Address
	destination string
}

type fakeFinalizer struct {
	// delay is applied to every burn.
	delay time.Duration
	// inFlight, if set, counts burns in progress.
	inFlight *peakCounter

	mu    sync.Mutex
	errs  []error
	calls []burnCall
}

// failNext makes the next n burns fail.
func (f *fakeFinalizer) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.errs = append(f.errs, err)
	}
}

func (f *fakeFinalizer) BurnTokens(_ context.Context, origin common.Address, destination string) (*types.Receipt, error) {
	if f.inFlight != nil {
		f.inFlight.enter()
		defer f.inFlight.exit()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, burnCall{origin, destination})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0xb0")}, nil
}

func (f *fakeFinalizer) burnCalls() []burnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]burnCall(nil), f.calls...)
}

type fakeSubscription struct {
	errC chan error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{errC: make(chan error, 1)}
}

func (s *fakeSubscription) Unsubscribe()      {}
func (s *fakeSubscription) Err() <-chan error { return s.errC }

// fakeSource serves live logs pushed with push and historical logs from history.
type fakeSource struct {
	head         uint64
	history      []types.Log
	subscribeErr error
	headErr      error
	// filterErr, if set, returns the error of a filter call over [from, to].
	filterErr func(from, to uint64) error
	// dropOnFilter fails the subscription whenever a filter call is made.
	dropOnFilter bool

	mu      sync.Mutex
	sink    chan<- types.Log
	sub     *fakeSubscription
	filters [][2]uint64
	subbed  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{subbed: make(chan struct{}, 16)}
}

func (f *fakeSource) ContractAddress() common.Address { return testContract }

func (f *fakeSource) SubscribeLockEvents(_ context.Context, sink chan<- types.Log) (ethereum.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.mu.Lock()
	f.sink = sink
	f.sub = newFakeSubscription()
	sub := f.sub
	f.mu.Unlock()
	f.subbed <- struct{}{}
	return sub, nil
}

func (f *fakeSource) FilterLockEvents(_ context.Context, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	f.filters = append(f.filters, [2]uint64{from, to})
	sub := f.sub
	f.mu.Unlock()
	if f.dropOnFilter {
		select {
		case sub.errC <- errors.New("websocket closed"):
		default:
		}
	}
	if f.filterErr != nil {
		if err := f.filterErr(from, to); err != nil {
			return nil, err
		}
	}
	var out []types.Log
	for _, l := range f.history {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeSource) filterCalls() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.filters...)
}

var errTooManyResults = errors.New("query returned more than 10000 results")

// rangeLimit fails filter calls spanning more than max blocks.
func rangeLimit(max uint64) func(from, to uint64) error {
	return func(from, to uint64) error {
		if to-from+1 > max {
			return errTooManyResults
		}
		return nil
	}
}

func (f *fakeSource) push(l types.Log) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink <- l
}

// drop fails the current subscription.
func (f *fakeSource) drop(err error) {
	f.mu.Lock()
	sub := f.sub
	f.mu.Unlock()
	sub.errC <- err
}

// failingLedger fails every settlement claim.
type failingLedger struct {
	db.Ledger
}

var errLedgerDown = errors.New("ledger down")

func (failingLedger) ClaimSettlement(*db.SettlementRecord) (*db.SettlementRecord, bool, error) {
	return nil, false, errLedgerDown
}
