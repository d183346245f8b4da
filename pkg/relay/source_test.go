package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sourceRun struct {
	out  chan types.Log
	errC chan error
}

func runSource(t *testing.T, ctx context.Context, src *fakeSource, tracker *CursorTracker, cfg SourceConfig) *sourceRun {
	t.Helper()
	s, err := NewEventSource(zap.NewNop(), src, tracker, cfg)
	require.NoError(t, err)
	r := &sourceRun{out: make(chan types.Log, 64), errC: make(chan error, 1)}
	go func() { r.errC <- s.Run(ctx, r.out) }()
	return r
}

func (r *sourceRun) next(t *testing.T) types.Log {
	t.Helper()
	select {
	case l := <-r.out:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for log")
		return types.Log{}
	}
}

func waitSubscribed(t *testing.T, src *fakeSource) {
	t.Helper()
	select {
	case <-src.subbed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
}

func TestSourceWithoutCatchUpMissesGap(t *testing.T) {
	src := newFakeSource()
	src.head = 20
	src.history = []types.Log{lockLog(t, 1, testOrigin, testDestination, 15, 0)}
	tracker := NewCursorTracker(zap.NewNop(), 10, func(uint64) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runSource(t, ctx, src, tracker, SourceConfig{})
	waitSubscribed(t, src)

	live := lockLog(t, 2, testOrigin, testDestination, 21, 0)
	src.push(live)
	assert.Equal(t, live, r.next(t))
	assert.Empty(t, src.filterCalls())

	cancel()
	assert.ErrorIs(t, <-r.errC, context.Canceled)
	_, open := <-r.out
	assert.False(t, open)
}

func TestSourceCatchUpRecoversGap(t *testing.T) {
	src := newFakeSource()
	src.head = 20
	missed := lockLog(t, 1, testOrigin, testDestination, 15, 0)
	src.history = []types.Log{lockLog(t, 9, testOrigin, testDestination, 9, 0), missed}
	tracker := NewCursorTracker(zap.NewNop(), 10, func(uint64) error { return nil })

	caughtUp := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runSource(t, ctx, src, tracker, SourceConfig{
		CatchUp:           true,
		CatchUpBlockRange: 4,
		OnCaughtUp:        func() { close(caughtUp) },
	})

	assert.Equal(t, missed, r.next(t))
	<-caughtUp
	assert.Equal(t, [][2]uint64{{11, 14}, {15, 18}, {19, 20}}, src.filterCalls())
	assert.Equal(t, uint64(20), tracker.Cursor())
}

func TestSourceCatchUpFromStartBlock(t *testing.T) {
	src := newFakeSource()
	src.head = 8
	src.history = []types.Log{lockLog(t, 1, testOrigin, testDestination, 6, 0)}
	tracker := NewCursorTracker(zap.NewNop(), 0, func(uint64) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runSource(t, ctx, src, tracker, SourceConfig{CatchUp: true, CatchUpStartBlock: 5})

	assert.Equal(t, uint64(6), r.next(t).BlockNumber)
}

func TestSourceSkipsForeignAndDuplicateLogs(t *testing.T) {
	src := newFakeSource()
	tracker := NewCursorTracker(zap.NewNop(), 0, func(uint64) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runSource(t, ctx, src, tracker, SourceConfig{})
	waitSubscribed(t, src)

	good := lockLog(t, 1, testOrigin, testDestination, 1, 0)

	foreign := lockLog(t, 1, testOrigin, testDestination, 1, 1)
	foreign.Address = common.HexToAddress("0x01")
	wrongTopic := lockLog(t, 1, testOrigin, testDestination, 1, 2)
	wrongTopic.Topics[0] = common.HexToHash("0x02")
	removed := lockLog(t, 1, testOrigin, testDestination, 1, 3)
	removed.Removed = true
	last := lockLog(t, 1, testOrigin, testDestination, 2, 0)

	for _, l := range []types.Log{good, foreign, wrongTopic, removed, good, last} {
		src.push(l)
	}

	assert.Equal(t, good, r.next(t))
	assert.Equal(t, last, r.next(t))
}

func TestSourceEndsWhenSubscriptionDrops(t *testing.T) {
	src := newFakeSource()
	tracker := NewCursorTracker(zap.NewNop(), 0, func(uint64) error { return nil })
	live := make(chan struct{})

	r := runSource(t, context.Background(), src, tracker, SourceConfig{OnLive: func() { close(live) }})
	<-live

	src.drop(errors.New("connection reset"))
	err := <-r.errC
	assert.ErrorContains(t, err, "connection reset")
	_, open := <-r.out
	assert.False(t, open)
}

func TestSourceSubscribeFailure(t *testing.T) {
	src := newFakeSource()
	src.subscribeErr = errors.New("dial tcp: refused")
	tracker := NewCursorTracker(zap.NewNop(), 0, func(uint64) error { return nil })

	r := runSource(t, context.Background(), src, tracker, SourceConfig{})
	assert.ErrorIs(t, <-r.errC, ErrTransportSetup)
}

func TestSourceCatchUpNarrowsRangeOnFilterError(t *testing.T) {
	src := newFakeSource()
	src.head = 30
	src.filterErr = rangeLimit(4)
	first := lockLog(t, 1, testOrigin, testDestination, 15, 0)
	second := lockLog(t, 2, testOrigin, testDestination, 27, 0)
	src.history = []types.Log{first, second}
	tracker := NewCursorTracker(zap.NewNop(), 10, func(uint64) error { return nil })

	caughtUp := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runSource(t, ctx, src, tracker, SourceConfig{
		CatchUp:           true,
		CatchUpBlockRange: 16,
		CatchUpRetryDelay: time.Hour,
		OnCaughtUp:        func() { close(caughtUp) },
	})

	assert.Equal(t, first, r.next(t))
	assert.Equal(t, second, r.next(t))
	<-caughtUp
	assert.Equal(t, [][2]uint64{{11, 26}, {11, 18}, {11, 14}, {15, 18}, {19, 22}, {23, 26}, {27, 30}}, src.filterCalls())
	assert.Equal(t, uint64(30), tracker.Cursor())
}

func TestSourceFailingCatchUpStillForwardsLiveLogs(t *testing.T) {
	src := newFakeSource()
	src.head = 100_000
	src.filterErr = func(uint64, uint64) error { return errTooManyResults }
	tracker := NewCursorTracker(zap.NewNop(), 10, func(uint64) error { return nil })

	live := make(chan struct{})
	caughtUp := false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := runSource(t, ctx, src, tracker, SourceConfig{
		CatchUp:           true,
		CatchUpRetryDelay: time.Millisecond,
		OnCaughtUp:        func() { caughtUp = true },
		OnLive:            func() { close(live) },
	})

	select {
	case <-live:
	case <-time.After(5 * time.Second):
		t.Fatal("source never went live")
	}
	assert.False(t, caughtUp)

	l := lockLog(t, 2, testOrigin, testDestination, 100_001, 0)
	src.push(l)
	assert.Equal(t, l, r.next(t))

	// Settling the live log does not move the cursor over the gap.
	tracker.Begin(l.BlockNumber)
	tracker.Done(l.BlockNumber)
	assert.Equal(t, uint64(10), tracker.Cursor())

	// The range was narrowed down to single blocks before giving up on block 11.
	calls := src.filterCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, [2]uint64{11, 11}, last)
}

func TestSourceHeadErrorStillForwardsLiveLogs(t *testing.T) {
	src := newFakeSource()
	src.headErr = errors.New("429 too many requests")
	tracker := NewCursorTracker(zap.NewNop(), 10, func(uint64) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	live := make(chan struct{})
	r := runSource(t, ctx, src, tracker, SourceConfig{
		CatchUp:           true,
		CatchUpRetryDelay: time.Millisecond,
		OnLive:            func() { close(live) },
	})
	<-live

	l := lockLog(t, 2, testOrigin, testDestination, 40, 0)
	src.push(l)
	assert.Equal(t, l, r.next(t))
	tracker.MarkDelivered(40)
	assert.Equal(t, uint64(10), tracker.Cursor())
	assert.Empty(t, src.filterCalls())
}

func TestSourceSubscriptionDropDuringCatchUpEndsRun(t *testing.T) {
	src := newFakeSource()
	src.head = 100
	src.filterErr = func(uint64, uint64) error { return errTooManyResults }
	src.dropOnFilter = true
	tracker := NewCursorTracker(zap.NewNop(), 10, func(uint64) error { return nil })

	wentLive := false
	r := runSource(t, context.Background(), src, tracker, SourceConfig{
		CatchUp:           true,
		CatchUpRetryDelay: time.Hour,
		OnLive:            func() { wentLive = true },
	})

	select {
	case err := <-r.errC:
		assert.ErrorContains(t, err, "websocket closed")
	case <-time.After(5 * time.Second):
		t.Fatal("source did not end")
	}
	assert.False(t, wentLive)
}
