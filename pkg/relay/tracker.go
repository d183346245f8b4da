package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var cursorBlock = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "relayer_cursor_block",
		Help: "Highest chain A block whose lock events have all been settled",
	})

// CursorTracker computes the highest block below which every delivered lock event has finished settling and persists
// it as the resume point.
type CursorTracker struct {
	logger *zap.Logger
	store  func(block uint64) error

	mu      sync.Mutex
	pending map[uint64]int
	// delivered is the highest block known to have been delivered in full.
	delivered uint64
	// highestSeen is the highest block a lock event was delivered from.
	highestSeen uint64
	cursor      uint64
	// hold, if set, is the first block of a gap that was not delivered. The cursor stays below it.
	hold uint64
}

// NewCursorTracker starts tracking at cursor, the last persisted resume point.
func NewCursorTracker(logger *zap.Logger, cursor uint64, store func(block uint64) error) *CursorTracker {
	return &CursorTracker{
		logger:    logger,
		store:     store,
		pending:   make(map[uint64]int),
		delivered: cursor,
		cursor:    cursor,
	}
}

// Cursor returns the current resume point.
func (t *CursorTracker) Cursor() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Begin records that a lock event from block is being settled.
func (t *CursorTracker) Begin(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[block]++
	if block > t.highestSeen {
		t.highestSeen = block
		// Live logs arrive in block order, so everything before this block has been delivered. block is at least 1 here.
		if block-1 > t.delivered {
			t.delivered = block - 1
		}
	}
}

// Done records that a lock event from block finished settling, whatever the outcome.
func (t *CursorTracker) Done(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[block] <= 1 {
		delete(t.pending, block)
	} else {
		t.pending[block]--
	}
	t.advance()
}

// MarkDelivered records that every lock event up to and including block has been delivered.
func (t *CursorTracker) MarkDelivered(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if block > t.delivered {
		t.delivered = block
	}
	t.advance()
}

// Hold keeps the cursor below block for the rest of the session, for a range from block onward that was not
// delivered.
func (t *CursorTracker) Hold(block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold == 0 || block < t.hold {
		t.hold = block
	}
}

func (t *CursorTracker) advance() {
	next := t.delivered
	if t.hold > 0 && t.hold-1 < next {
		next = t.hold - 1
	}
	for b := range t.pending {
		if b == 0 {
			next = 0
			break
		}
		if b-1 < next {
			next = b - 1
		}
	}
	if next <= t.cursor {
		return
	}
	if err := t.store(next); err != nil {
		t.logger.Error("failed to persist cursor", zap.Uint64("block", next), zap.Error(err))
		return
	}
	t.cursor = next
	cursorBlock.Set(float64(next))
}
