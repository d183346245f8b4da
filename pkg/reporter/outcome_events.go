package reporter

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/voipfinance/bridge-relayer/pkg/relay"
	"go.uber.org/zap"
)

const subscriptionBuffer = 500

// SettlementEvent is the externally published form of a settlement outcome.
type SettlementEvent struct {
	ID          string    `json:"id,omitempty"`
	Outcome     string    `json:"outcome"`
	Origin      string    `json:"origin,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	SourceTx    string    `json:"sourceTx,omitempty"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint      `json:"logIndex"`
	IssueTx     string    `json:"issueTx,omitempty"`
	BurnTx      string    `json:"burnTx,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewSettlementEvent flattens an outcome.
func NewSettlementEvent(o *relay.Outcome, now time.Time) *SettlementEvent {
	ev := &SettlementEvent{
		ID:        o.ID,
		Outcome:   string(o.Kind),
		Timestamp: now.UTC(),
	}
	if e := o.Event; e != nil {
		ev.Origin = e.Origin.Hex()
		ev.Destination = e.RawDestination
		if e.Amount != nil {
			ev.Amount = e.Amount.String()
		}
		ev.SourceTx = e.TxHash.Hex()
		ev.BlockNumber = e.BlockNumber
		ev.LogIndex = e.LogIndex
	}
	if !o.IssueTx.IsZero() {
		ev.IssueTx = o.IssueTx.String()
	}
	if o.BurnTx != (common.Hash{}) {
		ev.BurnTx = o.BurnTx.Hex()
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}

type Subscription struct {
	ClientID uuid.UUID
	C        chan *SettlementEvent
}

// OutcomeReporter fans settlement outcomes out to subscribers. Slow subscribers lose events rather than block
// settlement.
type OutcomeReporter struct {
	mu     sync.RWMutex
	logger *zap.Logger
	subs   map[uuid.UUID]chan *SettlementEvent
	now    func() time.Time
}

func NewOutcomeReporter(logger *zap.Logger) *OutcomeReporter {
	return &OutcomeReporter{
		logger: logger.Named("outcomes"),
		subs:   map[uuid.UUID]chan *SettlementEvent{},
		now:    time.Now,
	}
}

func (re *OutcomeReporter) Subscribe() *Subscription {
	re.mu.Lock()
	defer re.mu.Unlock()

	id := uuid.New()
	c := make(chan *SettlementEvent, subscriptionBuffer)
	re.subs[id] = c
	re.logger.Debug("Subscribe for client", zap.Stringer("clientId", id))
	return &Subscription{ClientID: id, C: c}
}

func (re *OutcomeReporter) Unsubscribe(id uuid.UUID) {
	re.mu.Lock()
	defer re.mu.Unlock()

	re.logger.Debug("Unsubscribe for client", zap.Stringer("clientId", id))
	delete(re.subs, id)
}

// Report is a relay.OutcomeHandler.
func (re *OutcomeReporter) Report(o *relay.Outcome) {
	ev := NewSettlementEvent(o, re.now())

	re.mu.RLock()
	defer re.mu.RUnlock()

	for id, c := range re.subs {
		select {
		case c <- ev:
		default:
			re.logger.Error("channel overflow when attempting to publish settlement event to client",
				zap.Stringer("clientId", id), zap.String("id", ev.ID))
		}
	}
}
