package relay

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voipfinance/bridge-relayer/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxInFlight  = 20
	defaultDrainTimeout = 2 * time.Minute
)

var settlementsInFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "relayer_settlements_in_flight",
		Help: "Number of lock events currently being settled",
	})

// OutcomeHandler receives every outcome, including discarded events. It is called from settlement goroutines.
type OutcomeHandler func(*Outcome)

// Dispatcher settles lock events concurrently, at most maxInFlight at a time.
type Dispatcher struct {
	logger       *zap.Logger
	settler      *Settler
	tracker      *CursorTracker
	onOutcome    OutcomeHandler
	maxInFlight  int
	drainTimeout time.Duration
}

func NewDispatcher(logger *zap.Logger, settler *Settler, tracker *CursorTracker, onOutcome OutcomeHandler, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if onOutcome == nil {
		onOutcome = func(*Outcome) {}
	}
	return &Dispatcher{
		logger:       logger,
		settler:      settler,
		tracker:      tracker,
		onOutcome:    onOutcome,
		maxInFlight:  maxInFlight,
		drainTimeout: defaultDrainTimeout,
	}
}

// Run settles every log received on logs until logs is closed or ctx is canceled. Settlements run detached from ctx so
// that a session ending never interrupts one between issue and finalize; on cancellation Run waits up to the drain
// timeout for them. A ledger failure ends the run with an error wrapping ErrLedger.
func (d *Dispatcher) Run(ctx context.Context, logs <-chan types.Log) error {
	var g errgroup.Group
	g.SetLimit(d.maxInFlight)
	taskCtx := context.WithoutCancel(ctx)
	fatal := make(chan error, 1)

	for {
		select {
		case <-ctx.Done():
			d.drain(&g)
			return ctx.Err()
		case err := <-fatal:
			d.drain(&g)
			return err
		case l, ok := <-logs:
			if !ok {
				_ = g.Wait()
				select {
				case err := <-fatal:
					return err
				default:
					return nil
				}
			}
			d.tracker.Begin(l.BlockNumber)
			settlementsInFlight.Inc()
			// Blocks while maxInFlight settlements are running.
			g.Go(func() error {
				defer settlementsInFlight.Dec()
				defer d.tracker.Done(l.BlockNumber)
				err := common.WrapWithScissors("settlement", func(ctx context.Context) error {
					return d.handle(ctx, l, fatal)
				})(taskCtx)
				if err != nil && !errors.Is(err, ErrLedger) {
					d.logger.Error("settlement panicked", zap.Stringer("txHash", l.TxHash), zap.Uint("logIndex", l.Index), zap.Error(err))
				}
				return nil
			})
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, l types.Log, fatal chan<- error) error {
	ev, err := Decode(l)
	if err != nil {
		out := Discard(ev, err)
		d.logger.Warn("discarding lock event", append(out.Fields(), zap.Uint("logIndex", l.Index))...)
		d.onOutcome(out)
		return nil
	}

	out := d.settler.Settle(ctx, ev)
	if isLedgerFailure(out) {
		// Nothing happened on either chain; the event is settled after it is redelivered.
		select {
		case fatal <- out.Err:
		default:
		}
		return out.Err
	}
	d.onOutcome(out)
	return nil
}

func (d *Dispatcher) drain(g *errgroup.Group) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.drainTimeout):
		d.logger.Warn("settlements still running after drain timeout", zap.Duration("timeout", d.drainTimeout))
	}
}
