package relay

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/voipfinance/bridge-relayer/pkg/db"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// GracePeriod is how long an unfinished settlement is left alone before it is considered stuck.
	GracePeriod time.Duration
	// MaxAttempts is the number of finalize attempts after which a settlement is abandoned.
	MaxAttempts int
	// Delay before the first finalize retry. It doubles with every attempt up to MaxRetryDelay.
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:          time.Minute,
		GracePeriod:       10 * time.Minute,
		MaxAttempts:       5,
		InitialRetryDelay: time.Minute,
		MaxRetryDelay:     time.Hour,
	}
}

// Reconciler resumes settlements whose finalize failed or was interrupted after issuance succeeded.
type Reconciler struct {
	logger    *zap.Logger
	settler   *Settler
	ledger    db.Ledger
	cfg       ReconcilerConfig
	onOutcome OutcomeHandler
}

func NewReconciler(logger *zap.Logger, settler *Settler, ledger db.Ledger, cfg ReconcilerConfig, onOutcome OutcomeHandler) *Reconciler {
	if onOutcome == nil {
		onOutcome = func(*Outcome) {}
	}
	return &Reconciler{
		logger:    logger,
		settler:   settler,
		ledger:    ledger,
		cfg:       cfg,
		onOutcome: onOutcome,
	}
}

// Run performs a reconciliation pass every Interval until ctx is canceled. A ledger read failure ends the run.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := r.Pass(ctx); err != nil {
				return err
			}
		}
	}
}

// Pass retries finalize for every due settlement once. Each record is taken with a ledger transition before it is
// touched, so reconcilers sharing a ledger never retry the same attempt twice.
func (r *Reconciler) Pass(ctx context.Context) error {
	records, err := r.ledger.ListSettlements(db.StateFinalizeFailed, db.StateIssueSucceeded, db.StateFinalizePending)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLedger, err)
	}

	now := r.settler.now()
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.due(rec, now) {
			continue
		}
		out, err := r.resume(ctx, rec)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLedger, err)
		}
		if out == nil {
			r.logger.Debug("settlement changed since it was listed, skipping", zap.String("id", rec.ID))
			continue
		}
		r.onOutcome(out)
	}
	return nil
}

func (r *Reconciler) due(rec *db.SettlementRecord, now time.Time) bool {
	if rec.State == db.StateFinalizeFailed {
		return !now.Before(rec.UpdatedAt.Add(r.retryDelay(rec.FinalizeAttempts)))
	}
	// Unfinished settlements may still be in flight in the dispatcher.
	return !now.Before(rec.UpdatedAt.Add(r.cfg.GracePeriod))
}

// retryDelay is the wait after the given number of finalize attempts.
func (r *Reconciler) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialRetryDelay
	b.MaxInterval = r.cfg.MaxRetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// resume retries or abandons rec. It returns a nil outcome if another writer changed rec first.
func (r *Reconciler) resume(ctx context.Context, rec *db.SettlementRecord) (*Outcome, error) {
	ev, err := eventFromRecord(rec)
	out := &Outcome{ID: rec.ID, Event: ev}
	out.IssueTx, _ = solana.SignatureFromBase58(rec.IssueTx)
	if err != nil {
		// Nothing can be retried for a record that does not parse.
		out.Kind = FinalizeAbandoned
		out.Err = fmt.Errorf("%w: unreadable settlement record: %w", ErrFinalize, err)
		if ok, err := r.take(rec, db.StateFinalizeAbandoned, rec.FinalizeAttempts, out.Err); !ok {
			return nil, err
		}
		return r.settler.report(out), nil
	}

	if rec.FinalizeAttempts >= r.cfg.MaxAttempts {
		out.Kind = FinalizeAbandoned
		out.Err = fmt.Errorf("%w: giving up after %d attempts: %s", ErrFinalize, rec.FinalizeAttempts, rec.LastError)
		if ok, err := r.take(rec, db.StateFinalizeAbandoned, rec.FinalizeAttempts, nil); !ok {
			return nil, err
		}
		return r.settler.report(out), nil
	}

	if ok, err := r.take(rec, db.StateFinalizePending, rec.FinalizeAttempts+1, nil); !ok {
		return nil, err
	}
	r.logger.Info("retrying finalize",
		zap.String("id", rec.ID),
		zap.Int("attempt", rec.FinalizeAttempts))

	receipt, err := r.settler.burn(ctx, rec, ev.Origin, ev.Destination)
	if receipt != nil {
		out.BurnTx = receipt.TxHash
	}
	if err != nil {
		out.Kind = FinalizeFailed
		out.Err = err
		return r.settler.report(out), nil
	}
	out.Kind = FinalizeRecovered
	return r.settler.report(out), nil
}

// take moves rec to state with the given attempt count, provided nobody changed it since it was listed. rec is
// updated in place when the transition was stored.
func (r *Reconciler) take(rec *db.SettlementRecord, state db.SettlementState, attempts int, cause error) (bool, error) {
	next := *rec
	next.State = state
	next.FinalizeAttempts = attempts
	next.UpdatedAt = r.settler.now().UTC()
	if cause != nil {
		next.LastError = cause.Error()
	}
	swapped, err := r.ledger.TransitionSettlement(&next, rec.State, rec.FinalizeAttempts)
	if err != nil || !swapped {
		return false, err
	}
	*rec = next
	return true, nil
}

func eventFromRecord(rec *db.SettlementRecord) (*LockEvent, error) {
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", rec.Amount)
	}
	if !common.IsHexAddress(rec.Origin) {
		return nil, fmt.Errorf("invalid origin %q", rec.Origin)
	}
	dest, err := solana.PublicKeyFromBase58(rec.Destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination %q: %w", rec.Destination, err)
	}
	return &LockEvent{
		Amount:         amount,
		Origin:         common.HexToAddress(rec.Origin),
		Destination:    dest,
		RawDestination: rec.Destination,
		TxHash:         common.HexToHash(rec.SourceTx),
		BlockNumber:    rec.BlockNumber,
		LogIndex:       rec.LogIndex,
	}, nil
}
