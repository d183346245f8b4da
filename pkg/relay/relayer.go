package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/voipfinance/bridge-relayer/pkg/common"
	"github.com/voipfinance/bridge-relayer/pkg/db"
	"github.com/voipfinance/bridge-relayer/pkg/readiness"
	solanapkg "github.com/voipfinance/bridge-relayer/pkg/solana"
	"github.com/voipfinance/bridge-relayer/pkg/supervisor"
	"go.uber.org/zap"
)

// Handles are the per-session connections to both chains.
type Handles struct {
	Source    LogSource
	Issuer    IssuerChain
	Finalizer FinalizerChain
	Programs  solanapkg.Programs
	// Close releases the connections. It may be nil.
	Close func()
}

// DialFunc establishes the connections for one session.
type DialFunc func(ctx context.Context) (*Handles, error)

type Config struct {
	Source      SourceConfig
	MaxInFlight int
	// Reconcile enables the background finalize retries.
	Reconcile  bool
	Reconciler ReconcilerConfig
}

// Relayer runs relay sessions: connect, subscribe, settle every lock event, until the connection fails. It is meant to
// be run under a supervisor, which restarts it with backoff whenever a session ends.
type Relayer struct {
	dial      DialFunc
	ledger    db.Ledger
	health    *readiness.Registry
	cfg       Config
	onOutcome OutcomeHandler
}

func NewRelayer(dial DialFunc, ledger db.Ledger, health *readiness.Registry, cfg Config, onOutcome OutcomeHandler) *Relayer {
	if onOutcome == nil {
		onOutcome = func(*Outcome) {}
	}
	return &Relayer{
		dial:      dial,
		ledger:    ledger,
		health:    health,
		cfg:       cfg,
		onOutcome: onOutcome,
	}
}

// Run is one relay session. It always returns a non-nil error.
func (r *Relayer) Run(ctx context.Context) error {
	logger := supervisor.Logger(ctx)

	h, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportSetup, err)
	}
	if h.Close != nil {
		defer h.Close()
	}

	cursor, err := r.ledger.GetCursor()
	if errors.Is(err, db.ErrCursorNotFound) {
		cursor = 0
	} else if err != nil {
		return fmt.Errorf("%w: failed to read cursor: %w", ErrLedger, err)
	}
	logger.Info("starting relay session", zap.Uint64("cursor", cursor))

	tracker := NewCursorTracker(logger, cursor, r.ledger.StoreCursor)
	settler := NewSettler(logger, h.Issuer, h.Finalizer, h.Programs, r.ledger)

	if r.cfg.Reconcile {
		reconciler := NewReconciler(logger.Named("reconciler"), settler, r.ledger, r.cfg.Reconciler, r.onOutcome)
		if err := supervisor.Run(ctx, "reconciler", func(ctx context.Context) error {
			supervisor.Signal(ctx, supervisor.SignalHealthy)
			return reconciler.Run(ctx)
		}); err != nil {
			return err
		}
	}

	srcCfg := r.cfg.Source
	// A session is healthy only once catch-up is over, so sessions dying during catch-up keep backing off.
	srcCfg.OnLive = func() {
		supervisor.Signal(ctx, supervisor.SignalHealthy)
		r.setReady(readiness.EthSubscription)
	}
	srcCfg.OnCaughtUp = func() {
		r.setReady(readiness.EthCatchUp)
	}
	source, err := NewEventSource(logger, h.Source, tracker, srcCfg)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logs := make(chan types.Log)
	errC := make(chan error, 1)
	common.RunWithScissors(sessionCtx, errC, "lock_event_source", func(ctx context.Context) error {
		return source.Run(ctx, logs)
	})

	dispatcher := NewDispatcher(logger, settler, tracker, r.onOutcome, r.cfg.MaxInFlight)
	if err := dispatcher.Run(ctx, logs); err != nil {
		return err
	}

	// logs was closed, so the source has ended and its error is on its way.
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relayer) setReady(c readiness.Component) {
	if r.health != nil {
		r.health.SetReady(c)
	}
}
