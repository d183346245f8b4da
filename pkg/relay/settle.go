package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voipfinance/bridge-relayer/pkg/db"
	solanapkg "github.com/voipfinance/bridge-relayer/pkg/solana"
	"go.uber.org/zap"
)

var (
	settlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_settlement_outcomes_total",
			Help: "Total number of settlement outcomes, by kind",
		}, []string{"outcome"})
	accountCreationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_account_creation_failures_total",
			Help: "Total number of destination token accounts that could not be created",
		})
	settlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_settlement_phase_duration_seconds",
			Help:    "Time spent in each settlement phase",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"phase"})
)

// IssuerChain is the chain B handle: account queries and admin-signed instruction submission.
type IssuerChain interface {
	Admin() solana.PublicKey
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	SendAndConfirm(ctx context.Context, ix solana.Instruction) (solana.Signature, error)
}

// FinalizerChain is the chain A contract handle used to burn locked balances.
type FinalizerChain interface {
	BurnTokens(ctx context.Context, origin common.Address, destination string) (*types.Receipt, error)
}

// OutcomeKind is the result of handling one lock event.
type OutcomeKind string

const (
	IssuedAndFinalized OutcomeKind = "ISSUED_AND_FINALIZED"
	IssueFailed        OutcomeKind = "ISSUE_FAILED"
	FinalizeFailed     OutcomeKind = "FINALIZE_FAILED"
	Discarded          OutcomeKind = "DISCARDED"
	// AlreadySettled is a redelivered event whose settlement was started before. No chain calls were made.
	AlreadySettled OutcomeKind = "ALREADY_SETTLED"
	// FinalizeRecovered is a finalize retried by the reconciler that succeeded.
	FinalizeRecovered OutcomeKind = "FINALIZE_RECOVERED"
	// FinalizeAbandoned is a finalize that ran out of retries and needs manual reconciliation.
	FinalizeAbandoned OutcomeKind = "FINALIZE_ABANDONED"
	// LedgerUnavailable is an event that could not be claimed in the ledger. No chain calls were made and the event is
	// settled again once it is redelivered.
	LedgerUnavailable OutcomeKind = "LEDGER_UNAVAILABLE"
)

// Outcome reports how one lock event was handled.
type Outcome struct {
	Kind  OutcomeKind
	ID    string
	Event *LockEvent
	// IssueTx is set once the migrate transaction was sent.
	IssueTx solana.Signature
	// BurnTx is set once the burn transaction was mined.
	BurnTx common.Hash
	// PreviousState is the ledger state found for an AlreadySettled event.
	PreviousState db.SettlementState
	Err           error
}

// Fields returns zap fields describing the outcome, enough to reconcile it by hand.
func (o *Outcome) Fields() []zap.Field {
	fields := []zap.Field{zap.String("outcome", string(o.Kind))}
	if o.ID != "" {
		fields = append(fields, zap.String("id", o.ID))
	}
	if e := o.Event; e != nil {
		fields = append(fields,
			zap.Stringer("origin", e.Origin),
			zap.String("destination", e.RawDestination),
			zap.Stringer("amount", e.Amount),
			zap.Stringer("sourceTx", e.TxHash),
			zap.Uint64("block", e.BlockNumber),
			zap.Uint("logIndex", e.LogIndex))
	}
	if !o.IssueTx.IsZero() {
		fields = append(fields, zap.Stringer("issueTx", o.IssueTx))
	}
	if o.BurnTx != (common.Hash{}) {
		fields = append(fields, zap.Stringer("burnTx", o.BurnTx))
	}
	if o.PreviousState != "" {
		fields = append(fields, zap.String("previousState", string(o.PreviousState)))
	}
	if o.Err != nil {
		fields = append(fields, zap.Error(o.Err))
	}
	return fields
}

// Settler drives a lock event through issue on chain B and finalize on chain A, recording every transition in the
// ledger.
type Settler struct {
	logger    *zap.Logger
	issuer    IssuerChain
	finalizer FinalizerChain
	programs  solanapkg.Programs
	ledger    db.Ledger
	now       func() time.Time
}

func NewSettler(logger *zap.Logger, issuer IssuerChain, finalizer FinalizerChain, programs solanapkg.Programs, ledger db.Ledger) *Settler {
	return &Settler{
		logger:    logger,
		issuer:    issuer,
		finalizer: finalizer,
		programs:  programs,
		ledger:    ledger,
		now:       time.Now,
	}
}

func (s *Settler) newRecord(id string, ev *LockEvent) *db.SettlementRecord {
	now := s.now().UTC()
	return &db.SettlementRecord{
		ID:          id,
		State:       db.StateIssuePending,
		Origin:      ev.Origin.Hex(),
		Destination: ev.Destination.String(),
		Amount:      ev.Amount.String(),
		SourceTx:    ev.TxHash.Hex(),
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// store writes a transition. A failed write is logged but does not change the outcome, since the chain effects have
// already happened.
func (s *Settler) store(rec *db.SettlementRecord, state db.SettlementState, cause error) {
	rec.State = state
	rec.UpdatedAt = s.now().UTC()
	if cause != nil {
		rec.LastError = cause.Error()
	}
	if err := s.ledger.StoreSettlement(rec); err != nil {
		s.logger.Error("failed to record settlement state, manual reconciliation required",
			zap.String("id", rec.ID), zap.String("state", string(state)), zap.Error(err))
	}
}

// Settle handles one usable lock event. Phase 2 is only attempted once phase 1 returned a confirmed signature. Neither
// phase is retried here.
func (s *Settler) Settle(ctx context.Context, ev *LockEvent) *Outcome {
	id := ev.Fingerprint()
	out := &Outcome{ID: id, Event: ev}
	logger := s.logger.With(zap.String("id", id))

	rec := s.newRecord(id, ev)
	existing, claimed, err := s.ledger.ClaimSettlement(rec)
	if err != nil {
		out.Kind = LedgerUnavailable
		out.Err = fmt.Errorf("%w: %w", ErrLedger, err)
		return s.report(out)
	}
	if !claimed {
		out.Kind = AlreadySettled
		out.PreviousState = existing.State
		out.IssueTx, _ = solana.SignatureFromBase58(existing.IssueTx)
		if existing.BurnTx != "" {
			out.BurnTx = common.HexToHash(existing.BurnTx)
		}
		if existing.State == db.StateIssuePending {
			logger.Warn("event redelivered while its issue was in flight, manual reconciliation required", out.Fields()...)
		}
		return s.report(out)
	}

	logger.Info("settling lock event", out.Fields()...)
	if ev.IssueAmountTruncated() {
		logger.Warn("issue amount does not fit in 64 bits and was truncated",
			zap.Stringer("amount", ev.Amount), zap.Uint64("issued", ev.IssueAmount()))
	}

	start := time.Now()
	sig, err := s.issue(ctx, logger, ev)
	settlementDuration.WithLabelValues("issue").Observe(time.Since(start).Seconds())
	out.IssueTx = sig
	if !sig.IsZero() {
		rec.IssueTx = sig.String()
	}
	if err != nil {
		out.Kind = IssueFailed
		out.Err = fmt.Errorf("%w: %w", ErrIssue, err)
		s.store(rec, db.StateIssueFailed, out.Err)
		return s.report(out)
	}
	s.store(rec, db.StateIssueSucceeded, nil)

	start = time.Now()
	receipt, err := s.finalize(ctx, rec, ev.Origin, ev.Destination)
	settlementDuration.WithLabelValues("finalize").Observe(time.Since(start).Seconds())
	if receipt != nil {
		out.BurnTx = receipt.TxHash
	}
	if err != nil {
		out.Kind = FinalizeFailed
		out.Err = err
		return s.report(out)
	}

	out.Kind = IssuedAndFinalized
	return s.report(out)
}

// issue ensures the destination token account exists and submits the migrate instruction.
func (s *Settler) issue(ctx context.Context, logger *zap.Logger, ev *LockEvent) (solana.Signature, error) {
	admin := s.issuer.Admin()

	destATA, err := solanapkg.TokenAccount(s.programs, ev.Destination)
	if err != nil {
		return solana.Signature{}, err
	}

	exists, err := s.issuer.AccountExists(ctx, destATA)
	if err != nil {
		logger.Warn("failed to query destination token account, creating it", zap.Stringer("account", destATA), zap.Error(err))
	}
	if !exists {
		ix := solanapkg.NewCreateTokenAccountInstruction(s.programs, admin, destATA, ev.Destination)
		sig, err := s.issuer.SendAndConfirm(ctx, ix)
		if err != nil {
			accountCreationFailures.Inc()
			logger.Warn("destination token account creation failed, continuing",
				zap.Stringer("account", destATA),
				zap.Error(fmt.Errorf("%w: %w", ErrAccountCreation, err)))
		} else {
			logger.Info("created destination token account", zap.Stringer("account", destATA), zap.Stringer("tx", sig))
		}
	}

	accounts, err := solanapkg.DeriveMigrateAccounts(s.programs, admin, ev.Destination)
	if err != nil {
		return solana.Signature{}, err
	}
	ix, err := solanapkg.NewMigrateInstruction(s.programs, accounts, ev.IssueAmount())
	if err != nil {
		return solana.Signature{}, err
	}
	return s.issuer.SendAndConfirm(ctx, ix)
}

// finalize burns the locked balance for rec on chain A. rec must have been claimed by the caller.
func (s *Settler) finalize(ctx context.Context, rec *db.SettlementRecord, origin common.Address, destination solana.PublicKey) (*types.Receipt, error) {
	rec.FinalizeAttempts++
	s.store(rec, db.StateFinalizePending, nil)
	return s.burn(ctx, rec, origin, destination)
}

// burn sends the burn for rec, which is already recorded as FINALIZE_PENDING, and records the result.
func (s *Settler) burn(ctx context.Context, rec *db.SettlementRecord, origin common.Address, destination solana.PublicKey) (*types.Receipt, error) {
	receipt, err := s.finalizer.BurnTokens(ctx, origin, destination.String())
	if receipt != nil {
		rec.BurnTx = receipt.TxHash.Hex()
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFinalize, err)
		s.store(rec, db.StateFinalizeFailed, err)
		return receipt, err
	}
	rec.LastError = ""
	s.store(rec, db.StateFinalizeSucceeded, nil)
	return receipt, nil
}

func (s *Settler) report(out *Outcome) *Outcome {
	settlementOutcomes.WithLabelValues(string(out.Kind)).Inc()
	switch out.Kind {
	case IssuedAndFinalized, FinalizeRecovered:
		s.logger.Info("settlement complete", out.Fields()...)
	case AlreadySettled:
		s.logger.Info("skipping redelivered lock event", out.Fields()...)
	case LedgerUnavailable:
		s.logger.Error("failed to claim lock event in the ledger, ending session", out.Fields()...)
	case FinalizeFailed, FinalizeAbandoned:
		s.logger.Error("finalize failed after issuance, chains are inconsistent", out.Fields()...)
	default:
		s.logger.Error("settlement failed", out.Fields()...)
	}
	return out
}

// Discard builds the outcome of an unusable event.
func Discard(ev *LockEvent, err error) *Outcome {
	out := &Outcome{Kind: Discarded, Event: ev, Err: err}
	settlementOutcomes.WithLabelValues(string(out.Kind)).Inc()
	return out
}

// isLedgerFailure reports whether an outcome could not be recorded at all.
func isLedgerFailure(o *Outcome) bool {
	return o != nil && o.Kind == LedgerUnavailable
}
