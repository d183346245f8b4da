package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bridge "github.com/voipfinance/bridge-relayer/pkg/ethereum"
	"go.uber.org/zap"
)

const (
	DefaultCatchUpBlockRange = 5000
	defaultCatchUpRetryDelay = time.Second
	maxCatchUpRetryDelay     = 30 * time.Second
	// Attempts per catch-up call once the block range is down to a single block.
	catchUpMaxAttempts = 5
	seenLogsCacheSize  = 10_000
	liveSinkSize       = 1024
)

var (
	logsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_eth_logs_received_total",
			Help: "Total number of lock event logs received, by delivery path",
		}, []string{"path"})
	logsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_eth_logs_skipped_total",
			Help: "Total number of log records skipped before decoding, by reason",
		}, []string{"reason"})
	catchUpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_eth_catch_up_errors_total",
			Help: "Total number of failed catch-up calls, by call",
		}, []string{"call"})
	catchUpAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_eth_catch_up_abandoned_total",
			Help: "Total number of sessions that went live with a back-fill gap left for the next session",
		})
)

// LogSource is the chain A handle lock events are read from.
type LogSource interface {
	ContractAddress() common.Address
	SubscribeLockEvents(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error)
	FilterLockEvents(ctx context.Context, from, to uint64) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type SourceConfig struct {
	// CatchUp back-fills lock events emitted since the persisted cursor before forwarding live ones.
	CatchUp bool
	// CatchUpStartBlock is where back-fill starts when no cursor has been persisted yet.
	CatchUpStartBlock uint64
	// CatchUpBlockRange is the number of blocks requested per log filter call. It is halved for the rest of the
	// session whenever a filter call fails.
	CatchUpBlockRange uint64
	// CatchUpRetryDelay is the first wait between failed catch-up calls that can no longer be narrowed.
	CatchUpRetryDelay time.Duration

	// OnCaughtUp is called once back-fill completed, or when there is nothing to back-fill. It is not called when
	// back-fill was abandoned.
	OnCaughtUp func()
	// OnLive is called once the catch-up phase is over, right before live logs are forwarded.
	OnLive func()
}

// EventSource delivers lock event logs, in order, from the bridge contract to a channel.
type EventSource struct {
	logger  *zap.Logger
	src     LogSource
	tracker *CursorTracker
	cfg     SourceConfig
	seen    *lru.Cache
}

func NewEventSource(logger *zap.Logger, src LogSource, tracker *CursorTracker, cfg SourceConfig) (*EventSource, error) {
	if cfg.CatchUpBlockRange == 0 {
		cfg.CatchUpBlockRange = DefaultCatchUpBlockRange
	}
	if cfg.CatchUpRetryDelay <= 0 {
		cfg.CatchUpRetryDelay = defaultCatchUpRetryDelay
	}
	if cfg.OnLive == nil {
		cfg.OnLive = func() {}
	}
	if cfg.OnCaughtUp == nil {
		cfg.OnCaughtUp = func() {}
	}
	seen, err := lru.New(seenLogsCacheSize)
	if err != nil {
		return nil, err
	}
	return &EventSource{
		logger:  logger,
		src:     src,
		tracker: tracker,
		cfg:     cfg,
		seen:    seen,
	}, nil
}

// Run subscribes to lock events and forwards them to out until the subscription fails or ctx is canceled. out is
// closed when Run returns. Failures of the back-fill calls never end Run; live logs buffer in the subscription sink
// while back-fill runs.
func (s *EventSource) Run(ctx context.Context, out chan<- types.Log) error {
	defer close(out)

	sink := make(chan types.Log, liveSinkSize)
	sub, err := s.src.SubscribeLockEvents(ctx, sink)
	if err != nil {
		return fmt.Errorf("%w: failed to subscribe to lock events: %w", ErrTransportSetup, err)
	}
	defer sub.Unsubscribe()

	s.logger.Info("subscribed to lock events", zap.Stringer("contract", s.src.ContractAddress()))

	complete := true
	if s.cfg.CatchUp {
		if complete, err = s.catchUp(ctx, sub, out); err != nil {
			return err
		}
	}
	if complete {
		s.cfg.OnCaughtUp()
	}
	s.cfg.OnLive()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("lock event subscription failed: %w", err)
		case l := <-sink:
			logsReceived.WithLabelValues("live").Inc()
			if err := s.forward(ctx, l, out); err != nil {
				return err
			}
		}
	}
}

// catchUp forwards the lock events between the cursor and the current head and reports whether it got all of them.
// Live logs buffer in the subscription sink meanwhile and are deduplicated against the back-filled ones. When a call
// keeps failing, the remaining range is left for the next session: the cursor is held below it and catchUp returns
// false. An error is only returned if the subscription failed, ctx was canceled or forwarding failed.
func (s *EventSource) catchUp(ctx context.Context, sub ethereum.Subscription, out chan<- types.Log) (bool, error) {
	from := s.tracker.Cursor() + 1
	if s.tracker.Cursor() == 0 {
		if s.cfg.CatchUpStartBlock == 0 {
			s.logger.Info("no cursor persisted and no catch-up start block configured, skipping catch-up")
			return true, nil
		}
		from = s.cfg.CatchUpStartBlock
	}

	bo := s.newCatchUpBackOff()
	var head uint64
	for attempt := 1; ; attempt++ {
		var err error
		head, err = s.src.BlockNumber(ctx)
		if err == nil {
			break
		}
		catchUpErrors.WithLabelValues("block_number").Inc()
		retry, werr := s.waitRetry(ctx, sub, bo, attempt, err)
		if werr != nil {
			return false, werr
		}
		if !retry {
			s.abandonCatchUp(from, fmt.Errorf("failed to get head block: %w", err))
			return false, nil
		}
	}
	if from > head {
		s.tracker.MarkDelivered(head)
		return true, nil
	}

	s.logger.Info("catching up on missed lock events", zap.Uint64("from", from), zap.Uint64("to", head))
	bo.Reset()
	blockRange := s.cfg.CatchUpBlockRange
	attempt := 0
	for start := from; start <= head; {
		end := start + blockRange - 1
		if end > head {
			end = head
		}

		select {
		case err := <-sub.Err():
			return false, fmt.Errorf("lock event subscription failed during catch-up: %w", err)
		default:
		}

		logs, err := s.src.FilterLockEvents(ctx, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			catchUpErrors.WithLabelValues("filter_logs").Inc()
			// Providers cap the block range or the result count of a filter call; a narrower range may succeed.
			if blockRange > 1 {
				blockRange /= 2
				s.logger.Warn("log filter failed, narrowing block range",
					zap.Uint64("from", start), zap.Uint64("to", end), zap.Uint64("range", blockRange), zap.Error(err))
				continue
			}
			attempt++
			retry, werr := s.waitRetry(ctx, sub, bo, attempt, err)
			if werr != nil {
				return false, werr
			}
			if !retry {
				s.abandonCatchUp(start, err)
				return false, nil
			}
			continue
		}
		attempt = 0
		bo.Reset()

		for _, l := range logs {
			logsReceived.WithLabelValues("catch_up").Inc()
			if err := s.forward(ctx, l, out); err != nil {
				return false, err
			}
		}
		s.logger.Debug("caught up block range", zap.Uint64("from", start), zap.Uint64("to", end), zap.Int("logs", len(logs)))
		start = end + 1
	}

	s.tracker.MarkDelivered(head)
	s.logger.Info("catch-up complete", zap.Uint64("head", head))
	return true, nil
}

func (s *EventSource) newCatchUpBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.CatchUpRetryDelay
	bo.MaxInterval = maxCatchUpRetryDelay
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// waitRetry waits before the next attempt of a failed catch-up call. It returns false once attempt reached the limit.
func (s *EventSource) waitRetry(ctx context.Context, sub ethereum.Subscription, bo backoff.BackOff, attempt int, cause error) (bool, error) {
	if attempt >= catchUpMaxAttempts {
		return false, nil
	}
	delay := bo.NextBackOff()
	s.logger.Warn("catch-up call failed, retrying",
		zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(cause))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-sub.Err():
		return false, fmt.Errorf("lock event subscription failed during catch-up: %w", err)
	case <-t.C:
		return true, nil
	}
}

// abandonCatchUp gives up on back-filling from block onward for this session.
func (s *EventSource) abandonCatchUp(block uint64, cause error) {
	catchUpAbandoned.Inc()
	s.tracker.Hold(block)
	s.logger.Error("giving up on catch-up, forwarding live lock events; the gap is back-filled next session",
		zap.Uint64("from", block), zap.Error(cause))
}

func (s *EventSource) forward(ctx context.Context, l types.Log, out chan<- types.Log) error {
	if reason := s.skipReason(l); reason != "" {
		logsSkipped.WithLabelValues(reason).Inc()
		s.logger.Debug("skipping log record",
			zap.String("reason", reason),
			zap.Stringer("txHash", l.TxHash),
			zap.Uint("logIndex", l.Index),
			zap.Error(ErrLogRead))
		return nil
	}

	select {
	case out <- l:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventSource) skipReason(l types.Log) string {
	switch {
	case l.Removed:
		return "removed"
	case l.Address != s.src.ContractAddress():
		return "address"
	case len(l.Topics) == 0 || l.Topics[0] != bridge.LockEventTopic:
		return "topic"
	}
	if seen, _ := s.seen.ContainsOrAdd(fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index), struct{}{}); seen {
		return "duplicate"
	}
	return ""
}
