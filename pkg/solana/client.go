package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	queryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "relayer_solana_query_latency_seconds",
			Help: "Latency histogram for Solana RPC calls",
		}, []string{"operation", "commitment"})
	connectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_solana_connection_errors_total",
			Help: "Total number of Solana RPC errors",
		}, []string{"operation"})
	transactionsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_solana_transactions_confirmed_total",
			Help: "Total number of Solana transactions sent by the relayer that reached the target commitment",
		})
)

const (
	rpcTimeout = time.Second * 10
	// How long to poll for a sent transaction to reach the target commitment.
	defaultConfirmTimeout = time.Second * 90
	confirmPollInterval   = time.Second
)

var ErrTransactionFailed = errors.New("transaction failed on chain")

// Config controls how a Client talks to its RPC node.
type Config struct {
	Commitment rpc.CommitmentType
	// MaxConcurrentRPC bounds the number of in-flight RPC calls.
	MaxConcurrentRPC int64
	// RPCRateLimit is the sustained number of RPC calls per second; zero means unlimited.
	RPCRateLimit float64
	// ConfirmTimeout bounds how long SendAndConfirm polls for the target commitment.
	ConfirmTimeout time.Duration
}

// Client signs transactions with the admin key and submits them to a Solana RPC node. Every RPC call goes through a
// bounded worker pool and a rate limiter, and carries its own timeout.
type Client struct {
	logger   *zap.Logger
	rpc      *rpc.Client
	admin    solana.PrivateKey
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	programs Programs
}

func NewClient(logger *zap.Logger, rpcURL string, admin solana.PrivateKey, programs Programs, cfg Config) *Client {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentFinalized
	}
	if cfg.MaxConcurrentRPC <= 0 {
		cfg.MaxConcurrentRPC = 8
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	limit := rate.Inf
	if cfg.RPCRateLimit > 0 {
		limit = rate.Limit(cfg.RPCRateLimit)
	}

	return &Client{
		logger:   logger,
		rpc:      rpc.New(rpcURL),
		admin:    admin,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentRPC),
		limiter:  rate.NewLimiter(limit, int(cfg.MaxConcurrentRPC)),
		programs: programs,
	}
}

// Admin returns the public key of the signing identity.
func (c *Client) Admin() solana.PublicKey {
	return c.admin.PublicKey()
}

func (c *Client) Programs() Programs {
	return c.programs
}

// call runs one RPC call inside the worker pool with rate limiting, a timeout and latency accounting.
func (c *Client) call(ctx context.Context, operation string, f func(ctx context.Context) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	rCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	start := time.Now()
	err := f(rCtx)
	queryLatency.WithLabelValues(operation, string(c.cfg.Commitment)).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, rpc.ErrNotFound) {
		connectionErrors.WithLabelValues(operation).Inc()
	}
	return err
}

// AccountExists reports whether account is present on chain at the configured commitment.
func (c *Client) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	err := c.call(ctx, "get_account_info", func(ctx context.Context) error {
		_, err := c.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get account info for %s: %w", account, err)
	}
	return true, nil
}

// SendAndConfirm signs a transaction carrying ix with the admin key as fee payer, sends it, and waits for it to reach
// the configured commitment.
func (c *Client) SendAndConfirm(ctx context.Context, ix solana.Instruction) (solana.Signature, error) {
	var blockhash solana.Hash
	err := c.call(ctx, "get_latest_blockhash", func(ctx context.Context) error {
		out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		blockhash = out.Value.Blockhash
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(c.admin.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.admin.PublicKey()) {
			return &c.admin
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	var sig solana.Signature
	err = c.call(ctx, "send_transaction", func(ctx context.Context) error {
		var err error
		sig, err = c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Debug("sent transaction, waiting for confirmation", zap.Stringer("signature", sig))
	if err := c.waitForConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	transactionsConfirmed.Inc()
	return sig, nil
}

var errNotConfirmed = errors.New("transaction not yet confirmed")

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	attempts := uint(c.cfg.ConfirmTimeout / confirmPollInterval)
	if attempts == 0 {
		attempts = 1
	}

	err := retry.Do(func() error {
		var status *rpc.SignatureStatusesResult
		err := c.call(ctx, "get_signature_statuses", func(ctx context.Context) error {
			out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				return err
			}
			if len(out.Value) > 0 {
				status = out.Value[0]
			}
			return nil
		})
		if err != nil {
			return err
		}
		if status == nil {
			return errNotConfirmed
		}
		if status.Err != nil {
			return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err))
		}
		if !c.reached(status.ConfirmationStatus) {
			return errNotConfirmed
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(confirmPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", sig, err)
	}
	return nil
}

// reached reports whether a confirmation status satisfies the configured commitment.
func (c *Client) reached(s rpc.ConfirmationStatusType) bool {
	switch c.cfg.Commitment {
	case rpc.CommitmentProcessed:
		return s != ""
	case rpc.CommitmentConfirmed:
		return s == rpc.ConfirmationStatusConfirmed || s == rpc.ConfirmationStatusFinalized
	default:
		return s == rpc.ConfirmationStatusFinalized
	}
}
