package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	ethBind "github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	ethClient "github.com/ethereum/go-ethereum/ethclient"
	ethRpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ethConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_eth_connection_errors_total",
			Help: "Total number of Ethereum connection errors",
		}, []string{"reason"})
	ethQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "relayer_eth_query_latency_seconds",
			Help: "Latency histogram for Ethereum calls",
		}, []string{"operation"})
	ethBurnsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_eth_burns_confirmed_total",
			Help: "Total number of burnTokens transactions mined successfully",
		})
)

const (
	subscribeTimeout   = 15 * time.Second
	rpcTimeout         = 15 * time.Second
	defaultBurnTimeout = 5 * time.Minute
)

var ErrTransactionReverted = errors.New("transaction reverted")

// Connector talks to the bridge contract. Logs are read over the streaming (WebSocket) endpoint, transactions are sent
// over the request/response (HTTP) endpoint.
type Connector struct {
	logger  *zap.Logger
	address ethCommon.Address

	stream   *ethClient.Client
	client   *ethClient.Client
	contract *ethBind.BoundContract

	key     *ecdsa.PrivateKey
	chainID *big.Int
	// Time allowed for a burn transaction to be mined.
	burnTimeout time.Duration

	// nonceMu serializes nonce assignment and submission for the admin account.
	nonceMu   sync.Mutex
	nextNonce *uint64
}

// NewConnector dials both endpoints. key may be nil for a read-only connector.
func NewConnector(ctx context.Context, logger *zap.Logger, wsURL, httpURL string, address ethCommon.Address, key *ecdsa.PrivateKey, burnTimeout time.Duration) (*Connector, error) {
	if burnTimeout <= 0 {
		burnTimeout = defaultBurnTimeout
	}

	rawStream, err := ethRpc.DialContext(ctx, wsURL)
	if err != nil {
		ethConnectionErrors.WithLabelValues("dial_stream").Inc()
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}
	client, err := ethClient.DialContext(ctx, httpURL)
	if err != nil {
		rawStream.Close()
		ethConnectionErrors.WithLabelValues("dial_http").Inc()
		return nil, fmt.Errorf("failed to dial %s: %w", httpURL, err)
	}

	c := &Connector{
		logger:      logger,
		address:     address,
		stream:      ethClient.NewClient(rawStream),
		client:      client,
		contract:    ethBind.NewBoundContract(address, BridgeABI, client, client, client),
		key:         key,
		burnTimeout: burnTimeout,
	}

	if key != nil {
		timeout, cancel := context.WithTimeout(ctx, rpcTimeout)
		defer cancel()
		c.chainID, err = client.ChainID(timeout)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to query chain id: %w", err)
		}
	}

	return c, nil
}

func (c *Connector) Close() {
	c.stream.Close()
	c.client.Close()
}

func (c *Connector) ContractAddress() ethCommon.Address {
	return c.address
}

func (c *Connector) lockEventQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []ethCommon.Address{c.address},
		Topics:    [][]ethCommon.Hash{{LockEventTopic}},
	}
}

// SubscribeLockEvents opens a server-pushed subscription to lock events emitted by the bridge contract.
func (c *Connector) SubscribeLockEvents(ctx context.Context, sink chan<- ethTypes.Log) (ethereum.Subscription, error) {
	timeout, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	sub, err := c.stream.SubscribeFilterLogs(timeout, c.lockEventQuery(), sink)
	if err != nil {
		ethConnectionErrors.WithLabelValues("subscribe_error").Inc()
		return nil, err
	}
	return sub, nil
}

// FilterLockEvents returns the lock events in the inclusive block range [from, to].
func (c *Connector) FilterLockEvents(ctx context.Context, from, to uint64) ([]ethTypes.Log, error) {
	q := c.lockEventQuery()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	timeout, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	start := time.Now()
	logs, err := c.client.FilterLogs(timeout, q)
	ethQueryLatency.WithLabelValues("filter_logs").Observe(time.Since(start).Seconds())
	if err != nil {
		ethConnectionErrors.WithLabelValues("filter_logs_error").Inc()
		return nil, fmt.Errorf("failed to filter logs in [%d, %d]: %w", from, to, err)
	}
	return logs, nil
}

func (c *Connector) BlockNumber(ctx context.Context) (uint64, error) {
	timeout, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	start := time.Now()
	n, err := c.client.BlockNumber(timeout)
	ethQueryLatency.WithLabelValues("block_number").Observe(time.Since(start).Seconds())
	if err != nil {
		ethConnectionErrors.WithLabelValues("block_number_error").Inc()
	}
	return n, err
}

// BurnTokens calls burnTokens(origin, destination) signed with the admin key and waits for the transaction to be
// mined with a successful status.
func (c *Connector) BurnTokens(ctx context.Context, origin ethCommon.Address, destination string) (*ethTypes.Receipt, error) {
	if c.key == nil {
		return nil, errors.New("connector has no signing key")
	}

	tx, err := c.sendBurn(ctx, origin, destination)
	if err != nil {
		return nil, err
	}

	c.logger.Info("burn transaction sent, waiting for it to be mined",
		zap.Stringer("txHash", tx.Hash()),
		zap.Stringer("origin", origin),
		zap.String("destination", destination))

	waitCtx, cancel := context.WithTimeout(ctx, c.burnTimeout)
	defer cancel()
	receipt, err := ethBind.WaitMined(waitCtx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for burn transaction %s: %w", tx.Hash(), err)
	}
	if receipt.Status != ethTypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: burn transaction %s", ErrTransactionReverted, tx.Hash())
	}

	ethBurnsConfirmed.Inc()
	return receipt, nil
}

// sendBurn assigns the next admin nonce and submits the transaction. Concurrent settlements share the admin account,
// so nonces are tracked locally and refreshed from the node after a failed submission.
func (c *Connector) sendBurn(ctx context.Context, origin ethCommon.Address, destination string) (*ethTypes.Transaction, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	opts, err := ethBind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	timeout, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	opts.Context = timeout

	if c.nextNonce == nil {
		n, err := c.client.PendingNonceAt(timeout, opts.From)
		if err != nil {
			ethConnectionErrors.WithLabelValues("nonce_error").Inc()
			return nil, fmt.Errorf("failed to get nonce: %w", err)
		}
		c.nextNonce = &n
	}
	opts.Nonce = new(big.Int).SetUint64(*c.nextNonce)

	start := time.Now()
	tx, err := c.contract.Transact(opts, burnMethod, origin, destination)
	ethQueryLatency.WithLabelValues("burn_tokens").Observe(time.Since(start).Seconds())
	if err != nil {
		c.nextNonce = nil
		ethConnectionErrors.WithLabelValues("burn_tokens_error").Inc()
		return nil, fmt.Errorf("failed to send burn transaction: %w", err)
	}
	*c.nextNonce++
	return tx, nil
}
