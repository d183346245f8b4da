package relayer

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/voipfinance/bridge-relayer/pkg/db"
	"github.com/voipfinance/bridge-relayer/pkg/ethereum"
	"github.com/voipfinance/bridge-relayer/pkg/readiness"
	"github.com/voipfinance/bridge-relayer/pkg/relay"
	"github.com/voipfinance/bridge-relayer/pkg/reporter"
	solanapkg "github.com/voipfinance/bridge-relayer/pkg/solana"
	"github.com/voipfinance/bridge-relayer/pkg/supervisor"
	"github.com/voipfinance/bridge-relayer/pkg/version"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	configFile *string
	dotEnvFile *string

	statusAddr *string
	dataDir    *string
	ledgerURL  *string

	logLevel   *string
	logJSON    *bool
	lockMemory *bool

	ethWS           *string
	ethRPC          *string
	ethContract     *string
	ethAdminAddress *string
	ethAdminKey     *string
	ethBurnTimeout  *time.Duration

	solanaRPC              *string
	solanaAdminKey         *string
	solanaMint             *string
	solanaMigrationProgram *string
	solanaCommitment       *string
	solanaMaxConcurrentRPC *int64
	solanaRPCRateLimit     *float64
	solanaConfirmTimeout   *time.Duration

	catchUp           *bool
	catchUpStartBlock *uint64
	catchUpBlockRange *uint64
	catchUpRetryDelay *time.Duration
	maxInFlight       *int

	reconcile           *bool
	reconcileInterval   *time.Duration
	finalizeGracePeriod *time.Duration
	finalizeMaxAttempts *int
	finalizeRetryDelay  *time.Duration

	restartBackoffMax *time.Duration
	breakerThreshold  *int
	breakerCooldown   *time.Duration

	kafkaBroker *string
	kafkaTopic  *string
)

func init() {
	configFile = RelayCmd.Flags().String("config", "", "Config file (any format supported by viper)")
	dotEnvFile = RelayCmd.Flags().String("envFile", ".env", "Environment file loaded before reading variables (ignored if missing)")

	statusAddr = RelayCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for the status server serving /metrics and /readyz (disabled if blank)")
	dataDir = RelayCmd.Flags().String("dataDir", "", "Data directory holding the settlement ledger")
	ledgerURL = RelayCmd.Flags().String("ledgerURL", "", "postgres:// URL of a shared settlement ledger (overrides --dataDir)")

	logLevel = RelayCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error, dpanic, panic, fatal)")
	logJSON = RelayCmd.Flags().Bool("logJSON", false, "Log JSON instead of console lines")
	lockMemory = RelayCmd.Flags().Bool("lockMemory", false, "Lock memory pages holding key material (requires CAP_IPC_LOCK)")

	ethWS = RelayCmd.Flags().String("ethWS", "", "Ethereum WebSocket RPC URL used for the lock event subscription (required)")
	ethRPC = RelayCmd.Flags().String("ethRPC", "", "Ethereum HTTP RPC URL used for transactions (required)")
	ethContract = RelayCmd.Flags().String("ethContract", "", "Bridge contract address (required)")
	ethAdminAddress = RelayCmd.Flags().String("ethAdminAddress", "", "Address of the burn signing key; checked against --ethAdminKey")
	ethAdminKey = RelayCmd.Flags().String("ethAdminKey", "", "Hex private key signing burn transactions (required)")
	ethBurnTimeout = RelayCmd.Flags().Duration("ethBurnTimeout", 5*time.Minute, "Time allowed for a burn transaction to be mined")

	solanaRPC = RelayCmd.Flags().String("solanaRPC", "", "Solana RPC URL (required)")
	solanaAdminKey = RelayCmd.Flags().String("solanaAdminKey", "", "Solana admin private key, base58 or keygen JSON array (required)")
	solanaMint = RelayCmd.Flags().String("solanaMint", "", "Mint of the issued token (required)")
	solanaMigrationProgram = RelayCmd.Flags().String("solanaMigrationProgram", "", "Migration program id (required)")
	solanaCommitment = RelayCmd.Flags().String("solanaCommitment", string(rpc.CommitmentFinalized), "Commitment required before an issue counts as confirmed (confirmed, finalized)")
	solanaMaxConcurrentRPC = RelayCmd.Flags().Int64("solanaMaxConcurrentRPC", 8, "Maximum concurrent Solana RPC calls")
	solanaRPCRateLimit = RelayCmd.Flags().Float64("solanaRPCRateLimit", 0, "Sustained Solana RPC calls per second (0 = unlimited)")
	solanaConfirmTimeout = RelayCmd.Flags().Duration("solanaConfirmTimeout", 90*time.Second, "Time allowed for a Solana transaction to reach the commitment")

	catchUp = RelayCmd.Flags().Bool("catchUp", true, "Back-fill lock events emitted since the persisted cursor on every (re)connect")
	catchUpStartBlock = RelayCmd.Flags().Uint64("catchUpStartBlock", 0, "Block to back-fill from when no cursor has been persisted (0 = do not back-fill)")
	catchUpBlockRange = RelayCmd.Flags().Uint64("catchUpBlockRange", relay.DefaultCatchUpBlockRange, "Blocks per log filter request during back-fill")
	catchUpRetryDelay = RelayCmd.Flags().Duration("catchUpRetryDelay", time.Second, "First wait before retrying a failed back-fill request")
	maxInFlight = RelayCmd.Flags().Int("maxInFlight", relay.DefaultMaxInFlight, "Maximum number of lock events settled concurrently")

	reconcile = RelayCmd.Flags().Bool("reconcile", true, "Retry failed and interrupted finalizes in the background")
	reconcileInterval = RelayCmd.Flags().Duration("reconcileInterval", time.Minute, "Interval between reconciliation passes")
	finalizeGracePeriod = RelayCmd.Flags().Duration("finalizeGracePeriod", 10*time.Minute, "Age after which an unfinished settlement is considered interrupted")
	finalizeMaxAttempts = RelayCmd.Flags().Int("finalizeMaxAttempts", 5, "Finalize attempts before a settlement is abandoned for manual reconciliation")
	finalizeRetryDelay = RelayCmd.Flags().Duration("finalizeRetryDelay", time.Minute, "Delay before the first finalize retry, doubled per attempt")

	restartBackoffMax = RelayCmd.Flags().Duration("restartBackoffMax", time.Minute, "Maximum delay between relay session restarts")
	breakerThreshold = RelayCmd.Flags().Int("breakerThreshold", 10, "Consecutive failed sessions before cooling down (0 = never)")
	breakerCooldown = RelayCmd.Flags().Duration("breakerCooldown", 5*time.Minute, "Cool-down after the restart circuit breaker opens")

	kafkaBroker = RelayCmd.Flags().String("kafkaBroker", "", "Kafka bootstrap servers settlement outcomes are published to (disabled if blank)")
	kafkaTopic = RelayCmd.Flags().String("kafkaTopic", "relayer-settlements", "Kafka topic for settlement outcomes")
}

// RelayCmd represents the relay command
var RelayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay lock events from the Ethereum bridge contract to the Solana migration program",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return InitFileConfig(cmd, ConfigOptions{
			FilePath:   *configFile,
			DotEnvPath: *dotEnvFile,
			EnvPrefix:  "RELAYER",
			EnvAliases: legacyEnv,
		})
	},
	Run: runRelay,
}

// lockMemoryPages locks current and future pages in memory to protect secret keys from being swapped out to disk.
func lockMemoryPages() {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		fmt.Printf("Failed to lock memory: %v (CAP_IPC_LOCK missing?)\n", err)
		os.Exit(1)
	}
}

// setRestrictiveUmask masks the group and world bits so that the ledger is not group- or world-readable.
func setRestrictiveUmask() {
	unix.Umask(0077) // cannot fail
}

func runRelay(cmd *cobra.Command, args []string) {
	if *lockMemory {
		lockMemoryPages()
	}
	setRestrictiveUmask()

	logger, err := newLogger(*logLevel, *logJSON)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}

	// Verify flags

	if *ethWS == "" {
		logger.Fatal("Please specify --ethWS")
	}
	if *ethRPC == "" {
		logger.Fatal("Please specify --ethRPC")
	}
	if !common.IsHexAddress(*ethContract) {
		logger.Fatal("Please specify a valid --ethContract")
	}
	if *ethAdminKey == "" {
		logger.Fatal("Please specify --ethAdminKey")
	}
	if *solanaRPC == "" {
		logger.Fatal("Please specify --solanaRPC")
	}
	if *solanaAdminKey == "" {
		logger.Fatal("Please specify --solanaAdminKey")
	}
	if *dataDir == "" && *ledgerURL == "" {
		logger.Fatal("Please specify --dataDir or --ledgerURL")
	}
	commitment := rpc.CommitmentType(*solanaCommitment)
	if commitment != rpc.CommitmentConfirmed && commitment != rpc.CommitmentFinalized {
		logger.Fatal("Please specify --solanaCommitment as confirmed or finalized")
	}

	mint, err := solana.PublicKeyFromBase58(*solanaMint)
	if err != nil {
		logger.Fatal("Please specify a valid --solanaMint", zap.Error(err))
	}
	migrationProgram, err := solana.PublicKeyFromBase58(*solanaMigrationProgram)
	if err != nil {
		logger.Fatal("Please specify a valid --solanaMigrationProgram", zap.Error(err))
	}

	var expectedEthAdmin common.Address
	if *ethAdminAddress != "" {
		if !common.IsHexAddress(*ethAdminAddress) {
			logger.Fatal("Please specify a valid --ethAdminAddress")
		}
		expectedEthAdmin = common.HexToAddress(*ethAdminAddress)
	}
	ethKey, err := ethereum.ParsePrivateKey(*ethAdminKey, expectedEthAdmin)
	if err != nil {
		logger.Fatal("invalid --ethAdminKey", zap.Error(err))
	}
	solanaKey, err := solanapkg.ParsePrivateKey(*solanaAdminKey)
	if err != nil {
		logger.Fatal("invalid --solanaAdminKey", zap.Error(err))
	}

	contract := common.HexToAddress(*ethContract)
	programs := solanapkg.DefaultPrograms(migrationProgram, mint)

	logger.Info("starting relayer",
		zap.String("version", version.Version()),
		zap.Stringer("ethContract", contract),
		zap.String("solanaRPC", *solanaRPC),
		zap.Stringer("solanaAdmin", solanaKey.PublicKey()),
		zap.Stringer("solanaMint", mint),
		zap.Stringer("solanaMigrationProgram", migrationProgram),
		zap.String("solanaCommitment", string(commitment)),
		zap.Bool("catchUp", *catchUp),
		zap.Int("maxInFlight", *maxInFlight),
		zap.Bool("reconcile", *reconcile))

	health := readiness.NewRegistry()
	for _, c := range []readiness.Component{readiness.Ledger, readiness.EthSubscription, readiness.EthCatchUp} {
		if err := health.RegisterComponent(c); err != nil {
			logger.Fatal("failed to register readiness component", zap.Error(err))
		}
	}

	ledger, err := db.OpenLedger(logger, *ledgerURL, dataDir)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer ledger.Close()
	health.SetReady(readiness.Ledger)

	solanaClient := solanapkg.NewClient(logger.Named("solana"), *solanaRPC, solanaKey, programs, solanapkg.Config{
		Commitment:       commitment,
		MaxConcurrentRPC: *solanaMaxConcurrentRPC,
		RPCRateLimit:     *solanaRPCRateLimit,
		ConfirmTimeout:   *solanaConfirmTimeout,
	})

	dial := func(ctx context.Context) (*relay.Handles, error) {
		conn, err := ethereum.NewConnector(ctx, logger.Named("ethereum"), *ethWS, *ethRPC, contract, ethKey, *ethBurnTimeout)
		if err != nil {
			return nil, err
		}
		return &relay.Handles{
			Source:    conn,
			Issuer:    solanaClient,
			Finalizer: conn,
			Programs:  programs,
			Close:     conn.Close,
		}, nil
	}

	outcomes := reporter.NewOutcomeReporter(logger)
	relayer := relay.NewRelayer(dial, ledger, health, relay.Config{
		Source: relay.SourceConfig{
			CatchUp:           *catchUp,
			CatchUpStartBlock: *catchUpStartBlock,
			CatchUpBlockRange: *catchUpBlockRange,
			CatchUpRetryDelay: *catchUpRetryDelay,
		},
		MaxInFlight: *maxInFlight,
		Reconcile:   *reconcile,
		Reconciler: relay.ReconcilerConfig{
			Interval:          *reconcileInterval,
			GracePeriod:       *finalizeGracePeriod,
			MaxAttempts:       *finalizeMaxAttempts,
			InitialRetryDelay: *finalizeRetryDelay,
			MaxRetryDelay:     time.Hour,
		},
	}, outcomes.Report)

	// Main lifecycle context, canceled on SIGINT/SIGTERM.
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	supervisor.New(rootCtx, logger, func(ctx context.Context) error {
		if *statusAddr != "" {
			// Use a custom router instead of http.DefaultServeMux to avoid exposing packages that register
			// themselves with it by default (like pprof).
			router := mux.NewRouter()
			router.Handle("/readyz", health)
			router.Handle("/metrics", promhttp.Handler())
			if err := supervisor.Run(ctx, "status", supervisor.HTTPServer(*statusAddr, router)); err != nil {
				return err
			}
		}

		if *kafkaBroker != "" {
			newProducer := func() (reporter.Producer, error) {
				return reporter.NewKafkaProducer(reporter.KafkaConfig{Broker: *kafkaBroker, Topic: *kafkaTopic})
			}
			if err := supervisor.Run(ctx, "kafka", reporter.KafkaWriter(outcomes, *kafkaTopic, newProducer)); err != nil {
				return err
			}
		}

		if err := supervisor.Run(ctx, "relay", relayer.Run); err != nil {
			return err
		}

		logger.Info("Started internal services")
		sdNotify(logger, daemon.SdNotifyReady)
		supervisor.Signal(ctx, supervisor.SignalHealthy)

		<-ctx.Done()
		return nil
	},
		supervisor.WithBackOff(time.Second, *restartBackoffMax),
		supervisor.WithCircuitBreaker(*breakerThreshold, *breakerCooldown))

	<-rootCtx.Done()
	logger.Info("root context cancelled, exiting...")
	sdNotify(logger, daemon.SdNotifyStopping)
}
