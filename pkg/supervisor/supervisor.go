package supervisor

// The supervision library keeps long-running parts of the relayer alive. It is modeled on the Erlang/OTP supervision
// tree: every Runnable lives in a node, nodes can start child nodes, and a node that dies is restarted after a backoff
// while its children are torn down with it.

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// A Runnable is a function that will be run in a goroutine, and supervised throughout its lifetime. It can in turn
// start more runnables as its children, and those will form part of a supervision tree.
// The context passed to a runnable is live as long as the runnable should be running, and canceled when the supervisor
// wants it to exit. It is usable for performing any blocking operations.
type Runnable func(ctx context.Context) error

// Run starts a child runnable under the node that the given context represents. The child is canceled whenever its
// parent exits, and restarted on its own whenever it dies while the parent is still running.
func Run(ctx context.Context, name string, runnable Runnable) error {
	return fromContext(ctx).spawn(name, runnable)
}

// Signal tells the supervisor that the calling runnable has reached a certain state of its lifecycle. All runnables
// should SignalHealthy when they are done with set up and are now 'serving'.
func Signal(ctx context.Context, signal SignalType) {
	fromContext(ctx).signal(signal)
}

type SignalType int

const (
	// The runnable is healthy, done with setup, done with spawning more Runnables, and ready to serve in a loop.
	// Becoming healthy resets the restart backoff and the circuit breaker of the node.
	SignalHealthy SignalType = iota
	// The runnable is done and may return nil without being restarted. Its children keep running.
	SignalDone
)

// Logger returns a Zap logger named after the distinguished name of the runnable (its dot-separated place in the
// supervision tree).
func Logger(ctx context.Context) *zap.Logger {
	n := fromContext(ctx)
	return n.sup.logger.Named(n.dn())
}

// supervisor holds the root of a supervision tree and the policy used to restart its nodes.
type supervisor struct {
	root *node
	// logger is the Zap logger used to create loggers available to runnables.
	logger *zap.Logger
	// ilogger is the Zap logger used for internal logging by the supervisor.
	ilogger *zap.Logger

	// propagate panics, ie. don't catch them.
	propagatePanic bool

	initialInterval time.Duration
	maxInterval     time.Duration

	// After breakerThreshold consecutive deaths without the node becoming healthy, the next restart waits
	// breakerCooldown instead of the regular backoff. Zero disables the breaker.
	breakerThreshold int
	breakerCooldown  time.Duration
}

// SupervisorOpt are runtime configurable options for the supervisor.
type SupervisorOpt func(s *supervisor)

var (
	// WithPropagatePanic prevents the Supervisor from catching panics in runnables and treating them as failures.
	// This is useful to enable for testing and local debugging.
	WithPropagatePanic = func(s *supervisor) {
		s.propagatePanic = true
	}
)

// WithBackOff sets the bounds of the exponential backoff applied between restarts of a dead node.
func WithBackOff(initial, max time.Duration) SupervisorOpt {
	return func(s *supervisor) {
		s.initialInterval = initial
		s.maxInterval = max
	}
}

// WithCircuitBreaker makes a node that died threshold times in a row without signaling healthy wait cooldown before
// its next start.
func WithCircuitBreaker(threshold int, cooldown time.Duration) SupervisorOpt {
	return func(s *supervisor) {
		s.breakerThreshold = threshold
		s.breakerCooldown = cooldown
	}
}

// New creates a new supervisor with its root running the given root runnable.
// The given context can be used to cancel the entire supervision tree.
func New(ctx context.Context, logger *zap.Logger, rootRunnable Runnable, opts ...SupervisorOpt) *supervisor {
	sup := &supervisor{
		logger:          logger,
		ilogger:         logger.Named("supervisor"),
		initialInterval: backoff.DefaultInitialInterval,
		maxInterval:     backoff.DefaultMaxInterval,
	}

	for _, o := range opts {
		o(sup)
	}

	sup.root = newNode("root", rootRunnable, sup, nil)
	go sup.root.supervise(ctx)

	return sup
}

func (s *supervisor) newBackOff() *backoff.ExponentialBackOff {
	// MaxElapsedTime of 0 caps the backoff at MaxInterval instead of giving up.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialInterval
	bo.MaxInterval = s.maxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
