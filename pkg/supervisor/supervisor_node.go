package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	runnableRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_supervisor_restarts_total",
			Help: "Total number of times a supervised runnable died and was rescheduled",
		}, []string{"dn"})
	breakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_supervisor_breaker_trips_total",
			Help: "Total number of times a supervised runnable hit its consecutive failure threshold",
		}, []string{"dn"})
)

// node is a supervision tree node. It represents the state of a Runnable within this tree and its relation to other
// tree elements.
type node struct {
	// The name of this node. It's used to make up the 'dn' (distinguished name) of a node within the tree.
	name     string
	runnable Runnable

	sup    *supervisor
	parent *node

	// mu guards everything below.
	mu sync.Mutex
	// Context of the current run; children are started under it.
	ctx   context.Context
	state nodeState
	// Children started during the current run, keyed by name.
	children map[string]*node
	// children tracks the supervise loops of the current run's children.
	wg sync.WaitGroup

	// Backoff used to keep runnables from being restarted too fast.
	bo *backoff.ExponentialBackOff
	// Consecutive deaths since the node was last healthy.
	failures int
}

// nodeState is the state of a runnable within a node, and in a way the node itself.
type nodeState int

const (
	// A node whose runnable has been started but hasn't signaled anything yet.
	nodeStateNew nodeState = iota
	// A node whose runnable has signaled being healthy.
	nodeStateHealthy
	// A node that has unexpectedly returned or panicked.
	nodeStateDead
	// A node that has declared that it's done with its work and should not be restarted.
	nodeStateDone
	// A node that has returned after being requested to cancel.
	nodeStateCanceled
)

func (s nodeState) String() string {
	switch s {
	case nodeStateNew:
		return "NODE_STATE_NEW"
	case nodeStateHealthy:
		return "NODE_STATE_HEALTHY"
	case nodeStateDead:
		return "NODE_STATE_DEAD"
	case nodeStateDone:
		return "NODE_STATE_DONE"
	case nodeStateCanceled:
		return "NODE_STATE_CANCELED"
	}
	return "UNKNOWN"
}

func (n *node) String() string {
	return fmt.Sprintf("%s (%s)", n.dn(), n.getState())
}

// contextKey is a type used to keep data within context values.
type contextKey string

var nodeKey = contextKey("node")

// fromContext retrieves a tree node from a runnable context.
func fromContext(ctx context.Context) *node {
	n, ok := ctx.Value(nodeKey).(*node)
	if !ok {
		panic("supervisor function called from non-runnable context")
	}
	return n
}

// dn returns the distinguished name of a node. The runnable 'foo' within the runnable 'bar' is called 'root.bar.foo'.
func (n *node) dn() string {
	if n.parent != nil {
		return fmt.Sprintf("%s.%s", n.parent.dn(), n.name)
	}
	return n.name
}

func newNode(name string, runnable Runnable, sup *supervisor, parent *node) *node {
	return &node{
		name:     name,
		runnable: runnable,
		sup:      sup,
		parent:   parent,
		bo:       sup.newBackOff(),
		children: make(map[string]*node),
	}
}

func (n *node) getState() nodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *node) setState(s nodeState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// reNodeName validates a node name against constraints.
var reNodeName = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// spawn starts a child node under the current run of n.
func (n *node) spawn(name string, runnable Runnable) error {
	if !reNodeName.MatchString(name) {
		return fmt.Errorf("runnable name %q is invalid", name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != nodeStateNew {
		return fmt.Errorf("cannot run new runnable on non-NEW node")
	}
	if _, ok := n.children[name]; ok {
		return fmt.Errorf("runnable %q already exists", name)
	}

	child := newNode(name, runnable, n.sup, n)
	n.children[name] = child

	ctx := n.ctx
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		child.supervise(ctx)
	}()
	return nil
}

// signal sequences state changes by signals received from runnables and updates a node's status accordingly.
func (n *node) signal(signal SignalType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch signal {
	case SignalHealthy:
		if n.state != nodeStateNew {
			panic(fmt.Errorf("node %s signaled healthy", n.dn()))
		}
		n.state = nodeStateHealthy
		n.bo.Reset()
		n.failures = 0
	case SignalDone:
		if n.state != nodeStateHealthy {
			panic(fmt.Errorf("node %s signaled done", n.dn()))
		}
		n.state = nodeStateDone
	}
}

// supervise runs the node's runnable until pctx is canceled, restarting it whenever it dies.
func (n *node) supervise(pctx context.Context) {
	if n.parent == nil {
		n.sup.ilogger.Info("supervisor started")
		defer n.sup.ilogger.Info("supervisor exited")
	}

	for {
		res := n.runOnce(pctx)

		if pctx.Err() != nil {
			n.setState(nodeStateCanceled)
			return
		}

		var err error
		state := n.getState()
		if res == nil {
			err = fmt.Errorf("returned when %s", state)
		} else {
			err = fmt.Errorf("returned error when %s: %w", state, res)
		}
		n.setState(nodeStateDead)

		dn := n.dn()
		n.sup.ilogger.Error("Runnable died", zap.String("dn", dn), zap.Error(err))
		runnableRestarts.WithLabelValues(dn).Inc()

		delay := n.nextDelay()
		n.sup.ilogger.Info("rescheduling supervised node", zap.String("dn", dn), zap.Duration("backoff", delay))

		t := time.NewTimer(delay)
		select {
		case <-pctx.Done():
			t.Stop()
			n.setState(nodeStateCanceled)
			return
		case <-t.C:
		}
	}
}

// runOnce performs a single run of the runnable. Children of the run are canceled and waited for before it returns.
// A runnable that signaled done and returned nil keeps its children running until pctx is canceled.
func (n *node) runOnce(pctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithValue(pctx, nodeKey, n))

	n.mu.Lock()
	n.ctx = ctx
	n.state = nodeStateNew
	n.children = make(map[string]*node)
	n.mu.Unlock()

	defer func() {
		cancel()
		n.wg.Wait()
	}()

	err := n.call(ctx)
	if err == nil && n.getState() == nodeStateDone {
		<-pctx.Done()
		return pctx.Err()
	}
	return err
}

func (n *node) call(ctx context.Context) (err error) {
	if !n.sup.propagatePanic {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v, stacktrace: %s", rec, string(debug.Stack()))
			}
		}()
	}
	return n.runnable(ctx)
}

// nextDelay returns how long to wait before restarting the node after a death.
func (n *node) nextDelay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failures++
	if th := n.sup.breakerThreshold; th > 0 && n.failures >= th {
		dn := n.dn()
		n.sup.ilogger.Warn("circuit breaker open, cooling down",
			zap.String("dn", dn),
			zap.Int("failures", n.failures),
			zap.Duration("cooldown", n.sup.breakerCooldown))
		breakerTrips.WithLabelValues(dn).Inc()
		n.failures = 0
		n.bo.Reset()
		return n.sup.breakerCooldown
	}
	return n.bo.NextBackOff()
}
