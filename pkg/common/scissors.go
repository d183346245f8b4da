package common

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/voipfinance/bridge-relayer/pkg/supervisor"
)

var (
	ScissorsErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_scissors_panics_caught_total",
			Help: "Total number of panics caught in relayer goroutines",
		}, []string{"name"})
)

// RunWithScissors starts a go routine that recovers from any panic by sending an error to errC. A non-nil error
// returned by the runnable is sent to errC as well.
func RunWithScissors(ctx context.Context, errC chan error, name string, runnable supervisor.Runnable) {
	go func() {
		if err := WrapWithScissors(name, runnable)(ctx); err != nil {
			errC <- err
		}
	}()
}

// WrapWithScissors returns a runnable that turns a panic inside runnable into an error prefixed with name.
func WrapWithScissors(name string, runnable supervisor.Runnable) supervisor.Runnable {
	return func(ctx context.Context) (result error) {
		defer func() {
			if r := recover(); r != nil {
				switch x := r.(type) {
				case error:
					result = fmt.Errorf("%s: %w", name, x)
				default:
					result = fmt.Errorf("%s: %v", name, x)
				}
				ScissorsErrors.WithLabelValues(name).Inc()
			}
		}()

		return runnable(ctx)
	}
}
