package supervisor

// Supporting infrastructure to allow running some non-Go payloads under supervision.

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const httpShutdownTimeout = 5 * time.Second

// HTTPServer creates a Runnable that listens on addr and serves handler as long as it's not canceled. On cancellation
// the server is shut down gracefully, giving in-flight requests httpShutdownTimeout to finish. Every run uses a fresh
// http.Server, since a server that was shut down cannot serve again.
func HTTPServer(addr string, handler http.Handler) Runnable {
	return func(ctx context.Context) error {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: time.Second,
		}
		Signal(ctx, SignalHealthy)

		errC := make(chan error, 1)
		go func() {
			errC <- srv.Serve(lis)
		}()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errors.Join(ctx.Err(), err)
			}
			return ctx.Err()
		case err := <-errC:
			return err
		}
	}
}
