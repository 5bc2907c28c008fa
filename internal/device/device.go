// Package device wires together the capture & pipeline worker (A), the
// control session (B), and the front-end processor into one runnable unit,
// and owns their shared lifecycle.
//
// Grounded on the teacher's cmd/server/main.go graceful-shutdown pattern:
// the same "start workers, wait on signal or first error, cancel, wait for
// drain" shape, generalised from a single HTTP server goroutine to two
// cooperating worker goroutines via golang.org/x/sync/errgroup (as used
// for worker-group lifecycles in the agentflow/glyphoxa examples).
package device

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tonypk/hitony-firmware/internal/frontend"
	"github.com/tonypk/hitony-firmware/internal/pipeline"
	"github.com/tonypk/hitony-firmware/internal/pool"
	"github.com/tonypk/hitony-firmware/internal/session"
	"github.com/tonypk/hitony-firmware/internal/transport"
)

// Device is the top-level runnable unit: one pipeline worker, one session,
// sharing a pool allocator and a transport client.
type Device struct {
	Pipeline *pipeline.Worker
	Session  *session.Session
	Frontend frontend.Processor
	Pool     *pool.Allocator
	Transport *transport.Client
	log      *zap.Logger
}

// New assembles a Device from already-constructed components. Construction
// of the concrete collaborators (capture/speaker/touch/UI/LED hardware
// bindings) is left to cmd/device, since those are board-specific and out
// of this module's scope.
func New(pipe *pipeline.Worker, sess *session.Session, fe frontend.Processor, alloc *pool.Allocator, trans *transport.Client, log *zap.Logger) *Device {
	return &Device{Pipeline: pipe, Session: sess, Frontend: fe, Pool: alloc, Transport: trans, log: log}
}

// Run starts A and B and blocks until ctx is cancelled or either worker
// exits with an error. On return, the front-end processor is closed last so
// that A's shutdown path (which may still be draining its event queue) has
// already completed.
func (d *Device) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Pipeline.Run(gctx)
	})
	g.Go(func() error {
		d.Session.Run(gctx)
		return nil
	})

	err := g.Wait()
	d.Frontend.Close()
	if err != nil && ctx.Err() != nil {
		// Shutdown was requested; a context-cancellation error from a
		// worker is expected, not a failure to report.
		return nil
	}
	return err
}
