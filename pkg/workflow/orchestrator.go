// Runs a fixed, ordered list of steps once per polling interval until cancelled
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/function61/gokit/backoff"
	"github.com/function61/gokit/logex"
)

type Step interface {
	Name() string
	Description() string
	// on error, log and go on with the next step (with state rolled back to how it was
	// before this step). otherwise the error aborts the iteration.
	ContinueOnError() bool
	Execute(ctx context.Context, wctx *Context) error
}

type Orchestrator struct {
	steps   []Step
	metrics *Metrics
	logl    *logex.Leveled
	sleep   func(ctx context.Context, d time.Duration) bool
}

// steps run in the given order. an invalid step list is a programming error, caught here
// before the loop ever starts.
func New(steps []Step, metrics *Metrics, logger *log.Logger) (*Orchestrator, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps")
	}

	seen := map[string]bool{}
	for _, step := range steps {
		if step == nil || step.Name() == "" {
			return nil, errors.New("step without a name")
		}

		if seen[step.Name()] {
			return nil, fmt.Errorf("duplicate step: %s", step.Name())
		}
		seen[step.Name()] = true

		metrics.registerStep(step.Name())
	}

	return &Orchestrator{
		steps:   steps,
		metrics: metrics,
		logl:    logex.Levels(logger),
		sleep:   sleep,
	}, nil
}

func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Run iterates until maxIterations (0 = unbounded) have been run or ctx is cancelled. The
// sleep between iterations is the only point where we wait, and cancellation interrupts it
// immediately. A failed iteration never stops the loop.
func (o *Orchestrator) Run(ctx context.Context, wctx *Context, maxIterations int) error {
	pace := newPacer(wctx.Config())

	for iteration := 1; maxIterations == 0 || iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			break
		}

		err := o.RunIteration(ctx, wctx)
		if errors.Is(err, errCancelledMidIteration) {
			break
		}

		if maxIterations != 0 && iteration == maxIterations {
			break
		}

		if !o.sleep(ctx, pace.next(err != nil)) {
			break
		}
	}

	o.logl.Info.Printf("stopped; %s", o.metrics.Snapshot())

	return nil
}

var errCancelledMidIteration = errors.New("cancelled mid-iteration")

// RunIteration runs all steps once. Returned error is what aborted the iteration (already
// logged and counted).
func (o *Orchestrator) RunIteration(ctx context.Context, wctx *Context) error {
	wctx.resetForIteration(o.metrics.iterationStarted())

	for _, step := range o.steps {
		// cancellation is honored between steps only. a step is never aborted halfway,
		// so the publisher is never left in a half-written state
		if ctx.Err() != nil {
			o.logl.Info.Printf("iteration %d: cancelled before step %s", wctx.State.Iteration, step.Name())
			o.metrics.iterationCancelled()
			return errCancelledMidIteration
		}

		if err := o.invokeStep(ctx, step, wctx); err != nil {
			if step.ContinueOnError() {
				o.logl.Error.Printf("iteration %d: step %s failed (continuing): %v", wctx.State.Iteration, step.Name(), err)
				continue
			}

			o.logl.Error.Printf("iteration %d: step %s failed, aborting iteration: %v", wctx.State.Iteration, step.Name(), err)
			o.metrics.iterationFinished(false)

			return fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	o.metrics.iterationFinished(true)

	return nil
}

func (o *Orchestrator) invokeStep(ctx context.Context, step Step, wctx *Context) error {
	snapshot := wctx.State

	started := time.Now()

	// detached from cancellation: the step's own timeouts bound it
	err := step.Execute(context.WithoutCancel(ctx), wctx)

	o.metrics.stepExecuted(step.Name(), time.Since(started), err)

	if err != nil {
		// a failed step leaves no partial mutation behind
		wctx.State = snapshot
	}

	return err
}

// sleep between iterations. with backoff enabled it grows on consecutive failed iterations
// (interval, 2x, 4x, .. up to MaxInterval) and is back to the interval after a success
type pacer struct {
	conf    Config
	backoff backoff.Func // nil while not failing
}

func newPacer(conf Config) *pacer {
	return &pacer{conf: conf}
}

func (p *pacer) next(iterationFailed bool) time.Duration {
	if !iterationFailed || !p.conf.Backoff.Enabled {
		p.backoff = nil
		return p.conf.CheckInterval
	}

	if p.backoff == nil {
		p.backoff = backoff.ExponentialWithCappedMax(p.conf.CheckInterval, p.conf.Backoff.MaxInterval)
		p.backoff() // starts with zero, we never want to retry without waiting
	}

	return p.backoff()
}

// returns false if cancelled
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
