package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/gokit/assert"
	"github.com/prometheus/client_golang/prometheus"
)

type testStep struct {
	name            string
	continueOnError bool
	action          func(ctx context.Context, wctx *Context) error
	executions      int
}

func (s *testStep) Name() string          { return s.name }
func (s *testStep) Description() string   { return "test step " + s.name }
func (s *testStep) ContinueOnError() bool { return s.continueOnError }

func (s *testStep) Execute(ctx context.Context, wctx *Context) error {
	s.executions++
	if s.action == nil {
		return nil
	}
	return s.action(ctx, wctx)
}

func testConfig() Config {
	return Config{
		Identity:                "edge.example.com",
		CertificatePath:         "/certs/a.pem",
		KeyPath:                 "/certs/a.key",
		RenewalThresholdPercent: 75,
		CheckInterval:           time.Millisecond,
	}
}

func newTestContext(t *testing.T) *Context {
	wctx, err := NewContext(testConfig())
	assert.Ok(t, err)
	return wctx
}

func TestStepsRunInOrder(t *testing.T) {
	order := []string{}
	record := func(name string) func(context.Context, *Context) error {
		return func(context.Context, *Context) error {
			order = append(order, name)
			return nil
		}
	}

	orchestrator, err := New([]Step{
		&testStep{name: "monitor", action: record("monitor")},
		&testStep{name: "decide", action: record("decide")},
		&testStep{name: "execute", action: record("execute")},
	}, NewMetrics("edge.example.com"), nil)
	assert.Ok(t, err)

	assert.Ok(t, orchestrator.Run(context.Background(), newTestContext(t), 2))

	assert.EqualString(t, strings.Join(order, ","), "monitor,decide,execute,monitor,decide,execute")

	snap := orchestrator.Metrics().Snapshot()
	assert.Assert(t, snap.TotalIterations == 2)
	assert.Assert(t, snap.SuccessfulIterations == 2)
	assert.Assert(t, snap.SuccessRate == 1)
	assert.Assert(t, snap.StepMetrics["decide"].Count == 2)
}

func TestContinueOnErrorRollsBackState(t *testing.T) {
	var seenByNext certlifecycle.CertificateStatus

	orchestrator, err := New([]Step{
		&testStep{name: "monitor", action: func(_ context.Context, wctx *Context) error {
			wctx.State.Status = certlifecycle.CertificateStatus{Exists: true}
			return nil
		}},
		&testStep{name: "revocation", continueOnError: true, action: func(_ context.Context, wctx *Context) error {
			wctx.State.Status.Revoked = true // partial mutation before failing
			return errors.New("CRL unavailable")
		}},
		&testStep{name: "decide", action: func(_ context.Context, wctx *Context) error {
			seenByNext = wctx.State.Status
			return nil
		}},
	}, NewMetrics("edge.example.com"), nil)
	assert.Ok(t, err)

	assert.Ok(t, orchestrator.RunIteration(context.Background(), newTestContext(t)))

	assert.Assert(t, seenByNext.Exists)
	assert.Assert(t, !seenByNext.Revoked)

	snap := orchestrator.Metrics().Snapshot()
	assert.Assert(t, snap.SuccessfulIterations == 1)
	assert.EqualString(t, snap.StepMetrics["revocation"].LastError, "CRL unavailable")
}

func TestFailingStepAbortsIterationButNotLoop(t *testing.T) {
	fails := &testStep{name: "execute", action: func(context.Context, *Context) error {
		return errors.New("CA unreachable")
	}}
	after := &testStep{name: "validate"}

	orchestrator, err := New([]Step{
		&testStep{name: "monitor"},
		fails,
		after,
	}, NewMetrics("edge.example.com"), nil)
	assert.Ok(t, err)

	assert.Ok(t, orchestrator.Run(context.Background(), newTestContext(t), 3))

	assert.Assert(t, fails.executions == 3)
	assert.Assert(t, after.executions == 0)

	snap := orchestrator.Metrics().Snapshot()
	assert.Assert(t, snap.FailedIterations == 3)
	assert.Assert(t, snap.SuccessfulIterations == 0)
	assert.Assert(t, snap.SuccessRate == 0)
}

func TestStateIsResetEveryIteration(t *testing.T) {
	decision := certlifecycle.Decision{Action: certlifecycle.ActionRenew, Reason: "certificate revoked"}

	sawStaleDecision := false

	orchestrator, err := New([]Step{
		&testStep{name: "check", action: func(_ context.Context, wctx *Context) error {
			if wctx.State.Decision != nil {
				sawStaleDecision = true
			}
			wctx.State.Decision = &decision
			return nil
		}},
	}, NewMetrics("edge.example.com"), nil)
	assert.Ok(t, err)

	wctx := newTestContext(t)
	assert.Ok(t, orchestrator.Run(context.Background(), wctx, 3))
	assert.Assert(t, !sawStaleDecision)
	assert.Assert(t, wctx.State.Iteration == 3)
}

func TestCancellationInterruptsSleep(t *testing.T) {
	iterationDone := make(chan struct{}, 10)

	orchestrator, err := New([]Step{
		&testStep{name: "monitor", action: func(context.Context, *Context) error {
			iterationDone <- struct{}{}
			return nil
		}},
	}, NewMetrics("edge.example.com"), nil)
	assert.Ok(t, err)

	conf := testConfig()
	conf.CheckInterval = time.Hour
	wctx, err := NewContext(conf)
	assert.Ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)

	go func() {
		stopped <- orchestrator.Run(ctx, wctx, 0)
	}()

	<-iterationDone
	cancel()

	select {
	case err := <-stopped:
		assert.Ok(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not interrupt sleep")
	}

	// still queryable after the loop is gone
	assert.Assert(t, orchestrator.Metrics().Snapshot().SuccessfulIterations == 1)
}

func TestCancellationFinishesCurrentStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stepSawCancelledCtx := false

	first := &testStep{name: "execute", action: func(stepCtx context.Context, _ *Context) error {
		cancel()
		stepSawCancelledCtx = stepCtx.Err() != nil
		return nil
	}}
	second := &testStep{name: "validate"}

	orchestrator, err := New([]Step{first, second}, NewMetrics("edge.example.com"), nil)
	assert.Ok(t, err)

	assert.Ok(t, orchestrator.Run(ctx, newTestContext(t), 0))

	assert.Assert(t, !stepSawCancelledCtx)
	assert.Assert(t, first.executions == 1)
	assert.Assert(t, second.executions == 0)

	snap := orchestrator.Metrics().Snapshot()
	assert.Assert(t, snap.CancelledIterations == 1)
	assert.Assert(t, snap.FailedIterations == 0)
}

func TestInvalidStepLists(t *testing.T) {
	_, err := New(nil, NewMetrics("x"), nil)
	assert.Assert(t, err != nil)

	_, err = New([]Step{&testStep{name: ""}}, NewMetrics("x"), nil)
	assert.Assert(t, err != nil)

	_, err = New([]Step{&testStep{name: "a"}, &testStep{name: "a"}}, NewMetrics("x"), nil)
	assert.EqualString(t, err.Error(), "duplicate step: a")
}

func TestBackoff(t *testing.T) {
	conf := testConfig()
	conf.CheckInterval = time.Minute

	withoutBackoff := newPacer(conf)
	for i := 0; i < 5; i++ {
		assert.Assert(t, withoutBackoff.next(true) == time.Minute)
	}

	conf.Backoff = BackoffConfig{Enabled: true, MaxInterval: 5 * time.Minute}

	pace := newPacer(conf)

	sleeps := []time.Duration{}
	for _, failed := range []bool{false, true, true, true, true, true, false, true, true} {
		sleeps = append(sleeps, pace.next(failed))
	}

	assert.EqualString(t, fmt.Sprintf("%v", sleeps), "[1m0s 1m0s 2m0s 4m0s 5m0s 5m0s 1m0s 1m0s 2m0s]")
}

func TestPrometheusCollector(t *testing.T) {
	metrics := NewMetrics("edge.example.com")

	orchestrator, err := New([]Step{&testStep{name: "monitor"}}, metrics, nil)
	assert.Ok(t, err)
	assert.Ok(t, orchestrator.RunIteration(context.Background(), newTestContext(t)))

	pct := 42.0
	issued := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	metrics.ObserveCertificate(certlifecycle.CertificateStatus{
		Exists:                 true,
		NotBefore:              &issued,
		ExpiryTime:             &expires,
		LifetimeElapsedPercent: &pct,
	}.WithThreshold(50))

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics)

	families, err := registry.Gather()
	assert.Ok(t, err)

	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}

	assert.Assert(t, names["edgecert_iterations_total"])
	assert.Assert(t, names["edgecert_step_executions_total"])
	assert.Assert(t, names["edgecert_certificate_expiry_timestamp_seconds"])
	assert.Assert(t, names["edgecert_certificate_lifetime_elapsed_percent"])
	assert.Assert(t, names["edgecert_certificate_renew_at_timestamp_seconds"])
}

func TestMetricsSetOfSeveralAgents(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(MetricsSet{NewMetrics("a.example.com"), NewMetrics("b.example.com")})

	families, err := registry.Gather()
	assert.Ok(t, err)

	for _, family := range families {
		if family.GetName() == "edgecert_iterations_total" {
			// success, failure, cancelled for both identities
			assert.Assert(t, len(family.GetMetric()) == 6)
		}
	}
}
