// Keeps one certificate/key pair fresh: monitor, revocation-check, decide, execute, validate
package certagent

import (
	"context"
	"crypto/rsa"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/crlvalidator"
	"github.com/function61/edgecert/pkg/enrollment"
	"github.com/function61/edgecert/pkg/workflow"
	"github.com/function61/gokit/logex"
)

// called after a newly published pair has been validated. failures are logged only:
// the pair is already in place
type Hook func(ctx context.Context, certificatePath string) error

type Options struct {
	Config          workflow.Config
	Client          enrollment.ProtocolClient
	Writer          enrollment.ArtifactWriter // defaults to an atomic publisher
	Hooks           []Hook
	EscrowRecipient *rsa.PublicKey // optional
	EscrowPath      string         // required with EscrowRecipient
	RequestTimeout  time.Duration  // defaults to enrollment.DefaultRequestTimeout
	CRLHTTPClient   *http.Client   // optional
	Metrics         *workflow.Metrics
}

type Agent struct {
	wctx         *workflow.Context
	orchestrator *workflow.Orchestrator
	evaluation   []workflow.Step
	metrics      *workflow.Metrics
	validator    *crlvalidator.Validator // nil when CRL checking is disabled
	hooks        []Hook
	now          func() time.Time
	logger       *log.Logger
	logl         *logex.Leveled

	// published by us but not yet through validate. survives failed iterations (not restarts)
	unconfirmed *certlifecycle.CertificateMaterial
}

func New(opts Options, logger *log.Logger) (*Agent, error) {
	wctx, err := workflow.NewContext(opts.Config)
	if err != nil {
		return nil, err
	}

	conf := wctx.Config()

	if opts.Client == nil {
		return nil, errors.New("protocol client missing")
	}

	if opts.EscrowRecipient != nil && opts.EscrowPath == "" {
		return nil, errors.New("key escrow recipient given without escrow path")
	}

	publisher := atomicpublish.New(logex.Prefix("publish", logger))

	writer := opts.Writer
	if writer == nil {
		writer = publisher
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = workflow.NewMetrics(conf.Identity)
	}

	agent := &Agent{
		wctx:    wctx,
		metrics: metrics,
		hooks:   opts.Hooks,
		now:     time.Now,
		logger:  logger,
		logl:    logex.Levels(logger),
	}

	if conf.CRL.Enabled {
		agent.validator = crlvalidator.New(crlvalidator.Options{
			URL:        conf.CRL.URL,
			CachePath:  conf.CRL.CachePath,
			MaxAge:     conf.CRL.MaxAge,
			IssuerPath: conf.CRL.IssuerPath,
			HTTPClient: opts.CRLHTTPClient,
		}, publisher, logex.Prefix("crl", logger))
	}

	executor := enrollment.New(opts.Client, writer, enrollment.Options{
		Identity: conf.Identity,
		SANs:     conf.SANs,
		Paths: enrollment.Paths{
			Certificate: conf.CertificatePath,
			Key:         conf.KeyPath,
			Chain:       conf.ChainPath,
			KeyEscrow:   opts.EscrowPath,
		},
		RequestTimeout:  opts.RequestTimeout,
		EscrowRecipient: opts.EscrowRecipient,
	}, logex.Prefix("enrollment", logger))

	agent.evaluation = []workflow.Step{&monitorStep{agent}}
	if agent.validator != nil {
		agent.evaluation = append(agent.evaluation, &revocationStep{
			agent:     agent,
			validator: agent.validator,
			policy:    conf.CRL.OnUnavailable,
		})
	}
	agent.evaluation = append(agent.evaluation, &decideStep{agent})

	steps := append(append([]workflow.Step{}, agent.evaluation...), &executeStep{agent, executor}, &validateStep{agent})

	agent.orchestrator, err = workflow.New(steps, metrics, logger)
	if err != nil {
		return nil, err
	}

	return agent, nil
}

// runs until cancelled (or the configured iteration count is reached)
func (a *Agent) Run(ctx context.Context) error {
	conf := a.wctx.Config()

	a.logl.Info.Printf(
		"starting for %s; checking every %s, renewing at %.0f %% of lifetime",
		conf.Identity,
		conf.CheckInterval,
		conf.RenewalThresholdPercent)

	return a.orchestrator.Run(ctx, a.wctx, conf.MaxIterations)
}

func (a *Agent) RunOnce(ctx context.Context) error {
	return a.orchestrator.RunIteration(ctx, a.wctx)
}

// Evaluate runs the read-only part of an iteration (monitor, revocation-check, decide) in
// a scratch context and reports the result. The CRL cache may get refreshed, but no
// certificate material is touched.
func (a *Agent) Evaluate(ctx context.Context) (*workflow.State, error) {
	scratch, err := workflow.NewContext(a.wctx.Config())
	if err != nil {
		return nil, err
	}

	evaluator, err := workflow.New(a.evaluation, workflow.NewMetrics(scratch.Config().Identity), a.logger)
	if err != nil {
		return nil, err
	}

	if err := evaluator.RunIteration(ctx, scratch); err != nil {
		return nil, err
	}

	return &scratch.State, nil
}

func (a *Agent) Metrics() *workflow.Metrics {
	return a.metrics
}

// state of the latest iteration. only meaningful while the loop is not running
func (a *Agent) State() workflow.State {
	return a.wctx.State
}

// refreshes the CRL cache if it is due. false if CRL checking is disabled or nothing new
// was fetched
func (a *Agent) UpdateCRL(ctx context.Context) bool {
	if a.validator == nil {
		return false
	}

	return a.validator.UpdateCache(ctx)
}

func (a *Agent) notify(ctx context.Context, certificatePath string) {
	for _, hook := range a.hooks {
		if err := hook(ctx, certificatePath); err != nil {
			a.logl.Error.Printf("notification hook: %v", err)
		}
	}
}
