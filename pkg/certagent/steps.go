package certagent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/certmonitor"
	"github.com/function61/edgecert/pkg/crlvalidator"
	"github.com/function61/edgecert/pkg/enrollment"
	"github.com/function61/edgecert/pkg/workflow"
)

type monitorStep struct {
	agent *Agent
}

func (s *monitorStep) Name() string          { return "monitor" }
func (s *monitorStep) Description() string   { return "Inspect the published certificate" }
func (s *monitorStep) ContinueOnError() bool { return false }

func (s *monitorStep) Execute(_ context.Context, wctx *workflow.Context) error {
	conf := wctx.Config()

	status, err := certmonitor.Inspect(conf.CertificatePath, s.agent.now())
	if err != nil {
		if !errors.Is(err, certlifecycle.ErrCorruptCertificate) || conf.OnCorruptCertificate != certlifecycle.CorruptReenroll {
			return err
		}

		s.agent.logl.Error.Printf("%v (re-enrolling per policy)", err)
	}

	status = status.WithThreshold(conf.RenewalThresholdPercent)

	wctx.State.Status = status

	if s.agent.metrics != nil {
		s.agent.metrics.ObserveCertificate(status)
	}

	return nil
}

type revocationStep struct {
	agent     *Agent
	validator *crlvalidator.Validator
	policy    crlvalidator.UnavailablePolicy
}

func (s *revocationStep) Name() string        { return "revocation-check" }
func (s *revocationStep) Description() string { return "Check the certificate against the cached CRL" }

// with fail-open a missing verdict leaves Revoked=false and the iteration goes on
func (s *revocationStep) ContinueOnError() bool {
	return s.policy == crlvalidator.FailOpen
}

func (s *revocationStep) Execute(ctx context.Context, wctx *workflow.Context) error {
	status := wctx.State.Status
	if !status.Exists || status.Corrupt {
		// nothing to check. Decide enrolls anyway
		return nil
	}

	s.validator.UpdateCache(ctx)

	if s.policy == crlvalidator.FailClosed {
		if entry := s.validator.Entry(); entry != nil && entry.Expired(s.agent.now()) && s.validator.LastFetchError() != nil {
			return fmt.Errorf("CRL expired at %s and refresh failed: %w", entry.NextUpdate.Format(time.RFC3339), s.validator.LastFetchError())
		}
	}

	revoked, err := s.validator.IsRevoked(wctx.Config().CertificatePath)
	if err != nil {
		return fmt.Errorf("revocation status unknown (%s): %w", s.policy, err)
	}

	if revoked {
		s.agent.logl.Error.Printf("certificate %s has been revoked", status.Serial)
	}

	wctx.State.Status.Revoked = revoked

	return nil
}

type decideStep struct {
	agent *Agent
}

func (s *decideStep) Name() string          { return "decide" }
func (s *decideStep) Description() string   { return "Choose between enroll, renew and skip" }
func (s *decideStep) ContinueOnError() bool { return false }

func (s *decideStep) Execute(_ context.Context, wctx *workflow.Context) error {
	decision := certlifecycle.Decide(wctx.State.Status, wctx.Config().Policy())

	if decision.Action == certlifecycle.ActionSkip {
		s.agent.logl.Debug.Printf("iteration %d: %s", wctx.State.Iteration, decision)
	} else {
		s.agent.logl.Info.Printf("iteration %d: %s", wctx.State.Iteration, decision)
	}

	wctx.State.Decision = &decision

	return nil
}

type executeStep struct {
	agent    *Agent
	executor *enrollment.Executor
}

func (s *executeStep) Name() string          { return "execute" }
func (s *executeStep) Description() string   { return "Obtain and publish new material if so decided" }
func (s *executeStep) ContinueOnError() bool { return false }

func (s *executeStep) Execute(ctx context.Context, wctx *workflow.Context) error {
	if wctx.State.Decision == nil {
		return errors.New("no decision to execute")
	}

	if wctx.State.Decision.Action == certlifecycle.ActionSkip && s.agent.unconfirmed != nil {
		return s.finishUnconfirmed(wctx)
	}

	outcome, err := s.executor.Execute(ctx, *wctx.State.Decision)
	if outcome != nil && outcome.Published {
		// live from now on. stays unconfirmed until validate is through with it, even if
		// this iteration fails
		s.agent.unconfirmed = outcome.Material
	}
	if err != nil {
		return err
	}

	wctx.State.Published = outcome.Published
	wctx.State.Material = outcome.Material

	return nil
}

// an earlier iteration published a pair but failed before validate confirmed it (and ran
// the hooks). the monitor now sees a healthy certificate, so finish that publish instead
func (s *executeStep) finishUnconfirmed(wctx *workflow.Context) error {
	material := s.agent.unconfirmed

	status := wctx.State.Status
	if !status.Exists || status.ExpiryTime == nil || !status.ExpiryTime.Equal(material.NotAfter) {
		s.agent.logl.Info.Printf("certificate was replaced after we published it, not finishing earlier publish")
		s.agent.unconfirmed = nil
		return nil
	}

	s.agent.logl.Info.Printf("finishing publish of certificate valid until %s", material.NotAfter.Format(time.RFC3339))

	if err := s.executor.Republish(material); err != nil {
		return err
	}

	wctx.State.Published = true
	wctx.State.Material = material

	return nil
}

type validateStep struct {
	agent *Agent
}

func (s *validateStep) Name() string          { return "validate" }
func (s *validateStep) Description() string   { return "Verify what got published and notify dependents" }
func (s *validateStep) ContinueOnError() bool { return false }

func (s *validateStep) Execute(ctx context.Context, wctx *workflow.Context) error {
	if !wctx.State.Published {
		return nil
	}

	conf := wctx.Config()

	status, err := certmonitor.Inspect(conf.CertificatePath, s.agent.now())
	if err != nil {
		return fmt.Errorf("published certificate: %w", err)
	}

	if !status.Exists {
		return fmt.Errorf("published certificate vanished: %s", conf.CertificatePath)
	}

	if _, err := tls.LoadX509KeyPair(conf.CertificatePath, conf.KeyPath); err != nil {
		return fmt.Errorf("%w: %v", certlifecycle.ErrKeyMismatch, err)
	}

	if material := wctx.State.Material; material != nil && !status.ExpiryTime.Equal(material.NotAfter) {
		return fmt.Errorf(
			"published certificate expires %s but obtained one expires %s",
			status.ExpiryTime.Format(time.RFC3339),
			material.NotAfter.Format(time.RFC3339))
	}

	wctx.State.Status = status.WithThreshold(conf.RenewalThresholdPercent)

	if s.agent.metrics != nil {
		s.agent.metrics.ObserveCertificate(wctx.State.Status)
	}

	s.agent.unconfirmed = nil

	s.agent.notify(ctx, conf.CertificatePath)

	// material is not needed past this point
	wctx.State.Material = nil

	return nil
}
