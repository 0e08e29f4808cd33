package certagent

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/certmonitor"
	"github.com/function61/edgecert/pkg/certtestutil"
	"github.com/function61/edgecert/pkg/crlvalidator"
	"github.com/function61/edgecert/pkg/workflow"
	"github.com/function61/gokit/assert"
)

// stands in for ACME/EST: signs a fresh pair with the test CA on every request
type issuingClient struct {
	t      *testing.T
	ca     *certtestutil.CA
	serial int64
	chain  []byte
	err    error
	calls  int
}

func (c *issuingClient) RequestCertificate(_ context.Context, identity string, sans []string) (*certlifecycle.CertificateMaterial, error) {
	c.calls++

	if c.err != nil {
		return nil, c.err
	}

	c.serial++
	leaf := c.ca.Issue(
		c.t,
		1000+c.serial,
		time.Now().Add(-time.Minute),
		time.Now().Add(90*24*time.Hour),
		append([]string{identity}, sans...)...)

	return &certlifecycle.CertificateMaterial{
		CertificatePem: leaf.CertPEM,
		PrivateKeyPem:  leaf.KeyPEM,
		ChainPem:       c.chain,
	}, nil
}

// records what gets written, in order
type recordingWriter struct {
	inner   *atomicpublish.Publisher
	written []string
	// optional. can fail a write or replace its content
	intercept func(name string, content []byte) ([]byte, error)
}

func (r *recordingWriter) Publish(path string, content []byte, kind atomicpublish.Kind) (bool, error) {
	r.written = append(r.written, filepath.Base(path))

	if r.intercept != nil {
		var err error
		if content, err = r.intercept(filepath.Base(path), content); err != nil {
			return false, err
		}
	}

	return r.inner.Publish(path, content, kind)
}

type testEnv struct {
	dir    string
	ca     *certtestutil.CA
	client *issuingClient
	writer *recordingWriter
	conf   workflow.Config
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	ca := certtestutil.NewCA(t)

	return &testEnv{
		dir:    dir,
		ca:     ca,
		client: &issuingClient{t: t, ca: ca},
		writer: &recordingWriter{inner: atomicpublish.New(nil)},
		conf: workflow.Config{
			Identity:                "edge.example.com",
			CertificatePath:         filepath.Join(dir, "a.pem"),
			KeyPath:                 filepath.Join(dir, "a.key"),
			RenewalThresholdPercent: 75,
			CheckInterval:           time.Millisecond,
		},
	}
}

// places a pair whose lifetime is pctElapsed % consumed
func (e *testEnv) publishExisting(t *testing.T, serial int64, pctElapsed float64) *certtestutil.Leaf {
	leaf := e.ca.IssueAtLifetime(t, serial, pctElapsed, 100*24*time.Hour, time.Now(), "edge.example.com")

	certtestutil.WriteFile(t, e.conf.KeyPath, leaf.KeyPEM, 0600)
	certtestutil.WriteFile(t, e.conf.CertificatePath, leaf.CertPEM, 0644)

	return leaf
}

func (e *testEnv) withCRL(crlURL string, onUnavailable crlvalidator.UnavailablePolicy) {
	e.conf.CRL = workflow.CRLConfig{
		Enabled:       true,
		URL:           crlURL,
		CachePath:     filepath.Join(e.dir, "crl.der"),
		MaxAge:        time.Hour,
		OnUnavailable: onUnavailable,
	}
}

func (e *testEnv) agent(t *testing.T, hooks ...Hook) *Agent {
	agent, err := New(Options{
		Config: e.conf,
		Client: e.client,
		Writer: e.writer,
		Hooks:  hooks,
	}, nil)
	assert.Ok(t, err)

	return agent
}

type crlServer struct {
	srv      *httptest.Server
	body     []byte
	failing  bool
	requests atomic.Int32
}

func newCRLServer(t *testing.T, body []byte, failing bool) *crlServer {
	crl := &crlServer{body: body, failing: failing}

	crl.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		crl.requests.Add(1)

		if crl.failing {
			http.Error(w, "unavailable", http.StatusBadGateway)
			return
		}

		_, _ = w.Write(crl.body)
	}))
	t.Cleanup(crl.srv.Close)

	return crl
}

func TestScenarioCertificateAbsent(t *testing.T) {
	env := newTestEnv(t)
	agent := env.agent(t)

	assert.Ok(t, agent.RunOnce(context.Background()))

	state := agent.State()
	assert.Assert(t, state.Decision.Action == certlifecycle.ActionEnroll)
	assert.EqualString(t, state.Decision.Reason, "certificate missing")
	assert.Assert(t, state.Published)
	assert.Assert(t, env.client.calls == 1)

	status, err := certmonitor.Inspect(env.conf.CertificatePath, time.Now())
	assert.Ok(t, err)
	assert.Assert(t, status.Exists)
}

func TestScenarioLifetimeThresholdExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 7, 80)

	agent := env.agent(t)

	assert.Ok(t, agent.RunOnce(context.Background()))

	decision := agent.State().Decision
	assert.Assert(t, decision.Action == certlifecycle.ActionRenew)
	assert.Assert(t, strings.Contains(decision.Reason, "threshold"))
	assert.Assert(t, env.client.calls == 1)
}

func TestScenarioRevokedYoungCertificate(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 42, 10)

	crl := newCRLServer(t, env.ca.CRL(t, time.Now().Add(24*time.Hour), 42), false)
	env.withCRL(crl.srv.URL, crlvalidator.FailOpen)

	agent := env.agent(t)

	assert.Ok(t, agent.RunOnce(context.Background()))

	decision := agent.State().Decision
	assert.Assert(t, decision.Action == certlifecycle.ActionRenew)
	assert.Assert(t, strings.Contains(decision.Reason, "revoked"))

	// replacement is not on the CRL
	assert.Assert(t, agent.State().Status.Serial != "2a")
}

func TestScenarioProtocolFailureLeavesCertificateAlone(t *testing.T) {
	env := newTestEnv(t)
	existing := env.publishExisting(t, 7, 80)
	env.client.err = errors.New("CA rate limited us")

	agent := env.agent(t)

	failedBefore := agent.Metrics().Snapshot().FailedIterations

	err := agent.RunOnce(context.Background())
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.Contains(err.Error(), "CA rate limited us"))

	content, err := os.ReadFile(env.conf.CertificatePath)
	assert.Ok(t, err)
	assert.EqualString(t, string(content), string(existing.CertPEM))

	assert.Assert(t, agent.Metrics().Snapshot().FailedIterations == failedBefore+1)
	assert.Assert(t, len(env.writer.written) == 0)
}

func TestScenarioKeyWrittenBeforeCertificate(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 7, 90)

	agent := env.agent(t)

	assert.Ok(t, agent.RunOnce(context.Background()))

	assert.EqualString(t, strings.Join(env.writer.written, ","), "a.key,a.pem")

	keyInfo, err := os.Stat(env.conf.KeyPath)
	assert.Ok(t, err)
	assert.Assert(t, keyInfo.Mode().Perm() == 0600)

	certInfo, err := os.Stat(env.conf.CertificatePath)
	assert.Ok(t, err)
	assert.Assert(t, certInfo.Mode().Perm() == 0644)
}

func TestSecondCycleIsWriteFree(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 7, 10)

	crl := newCRLServer(t, env.ca.CRL(t, time.Now().Add(24*time.Hour), 99), false)
	env.withCRL(crl.srv.URL, crlvalidator.FailOpen)

	hookCalls := 0
	agent := env.agent(t, func(context.Context, string) error {
		hookCalls++
		return nil
	})

	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Assert(t, agent.State().Decision.Action == certlifecycle.ActionSkip)

	crlInfo, err := os.Stat(env.conf.CRL.CachePath)
	assert.Ok(t, err)
	certInfo, err := os.Stat(env.conf.CertificatePath)
	assert.Ok(t, err)

	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Assert(t, agent.State().Decision.Action == certlifecycle.ActionSkip)

	assert.Assert(t, len(env.writer.written) == 0)
	assert.Assert(t, env.client.calls == 0)
	assert.Assert(t, hookCalls == 0)
	assert.Assert(t, crl.requests.Load() == 1)

	crlInfoAfter, err := os.Stat(env.conf.CRL.CachePath)
	assert.Ok(t, err)
	certInfoAfter, err := os.Stat(env.conf.CertificatePath)
	assert.Ok(t, err)

	assert.Assert(t, crlInfo.ModTime().Equal(crlInfoAfter.ModTime()))
	assert.Assert(t, certInfo.ModTime().Equal(certInfoAfter.ModTime()))
}

func TestHookCalledOnceAfterPublish(t *testing.T) {
	env := newTestEnv(t)

	notified := []string{}
	agent := env.agent(t, func(_ context.Context, certificatePath string) error {
		notified = append(notified, certificatePath)
		return errors.New("reload failed")
	})

	// hook failure does not fail the iteration
	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Ok(t, agent.RunOnce(context.Background()))

	assert.Assert(t, len(notified) == 1)
	assert.EqualString(t, notified[0], env.conf.CertificatePath)
	assert.Assert(t, agent.Metrics().Snapshot().FailedIterations == 0)
}

func TestFailedChainPublishIsFinishedNextIteration(t *testing.T) {
	env := newTestEnv(t)
	env.conf.ChainPath = filepath.Join(env.dir, "chain.pem")
	env.client.chain = env.ca.CertPEM
	previous := env.publishExisting(t, 7, 80)

	chainFailures := 0
	env.writer.intercept = func(name string, content []byte) ([]byte, error) {
		if name == "chain.pem" && chainFailures == 0 {
			chainFailures++
			return nil, errors.New("disk full")
		}

		return content, nil
	}

	hookCalls := 0
	agent := env.agent(t, func(_ context.Context, _ string) error {
		hookCalls++
		return nil
	})

	err := agent.RunOnce(context.Background())
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.Contains(err.Error(), "chain: disk full"))
	assert.Assert(t, hookCalls == 0)

	// the new pair is live all the same
	published, err := os.ReadFile(env.conf.CertificatePath)
	assert.Ok(t, err)
	assert.Assert(t, string(published) != string(previous.CertPEM))

	// certificate looks healthy now, but the publish is finished and dependents notified
	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Assert(t, agent.State().Decision.Action == certlifecycle.ActionSkip)
	assert.Assert(t, agent.State().Published)
	assert.Assert(t, hookCalls == 1)
	assert.Assert(t, env.client.calls == 1)

	chain, err := os.ReadFile(env.conf.ChainPath)
	assert.Ok(t, err)
	assert.EqualString(t, string(chain), string(env.ca.CertPEM))

	// nothing left to finish
	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Assert(t, !agent.State().Published)
	assert.Assert(t, hookCalls == 1)
}

func TestFailedValidationIsRetriedNextIteration(t *testing.T) {
	env := newTestEnv(t)

	stranger := env.ca.Issue(t, 99, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "stranger.example.com")

	// first key write puts the wrong key in place
	swapped := false
	env.writer.intercept = func(name string, content []byte) ([]byte, error) {
		if name == "a.key" && !swapped {
			swapped = true
			return stranger.KeyPEM, nil
		}

		return content, nil
	}

	hookCalls := 0
	agent := env.agent(t, func(_ context.Context, _ string) error {
		hookCalls++
		return nil
	})

	err := agent.RunOnce(context.Background())
	assert.Assert(t, errors.Is(err, certlifecycle.ErrKeyMismatch))
	assert.Assert(t, hookCalls == 0)

	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Assert(t, agent.State().Decision.Action == certlifecycle.ActionSkip)
	assert.Assert(t, hookCalls == 1)
	assert.Assert(t, env.client.calls == 1)

	_, err = tls.LoadX509KeyPair(env.conf.CertificatePath, env.conf.KeyPath)
	assert.Ok(t, err)
}

func TestCRLUnavailableFailOpen(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 7, 10)

	crl := newCRLServer(t, nil, true)
	env.withCRL(crl.srv.URL, crlvalidator.FailOpen)

	agent := env.agent(t)

	assert.Ok(t, agent.RunOnce(context.Background()))

	state := agent.State()
	assert.Assert(t, state.Decision.Action == certlifecycle.ActionSkip)
	assert.Assert(t, !state.Status.Revoked)
	assert.Assert(t, agent.Metrics().Snapshot().StepMetrics["revocation-check"].LastError != "")
}

func TestCRLUnavailableFailClosed(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 7, 10)

	crl := newCRLServer(t, nil, true)
	env.withCRL(crl.srv.URL, crlvalidator.FailClosed)

	agent := env.agent(t)

	err := agent.RunOnce(context.Background())
	assert.Assert(t, errors.Is(err, crlvalidator.ErrNoRevocationData))

	assert.Assert(t, agent.State().Decision == nil)
	assert.Assert(t, agent.Metrics().Snapshot().FailedIterations == 1)
	assert.Assert(t, agent.Metrics().Snapshot().StepMetrics["decide"].Count == 0)
}

func TestCorruptCertificateBlocked(t *testing.T) {
	env := newTestEnv(t)
	certtestutil.WriteFile(t, env.conf.CertificatePath, []byte("not a certificate"), 0644)

	agent := env.agent(t)

	err := agent.RunOnce(context.Background())
	assert.Assert(t, errors.Is(err, certlifecycle.ErrCorruptCertificate))
	assert.Assert(t, env.client.calls == 0)

	content, err := os.ReadFile(env.conf.CertificatePath)
	assert.Ok(t, err)
	assert.EqualString(t, string(content), "not a certificate")
}

func TestCorruptCertificateReenrolled(t *testing.T) {
	env := newTestEnv(t)
	env.conf.OnCorruptCertificate = certlifecycle.CorruptReenroll
	certtestutil.WriteFile(t, env.conf.CertificatePath, []byte("not a certificate"), 0644)

	agent := env.agent(t)

	assert.Ok(t, agent.RunOnce(context.Background()))
	assert.Assert(t, agent.State().Decision.Action == certlifecycle.ActionEnroll)
	assert.Assert(t, env.client.calls == 1)

	_, err := certmonitor.Load(env.conf.CertificatePath)
	assert.Ok(t, err)
}

func TestEvaluateDoesNotPublish(t *testing.T) {
	env := newTestEnv(t)
	agent := env.agent(t)

	state, err := agent.Evaluate(context.Background())
	assert.Ok(t, err)

	assert.Assert(t, state.Decision.Action == certlifecycle.ActionEnroll)
	assert.Assert(t, env.client.calls == 0)
	assert.Assert(t, len(env.writer.written) == 0)

	_, err = os.Stat(env.conf.CertificatePath)
	assert.Assert(t, os.IsNotExist(err))
}

func TestRunHonorsMaxIterations(t *testing.T) {
	env := newTestEnv(t)
	env.publishExisting(t, 7, 10)
	env.conf.MaxIterations = 3

	agent := env.agent(t)

	assert.Ok(t, agent.Run(context.Background()))

	snap := agent.Metrics().Snapshot()
	assert.Assert(t, snap.SuccessfulIterations == 3)
	assert.Assert(t, snap.StepMetrics["validate"].Count == 3)
}

func TestNewRejectsMissingClient(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(Options{Config: env.conf}, nil)
	assert.EqualString(t, err.Error(), "protocol client missing")
}
