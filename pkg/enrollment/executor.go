// Bridges an enroll/renew decision to a protocol client (ACME, EST, ..) and publishes the
// material it returns
package enrollment

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/encryptedbox"
	"github.com/function61/gokit/logex"
)

const DefaultRequestTimeout = 5 * time.Minute

// the enrollment protocol. we don't know or care whether it's ACME, EST or something else.
// implementations are initialized once before the lifecycle loop starts.
type ProtocolClient interface {
	RequestCertificate(ctx context.Context, identity string, sans []string) (*certlifecycle.CertificateMaterial, error)
}

type ArtifactWriter interface {
	Publish(path string, content []byte, kind atomicpublish.Kind) (bool, error)
}

type Paths struct {
	Certificate string
	Key         string
	Chain       string // optional
	KeyEscrow   string // optional, needs escrow recipient
}

type Options struct {
	Identity        string
	SANs            []string
	Paths           Paths
	RequestTimeout  time.Duration  // defaults to DefaultRequestTimeout
	EscrowRecipient *rsa.PublicKey // optional
}

type Outcome struct {
	Action    certlifecycle.Action
	Published bool
	NotAfter  time.Time
	Material  *certlifecycle.CertificateMaterial // nil unless published
}

type Executor struct {
	client ProtocolClient
	writer ArtifactWriter
	opts   Options
	logl   *logex.Leveled
}

func New(client ProtocolClient, writer ArtifactWriter, opts Options, logger *log.Logger) *Executor {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	return &Executor{
		client: client,
		writer: writer,
		opts:   opts,
		logl:   logex.Levels(logger),
	}
}

// Execute carries out decision. Skip is free (no network). On protocol failure no published
// artifact is touched and the error is returned: retrying is the next iteration's business.
//
// If the pair got published but something after it failed (chain), both an Outcome with
// Published=true and the error are returned: the new pair is live regardless.
func (e *Executor) Execute(ctx context.Context, decision certlifecycle.Decision) (*Outcome, error) {
	if decision.Action == certlifecycle.ActionSkip {
		return &Outcome{Action: decision.Action}, nil
	}

	e.logl.Info.Printf("%s %s: %s", decision.Action, e.opts.Identity, decision.Reason)

	material, err := e.request(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", decision.Action, err)
	}

	pairPublished, err := e.publish(material)
	if !pairPublished {
		return nil, fmt.Errorf("%s: publish: %w", decision.Action, err)
	}

	outcome := &Outcome{
		Action:    decision.Action,
		Published: true,
		NotAfter:  material.NotAfter,
		Material:  material,
	}

	if err != nil {
		return outcome, fmt.Errorf("%s: publish: %w", decision.Action, err)
	}

	e.logl.Info.Printf("published certificate for %s, valid until %s", e.opts.Identity, material.NotAfter.Format(time.RFC3339))

	return outcome, nil
}

// Republish publishes already obtained material again, without a protocol exchange. For
// finishing a publish that failed partway. Artifacts already in place are not rewritten.
func (e *Executor) Republish(material *certlifecycle.CertificateMaterial) error {
	if _, err := e.publish(material); err != nil {
		return fmt.Errorf("republish: %w", err)
	}

	return nil
}

func (e *Executor) request(ctx context.Context) (*certlifecycle.CertificateMaterial, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	material, err := e.client.RequestCertificate(ctx, e.opts.Identity, e.opts.SANs)
	if err != nil {
		return nil, fmt.Errorf("protocol client: %w", err)
	}

	if material == nil {
		return nil, errors.New("protocol client returned no material")
	}

	if err := material.Verify(); err != nil {
		return nil, fmt.Errorf("protocol client returned unusable material: %w", err)
	}

	return material, nil
}

// key goes before certificate, so a reader never sees a certificate without its key. if the
// certificate cannot be published after the key was, the previous key is put back.
// pairPublished reports whether the new key + certificate are in place.
func (e *Executor) publish(material *certlifecycle.CertificateMaterial) (bool, error) {
	if e.opts.EscrowRecipient != nil && e.opts.Paths.KeyEscrow != "" {
		// before touching live artifacts, so a failure here changes nothing that's in use
		sealed, err := encryptedbox.Seal(material.PrivateKeyPem, e.opts.EscrowRecipient)
		if err != nil {
			return false, fmt.Errorf("key escrow: %w", err)
		}

		if _, err := e.writer.Publish(e.opts.Paths.KeyEscrow, sealed, atomicpublish.PrivateKey); err != nil {
			return false, fmt.Errorf("key escrow: %w", err)
		}
	}

	previousKey, err := os.ReadFile(e.opts.Paths.Key)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	if _, err := e.writer.Publish(e.opts.Paths.Key, material.PrivateKeyPem, atomicpublish.PrivateKey); err != nil {
		return false, err
	}

	if _, err := e.writer.Publish(e.opts.Paths.Certificate, material.CertificatePem, atomicpublish.Certificate); err != nil {
		e.rollbackKey(previousKey)
		return false, err
	}

	if e.opts.Paths.Chain != "" && len(material.ChainPem) > 0 {
		if _, err := e.writer.Publish(e.opts.Paths.Chain, material.ChainPem, atomicpublish.Certificate); err != nil {
			return true, fmt.Errorf("chain: %w", err)
		}
	}

	return true, nil
}

func (e *Executor) rollbackKey(previousKey []byte) {
	if previousKey == nil {
		// there was no pair before. a lone key does no harm
		return
	}

	if _, err := e.writer.Publish(e.opts.Paths.Key, previousKey, atomicpublish.PrivateKey); err != nil {
		e.logl.Error.Printf("restoring previous key after failed certificate publish: %v", err)
	}
}
