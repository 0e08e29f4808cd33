package certlifecycle

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/function61/gokit/cryptoutil"
)

// result of a successful protocol exchange. lives only until it has been published
type CertificateMaterial struct {
	CertificatePem []byte // leaf first, may be followed by intermediates
	PrivateKeyPem  []byte
	ChainPem       []byte // optional
	NotAfter       time.Time
}

// checks that the material is usable before anything gets published
func (c *CertificateMaterial) Verify() error {
	if len(c.CertificatePem) == 0 || len(c.PrivateKeyPem) == 0 {
		return errors.New("certificate material incomplete")
	}

	leaf, err := cryptoutil.ParsePemX509Certificate(c.CertificatePem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptCertificate, err)
	}

	if _, err := tls.X509KeyPair(c.CertificatePem, c.PrivateKeyPem); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}

	if c.NotAfter.IsZero() {
		c.NotAfter = leaf.NotAfter
	} else if !c.NotAfter.Equal(leaf.NotAfter) {
		return fmt.Errorf("NotAfter mismatch: material says %s, certificate says %s", c.NotAfter, leaf.NotAfter)
	}

	return nil
}
