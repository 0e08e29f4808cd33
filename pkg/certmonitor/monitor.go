// Reports health of the currently published certificate. Never mutates anything.
package certmonitor

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/gokit/cryptoutil"
)

// Inspect reports status of the certificate at path. A missing file is not an error
// (Exists=false), but unparsable content is: it comes back as Corrupt status *and* an error
// wrapping certlifecycle.ErrCorruptCertificate so the two are never conflated.
func Inspect(path string, now time.Time) (certlifecycle.CertificateStatus, error) {
	cert, err := Load(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return certlifecycle.CertificateStatus{Exists: false}, nil
		case errors.Is(err, certlifecycle.ErrCorruptCertificate):
			return certlifecycle.CertificateStatus{
				Exists:        true,
				Corrupt:       true,
				CorruptReason: err.Error(),
			}, err
		default:
			return certlifecycle.CertificateStatus{}, err
		}
	}

	return StatusOf(cert, now), nil
}

func StatusOf(cert *x509.Certificate, now time.Time) certlifecycle.CertificateStatus {
	notBefore := cert.NotBefore
	notAfter := cert.NotAfter
	elapsed := certlifecycle.LifetimeElapsedPercent(notBefore, notAfter, now)

	return certlifecycle.CertificateStatus{
		Exists:                 true,
		NotBefore:              &notBefore,
		ExpiryTime:             &notAfter,
		LifetimeElapsedPercent: &elapsed,
		Serial:                 certlifecycle.FormatSerial(cert.SerialNumber),
	}
}

// loads the leaf (= first) certificate of a PEM file
func Load(path string) (*x509.Certificate, error) {
	certPem, err := os.ReadFile(path)
	if err != nil {
		return nil, err // os.ErrNotExist is matchable by caller
	}

	cert, err := cryptoutil.ParsePemX509Certificate(certPem)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", certlifecycle.ErrCorruptCertificate, path, err)
	}

	return cert, nil
}
