// Throwaway CA for tests: issues leaf certificates at a chosen position of their lifetime,
// and signs CRLs
package certtestutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"
)

type CA struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
}

type Leaf struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

func NewCA(t testing.TB) *CA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "edgecert test CA"},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	return &CA{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (c *CA) Issue(t testing.TB, serial int64, notBefore time.Time, notAfter time.Time, dnsNames ...string) *Leaf {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	commonName := "edge.example.com"
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     dnsNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.Cert, &key.PublicKey, c.Key)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	return &Leaf{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}),
	}
}

// issues a certificate whose validity window is positioned so that percentElapsed of it has
// passed at now
func (c *CA) IssueAtLifetime(
	t testing.TB,
	serial int64,
	percentElapsed float64,
	validity time.Duration,
	now time.Time,
	dnsNames ...string,
) *Leaf {
	t.Helper()

	// validity is truncated to whole seconds in the certificate, so keep it aligned
	validity = validity.Truncate(time.Second)
	elapsed := time.Duration(float64(validity) * percentElapsed / 100).Truncate(time.Second)
	notBefore := now.Add(-elapsed).Truncate(time.Second)

	return c.Issue(t, serial, notBefore, notBefore.Add(validity), dnsNames...)
}

// DER-encoded CRL revoking given serials
func (c *CA) CRL(t testing.TB, nextUpdate time.Time, revokedSerials ...int64) []byte {
	t.Helper()

	entries := []x509.RevocationListEntry{}
	for _, serial := range revokedSerials {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(serial),
			RevocationTime: time.Now().Add(-time.Hour),
		})
	}

	thisUpdate := time.Now().Add(-time.Hour)
	if !nextUpdate.After(thisUpdate) { // already-expired CRL
		thisUpdate = nextUpdate.Add(-time.Hour)
	}

	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, c.Cert, c.Key)
	if err != nil {
		t.Fatal(err)
	}

	return der
}

func WriteFile(t testing.TB, path string, content []byte, mode os.FileMode) {
	t.Helper()

	if err := os.WriteFile(path, content, mode); err != nil {
		t.Fatal(err)
	}
}
