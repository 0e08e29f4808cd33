// Protocol client enrolling with an EST (RFC 7030) server
package estclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/enrollment"
	"github.com/function61/gokit/logex"
	"github.com/globalsign/est"
)

type Config struct {
	Host                  string `json:"host"`                              // "est.example.com:8443"
	AdditionalPathSegment string `json:"additional_path_segment,omitempty"` // RFC 7030 3.2.2 label
	TrustAnchorPath       string `json:"trust_anchor_path"`                 // PEM bundle of the EST server's CA
	Username              string `json:"username,omitempty"`                // for initial enrollment
	Password              string `json:"password,omitempty"`
}

func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host missing")
	}

	if c.TrustAnchorPath == "" {
		return errors.New("trust_anchor_path missing")
	}

	return nil
}

// currently published pair. used to authenticate re-enrollment
type CurrentPair func() (certPath string, keyPath string)

type Client struct {
	conf    Config
	anchors *x509.CertPool
	current CurrentPair
	mu      sync.Mutex
	logl    *logex.Leveled
}

var _ enrollment.ProtocolClient = (*Client)(nil)

// current may be nil, in which case every request is an initial (password) enrollment
func New(conf Config, current CurrentPair, logger *log.Logger) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("est: %w", err)
	}

	anchorsPem, err := os.ReadFile(conf.TrustAnchorPath)
	if err != nil {
		return nil, fmt.Errorf("est: trust anchor: %w", err)
	}

	anchors := x509.NewCertPool()
	if !anchors.AppendCertsFromPEM(anchorsPem) {
		return nil, fmt.Errorf("est: no certificates in %s", conf.TrustAnchorPath)
	}

	return &Client{
		conf:    conf,
		anchors: anchors,
		current: current,
		logl:    logex.Levels(logger),
	}, nil
}

// RequestCertificate re-enrolls with the current pair if it is usable, otherwise enrolls
// with username/password. The private key is generated here and never leaves the device.
func (c *Client) RequestCertificate(ctx context.Context, identity string, sans []string) (*certlifecycle.CertificateMaterial, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	csr, err := makeCSR(key, identity, sans)
	if err != nil {
		return nil, fmt.Errorf("est: %w", err)
	}

	client := c.client()

	var cert *x509.Certificate
	if existing := c.existingPair(); existing != nil {
		client.Certificates = existing.certs
		client.PrivateKey = existing.key

		c.logl.Debug.Printf("re-enrolling %s", identity)

		cert, err = client.Reenroll(ctx, csr)
		if err != nil {
			return nil, fmt.Errorf("est: reenroll: %w", err)
		}
	} else {
		if c.conf.Username == "" {
			return nil, errors.New("est: no usable pair to re-enroll with and no credentials for enrollment")
		}

		c.logl.Debug.Printf("enrolling %s", identity)

		cert, err = client.Enroll(ctx, csr)
		if err != nil {
			return nil, fmt.Errorf("est: enroll: %w", err)
		}
	}

	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	return &certlifecycle.CertificateMaterial{
		CertificatePem: encodeCertificates(cert),
		PrivateKeyPem:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}),
		ChainPem:       c.chain(ctx, client),
		NotAfter:       cert.NotAfter,
	}, nil
}

func (c *Client) client() *est.Client {
	return &est.Client{
		Host:                  c.conf.Host,
		AdditionalPathSegment: c.conf.AdditionalPathSegment,
		ExplicitAnchor:        c.anchors,
		Username:              c.conf.Username,
		Password:              c.conf.Password,
	}
}

// chain is a nicety. failure to fetch it does not fail the enrollment
func (c *Client) chain(ctx context.Context, client *est.Client) []byte {
	caCerts, err := client.CACerts(ctx)
	if err != nil {
		c.logl.Error.Printf("fetching CA certificates: %v", err)
		return nil
	}

	return encodeCertificates(caCerts...)
}

type pair struct {
	certs []*x509.Certificate
	key   crypto.Signer
}

// nil if there is no pair, or it can no longer authenticate us
func (c *Client) existingPair() *pair {
	if c.current == nil {
		return nil
	}

	certPath, keyPath := c.current()

	keypair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logl.Error.Printf("current pair unusable for re-enrollment: %v", err)
		}
		return nil
	}

	certs := []*x509.Certificate{}
	for _, der := range keypair.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			c.logl.Error.Printf("current pair unusable for re-enrollment: %v", err)
			return nil
		}
		certs = append(certs, cert)
	}

	signer, ok := keypair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil
	}

	return &pair{certs: certs, key: signer}
}

func makeCSR(key crypto.Signer, identity string, sans []string) (*x509.CertificateRequest, error) {
	dnsNames := []string{identity}
	for _, san := range sans {
		if san != identity {
			dnsNames = append(dnsNames, san)
		}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: identity},
		DNSNames: dnsNames,
	}, key)
	if err != nil {
		return nil, err
	}

	return x509.ParseCertificateRequest(der)
}

func encodeCertificates(certs ...*x509.Certificate) []byte {
	encoded := []byte{}
	for _, cert := range certs {
		encoded = append(encoded, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}

	return encoded
}
