// Protocol client obtaining certificates from an ACME CA (Let's Encrypt or compatible)
package acmeclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/enrollment"
	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	legolog "github.com/go-acme/lego/v4/log"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
)

type Config struct {
	DirectoryURL    string                 `json:"directory_url,omitempty"` // defaults to Let's Encrypt production
	Email           string                 `json:"email"`
	AccountKeyPath  string                 `json:"account_key_path"`   // generated on first run
	AccountPath     string                 `json:"account_path"`       // registration, written on first run
	KeyType         string                 `json:"key_type,omitempty"` // ec256 (default), ec384, rsa2048, rsa4096
	DNS01Cloudflare *CloudflareCredentials `json:"dns01_cloudflare,omitempty"`
	HTTP01Server    *HTTP01Server          `json:"http01_server,omitempty"` // serve challenges ourselves
	HTTP01Bucket    *HTTP01Bucket          `json:"http01_bucket,omitempty"` // upload challenges to a bucket a webserver serves
}

// either email + API key or an API token
type CloudflareCredentials struct {
	Email    string `json:"email,omitempty"`
	ApiKey   string `json:"api_key,omitempty"`
	ApiToken string `json:"api_token,omitempty"`
}

type HTTP01Server struct {
	Interface string `json:"interface,omitempty"` // empty = all
	Port      string `json:"port,omitempty"`      // defaults to 80
}

type HTTP01Bucket struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"` // e.g. "us-east-1"
}

func (c Config) Validate() error {
	if c.Email == "" {
		return errors.New("email missing")
	}

	if c.AccountKeyPath == "" || c.AccountPath == "" {
		return errors.New("account_key_path and account_path are required")
	}

	if _, err := parseKeyType(c.KeyType); err != nil {
		return err
	}

	solvers := 0
	for _, configured := range []bool{c.DNS01Cloudflare != nil, c.HTTP01Server != nil, c.HTTP01Bucket != nil} {
		if configured {
			solvers++
		}
	}

	if solvers == 0 {
		return errors.New("no challenge solver configured")
	}

	if c.HTTP01Server != nil && c.HTTP01Bucket != nil {
		return errors.New("http01_server and http01_bucket are mutually exclusive")
	}

	return nil
}

type Client struct {
	obtain func(certificate.ObtainRequest) (*certificate.Resource, error)
	mu     sync.Mutex // one order at a time, held until lego returns. HTTP-01 solver binds a port
	logl   *logex.Leveled
}

var _ enrollment.ProtocolClient = (*Client)(nil)

// New sets up the ACME account, registering it with the CA on first run. Do this once
// before starting the lifecycle loop.
func New(conf Config, publisher *atomicpublish.Publisher, logger *log.Logger) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("acme: %w", err)
	}

	if logger != nil {
		legolog.Logger = logex.Prefix("lego", logger)
	}

	logl := logex.Levels(logger)

	keyType, _ := parseKeyType(conf.KeyType) // validated

	acct, err := loadOrCreateAccount(conf.Email, conf.AccountKeyPath, conf.AccountPath, publisher)
	if err != nil {
		return nil, fmt.Errorf("acme: %w", err)
	}

	legoConf := lego.NewConfig(acct)
	if conf.DirectoryURL != "" {
		legoConf.CADirURL = conf.DirectoryURL
	}
	legoConf.Certificate.KeyType = keyType

	legoClient, err := lego.NewClient(legoConf)
	if err != nil {
		return nil, fmt.Errorf("acme: %w", err)
	}

	if err := setupSolvers(legoClient, conf); err != nil {
		return nil, fmt.Errorf("acme: %w", err)
	}

	if acct.Registration == nil {
		logl.Info.Printf("registering account %s at %s", acct.Email, legoConf.CADirURL)

		reg, err := legoClient.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("acme: register: %w", err)
		}

		acct.Registration = reg

		if err := saveRegistration(acct, conf.AccountPath, publisher); err != nil {
			return nil, fmt.Errorf("acme: save registration: %w", err)
		}
	}

	return &Client{
		obtain: legoClient.Certificate.Obtain,
		logl:   logl,
	}, nil
}

func (c *Client) RequestCertificate(ctx context.Context, identity string, sans []string) (*certlifecycle.CertificateMaterial, error) {
	domains := domainsFor(identity, sans)

	type result struct {
		resource *certificate.Resource
		err      error
	}

	// lego takes no context. on cancel we stop waiting, and the order finishes (or times
	// out) in the background with its result discarded. the lock goes with the order, so
	// the next one waits for an abandoned one to finish.
	done := make(chan result, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if ctx.Err() != nil { // gave up while waiting for our turn
			done <- result{nil, ctx.Err()}
			return
		}

		resource, err := c.obtain(certificate.ObtainRequest{
			Domains: domains,
			Bundle:  true,
		})
		done <- result{resource, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acme: obtain %s: %w", strings.Join(domains, ", "), ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("acme: obtain %s: %w", strings.Join(domains, ", "), res.err)
		}

		return materialFrom(res.resource)
	}
}

func materialFrom(resource *certificate.Resource) (*certlifecycle.CertificateMaterial, error) {
	cert, err := cryptoutil.ParsePemX509Certificate(resource.Certificate)
	if err != nil {
		return nil, fmt.Errorf("acme: CA returned unparsable certificate: %w", err)
	}

	return &certlifecycle.CertificateMaterial{
		CertificatePem: resource.Certificate, // bundle: leaf + intermediates
		PrivateKeyPem:  resource.PrivateKey,
		ChainPem:       resource.IssuerCertificate,
		NotAfter:       cert.NotAfter,
	}, nil
}

func setupSolvers(legoClient *lego.Client, conf Config) error {
	if creds := conf.DNS01Cloudflare; creds != nil {
		cloudflareConf := cloudflare.NewDefaultConfig()
		cloudflareConf.AuthEmail = creds.Email
		cloudflareConf.AuthKey = creds.ApiKey
		cloudflareConf.AuthToken = creds.ApiToken

		cloudflareProvider, err := cloudflare.NewDNSProviderConfig(cloudflareConf)
		if err != nil {
			return err
		}

		if err := legoClient.Challenge.SetDNS01Provider(cloudflareProvider); err != nil {
			return err
		}
	}

	if srv := conf.HTTP01Server; srv != nil {
		port := srv.Port
		if port == "" {
			port = "80"
		}

		if err := legoClient.Challenge.SetHTTP01Provider(http01.NewProviderServer(srv.Interface, port)); err != nil {
			return err
		}
	}

	if bucket := conf.HTTP01Bucket; bucket != nil {
		uploader, err := newBucketChallengeUploader(bucket.Bucket, aws.NewConfig().WithRegion(bucket.Region))
		if err != nil {
			return err
		}

		if err := legoClient.Challenge.SetHTTP01Provider(uploader); err != nil {
			return err
		}
	}

	return nil
}

func parseKeyType(keyType string) (certcrypto.KeyType, error) {
	switch strings.ToLower(keyType) {
	case "", "ec256":
		return certcrypto.EC256, nil
	case "ec384":
		return certcrypto.EC384, nil
	case "rsa2048":
		return certcrypto.RSA2048, nil
	case "rsa4096":
		return certcrypto.RSA4096, nil
	default:
		return "", fmt.Errorf("unsupported key_type: %s", keyType)
	}
}

// identity first (becomes the CN), then SANs without duplicates
func domainsFor(identity string, sans []string) []string {
	domains := []string{identity}
	seen := map[string]bool{strings.ToLower(identity): true}

	for _, san := range sans {
		if seen[strings.ToLower(san)] {
			continue
		}
		seen[strings.ToLower(san)] = true

		domains = append(domains, san)
	}

	return domains
}
