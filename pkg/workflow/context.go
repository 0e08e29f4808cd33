package workflow

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/crlvalidator"
)

// resolved, already-validated configuration of one agent. the engine never parses files or
// environment variables itself.
type Config struct {
	Identity                string
	SANs                    []string
	CertificatePath         string
	KeyPath                 string
	ChainPath               string // optional
	RenewalThresholdPercent float64
	CheckInterval           time.Duration
	MaxIterations           int // 0 = unbounded
	OnCorruptCertificate    certlifecycle.CorruptPolicy
	CRL                     CRLConfig
	Backoff                 BackoffConfig
}

type CRLConfig struct {
	Enabled       bool
	URL           string
	CachePath     string
	IssuerPath    string // optional
	MaxAge        time.Duration
	OnUnavailable crlvalidator.UnavailablePolicy
}

// after consecutive failed iterations the sleep doubles, up to MaxInterval
type BackoffConfig struct {
	Enabled     bool
	MaxInterval time.Duration
}

func (c Config) Validate() error {
	if c.Identity == "" {
		return errors.New("identity missing")
	}

	if c.CertificatePath == "" || c.KeyPath == "" {
		return errors.New("certificate and key paths are required")
	}

	if filepath.Clean(c.CertificatePath) == filepath.Clean(c.KeyPath) {
		return errors.New("certificate and key paths must differ")
	}

	if c.RenewalThresholdPercent < 1 || c.RenewalThresholdPercent > 100 {
		return fmt.Errorf("renewal threshold must be within 1-100; got %v", c.RenewalThresholdPercent)
	}

	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive; got %s", c.CheckInterval)
	}

	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations cannot be negative; got %d", c.MaxIterations)
	}

	if c.CRL.Enabled {
		if c.CRL.URL == "" || c.CRL.CachePath == "" {
			return errors.New("CRL enabled but URL or cache path missing")
		}

		if c.CRL.MaxAge <= 0 {
			return fmt.Errorf("CRL max age must be positive; got %s", c.CRL.MaxAge)
		}
	}

	if c.Backoff.Enabled && c.Backoff.MaxInterval < c.CheckInterval {
		return errors.New("backoff max interval cannot be shorter than check interval")
	}

	return nil
}

func (c Config) Policy() certlifecycle.Policy {
	return certlifecycle.Policy{
		RenewalThresholdPercent: c.RenewalThresholdPercent,
		OnCorrupt:               c.OnCorruptCertificate,
	}
}

// scratch state of one iteration. reset at the start of every iteration, so nothing
// (e.g. certificate status) is carried forward stale.
type State struct {
	Iteration uint64
	Status    certlifecycle.CertificateStatus
	Decision  *certlifecycle.Decision
	// transient. only between execute and validate of the same iteration
	Material  *certlifecycle.CertificateMaterial
	Published bool
}

// per-agent execution state. owned by exactly one Orchestrator, never shared
type Context struct {
	config Config
	State  State
}

func NewContext(conf Config) (*Context, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	conf.SANs = append([]string{}, conf.SANs...)

	return &Context{config: conf}, nil
}

func (c *Context) Config() Config {
	conf := c.config
	conf.SANs = append([]string{}, c.config.SANs...)
	return conf
}

func (c *Context) resetForIteration(iteration uint64) {
	c.State = State{Iteration: iteration}
}
