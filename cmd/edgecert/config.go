package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/function61/edgecert/pkg/acmeclient"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/crlvalidator"
	"github.com/function61/edgecert/pkg/estclient"
	"github.com/function61/edgecert/pkg/workflow"
	"github.com/function61/gokit/jsonfile"
)

const (
	defaultRenewalThresholdPercent = 75
	defaultCheckIntervalSeconds    = 3600
	defaultCRLMaxAgeHours          = 24
)

type config struct {
	Agents      []agentConfig  `json:"agents"`
	Protocol    protocolConfig `json:"protocol"`
	MetricsAddr string         `json:"metrics_addr,omitempty"` // e.g. ":9100". empty = no metrics endpoint
}

// exactly one
type protocolConfig struct {
	ACME *acmeclient.Config `json:"acme,omitempty"`
	EST  *estclient.Config  `json:"est,omitempty"`
}

type agentConfig struct {
	Identity                string         `json:"identity"`
	SANs                    []string       `json:"sans,omitempty"`
	CertificatePath         string         `json:"certificate_path"`
	KeyPath                 string         `json:"key_path"`
	ChainPath               string         `json:"chain_path,omitempty"`
	RenewalThresholdPercent float64        `json:"renewal_threshold_percent,omitempty"`
	CheckIntervalSeconds    int            `json:"check_interval_seconds,omitempty"`
	MaxIterations           int            `json:"max_iterations,omitempty"`
	OnCorruptCertificate    string         `json:"on_corrupt_certificate,omitempty"` // "block" | "reenroll"
	ReloadCommand           []string       `json:"reload_command,omitempty"`         // certificate path gets appended
	EscrowPublicKeyPath     string         `json:"escrow_public_key_path,omitempty"` // RSA public key (PKCS1 PEM)
	EscrowPath              string         `json:"escrow_path,omitempty"`
	CRL                     *crlConfig     `json:"crl,omitempty"`
	Backoff                 *backoffConfig `json:"backoff,omitempty"`
}

type crlConfig struct {
	URL           string  `json:"url"`
	CachePath     string  `json:"cache_path"`
	IssuerPath    string  `json:"issuer_path,omitempty"`
	MaxAgeHours   float64 `json:"max_age_hours,omitempty"`
	OnUnavailable string  `json:"on_unavailable,omitempty"` // "fail-open" | "fail-closed"
}

type backoffConfig struct {
	MaxIntervalSeconds int `json:"max_interval_seconds"`
}

func readConfig(path string) (*config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	conf := &config{}
	if err := jsonfile.Unmarshal(file, conf, true); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

func (c *config) Validate() error {
	if len(c.Agents) == 0 {
		return errors.New("no agents configured")
	}

	switch {
	case c.Protocol.ACME != nil && c.Protocol.EST != nil:
		return errors.New("protocol: configure either acme or est, not both")
	case c.Protocol.ACME != nil:
		if err := c.Protocol.ACME.Validate(); err != nil {
			return fmt.Errorf("protocol: acme: %w", err)
		}
	case c.Protocol.EST != nil:
		if err := c.Protocol.EST.Validate(); err != nil {
			return fmt.Errorf("protocol: est: %w", err)
		}
	default:
		return errors.New("protocol: acme or est required")
	}

	// two agents writing the same file would fight forever
	owners := map[string]string{}
	claim := func(path string, identity string) error {
		if path == "" {
			return nil
		}

		path = filepath.Clean(path)
		if owner, taken := owners[path]; taken {
			return fmt.Errorf("%s: path %s already used by %s", identity, path, owner)
		}
		owners[path] = identity

		return nil
	}

	for _, agent := range c.Agents {
		if _, err := agent.toWorkflowConfig(); err != nil {
			return fmt.Errorf("agent %s: %w", agent.Identity, err)
		}

		if (agent.EscrowPublicKeyPath == "") != (agent.EscrowPath == "") {
			return fmt.Errorf("agent %s: escrow_public_key_path and escrow_path go together", agent.Identity)
		}

		paths := []string{agent.CertificatePath, agent.KeyPath, agent.ChainPath, agent.EscrowPath}
		if agent.CRL != nil {
			paths = append(paths, agent.CRL.CachePath)
		}

		for _, path := range paths {
			if err := claim(path, agent.Identity); err != nil {
				return err
			}
		}
	}

	return nil
}

// resolves defaults and policy names into what the lifecycle engine consumes
func (a agentConfig) toWorkflowConfig() (workflow.Config, error) {
	onCorrupt, err := certlifecycle.ParseCorruptPolicy(a.OnCorruptCertificate)
	if err != nil {
		return workflow.Config{}, err
	}

	threshold := a.RenewalThresholdPercent
	if threshold == 0 {
		threshold = defaultRenewalThresholdPercent
	}

	intervalSeconds := a.CheckIntervalSeconds
	if intervalSeconds == 0 {
		intervalSeconds = defaultCheckIntervalSeconds
	}

	conf := workflow.Config{
		Identity:                a.Identity,
		SANs:                    a.SANs,
		CertificatePath:         a.CertificatePath,
		KeyPath:                 a.KeyPath,
		ChainPath:               a.ChainPath,
		RenewalThresholdPercent: threshold,
		CheckInterval:           time.Duration(intervalSeconds) * time.Second,
		MaxIterations:           a.MaxIterations,
		OnCorruptCertificate:    onCorrupt,
	}

	if a.CRL != nil {
		onUnavailable, err := crlvalidator.ParseUnavailablePolicy(a.CRL.OnUnavailable)
		if err != nil {
			return workflow.Config{}, err
		}

		maxAgeHours := a.CRL.MaxAgeHours
		if maxAgeHours == 0 {
			maxAgeHours = defaultCRLMaxAgeHours
		}

		conf.CRL = workflow.CRLConfig{
			Enabled:       true,
			URL:           a.CRL.URL,
			CachePath:     a.CRL.CachePath,
			IssuerPath:    a.CRL.IssuerPath,
			MaxAge:        time.Duration(maxAgeHours * float64(time.Hour)),
			OnUnavailable: onUnavailable,
		}
	}

	if a.Backoff != nil {
		conf.Backoff = workflow.BackoffConfig{
			Enabled:     true,
			MaxInterval: time.Duration(a.Backoff.MaxIntervalSeconds) * time.Second,
		}
	}

	return conf, conf.Validate()
}
