// Vocabulary shared by the lifecycle components: certificate status, decisions and the
// material a protocol exchange produces
package certlifecycle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	// certificate file exists but cannot be parsed. never the same thing as "missing"
	ErrCorruptCertificate = errors.New("certificate is corrupt")
	// private key does not belong to the certificate
	ErrKeyMismatch = errors.New("private key does not match certificate")
)

type CertificateStatus struct {
	Exists                 bool       `json:"exists"`
	NotBefore              *time.Time `json:"not_before,omitempty"`
	ExpiryTime             *time.Time `json:"expiry_time,omitempty"`
	LifetimeElapsedPercent *float64   `json:"lifetime_elapsed_percent,omitempty"` // only meaningful when Exists
	Serial                 string     `json:"serial,omitempty"`                   // see FormatSerial()
	Revoked                bool       `json:"revoked"`
	// derived from LifetimeElapsedPercent by WithThreshold(). don't set directly
	RenewalRequired bool       `json:"renewal_required"`
	RenewAt         *time.Time `json:"renew_at,omitempty"` // set by WithThreshold()
	Corrupt         bool       `json:"corrupt"`
	CorruptReason   string     `json:"corrupt_reason,omitempty"`
}

// returns copy with RenewalRequired and RenewAt computed against threshold
func (c CertificateStatus) WithThreshold(thresholdPercent float64) CertificateStatus {
	c.RenewalRequired = c.Exists &&
		!c.Corrupt &&
		c.LifetimeElapsedPercent != nil &&
		*c.LifetimeElapsedPercent >= thresholdPercent

	c.RenewAt = nil
	if c.Exists && !c.Corrupt && c.NotBefore != nil && c.ExpiryTime != nil {
		renewAt := RenewAt(*c.NotBefore, *c.ExpiryTime, thresholdPercent)
		c.RenewAt = &renewAt
	}

	return c
}

type Action int

const (
	ActionSkip Action = iota
	ActionEnroll
	ActionRenew
)

func (a Action) String() string {
	switch a {
	case ActionEnroll:
		return "enroll"
	case ActionRenew:
		return "renew"
	default:
		return "skip"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// produced once per iteration by Decide(), consumed once by the executor
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (%s)", d.Action, d.Reason)
}

type CorruptPolicy int

const (
	CorruptBlock    CorruptPolicy = iota // iteration fails, nothing is written
	CorruptReenroll                      // treat as if we had no certificate
)

func ParseCorruptPolicy(policy string) (CorruptPolicy, error) {
	switch policy {
	case "", "block":
		return CorruptBlock, nil
	case "reenroll":
		return CorruptReenroll, nil
	default:
		return CorruptBlock, fmt.Errorf("unknown corrupt certificate policy: %s", policy)
	}
}

func (c CorruptPolicy) String() string {
	if c == CorruptReenroll {
		return "reenroll"
	}
	return "block"
}

type Policy struct {
	RenewalThresholdPercent float64
	OnCorrupt               CorruptPolicy
}

// lowercase hex without leading zeroes, which is how both certificates and CRL entries are
// compared
func FormatSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}

	return strings.ToLower(serial.Text(16))
}
