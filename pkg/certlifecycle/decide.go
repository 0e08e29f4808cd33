package certlifecycle

import (
	"fmt"
	"time"
)

// Decide is side-effect free. revocation is checked before the lifetime threshold, so a
// revoked certificate is renewed no matter how young it is.
func Decide(status CertificateStatus, policy Policy) Decision {
	status = status.WithThreshold(policy.RenewalThresholdPercent)

	switch {
	case status.Corrupt && policy.OnCorrupt == CorruptReenroll:
		return Decision{ActionEnroll, "certificate unparsable: " + status.CorruptReason}
	case status.Corrupt:
		// re-enrolling on every corrupt read could turn into an issuance storm
		return Decision{ActionSkip, "certificate unparsable, blocked by policy: " + status.CorruptReason}
	case !status.Exists:
		return Decision{ActionEnroll, "certificate missing"}
	case status.Revoked:
		return Decision{ActionRenew, "certificate revoked"}
	case status.RenewalRequired:
		return Decision{ActionRenew, fmt.Sprintf(
			"lifetime threshold exceeded (%.1f %% elapsed, threshold %.1f %%)",
			*status.LifetimeElapsedPercent,
			policy.RenewalThresholdPercent)}
	default:
		return Decision{ActionSkip, "certificate healthy"}
	}
}

// the instant at which a certificate crosses the renewal threshold
func RenewAt(notBefore time.Time, notAfter time.Time, thresholdPercent float64) time.Time {
	lifetime := notAfter.Sub(notBefore)

	return notBefore.Add(time.Duration(float64(lifetime) * thresholdPercent / 100))
}

func LifetimeElapsedPercent(notBefore time.Time, notAfter time.Time, now time.Time) float64 {
	lifetime := notAfter.Sub(notBefore)
	if lifetime <= 0 {
		return 100
	}

	elapsed := float64(now.Sub(notBefore)) / float64(lifetime) * 100
	if elapsed < 0 { // not yet valid
		return 0
	}

	// above 100 means already expired. that must stay visible
	return elapsed
}
