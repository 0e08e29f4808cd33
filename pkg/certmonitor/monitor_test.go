package certmonitor

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/certtestutil"
	"github.com/function61/gokit/assert"
)

func TestInspectMissing(t *testing.T) {
	status, err := Inspect(filepath.Join(t.TempDir(), "a.pem"), time.Now())
	assert.Ok(t, err)

	assert.Assert(t, !status.Exists)
	assert.Assert(t, !status.Corrupt)
	assert.Assert(t, status.ExpiryTime == nil)
	assert.Assert(t, status.LifetimeElapsedPercent == nil)
}

func TestInspectLifetime(t *testing.T) {
	now := time.Now()
	ca := certtestutil.NewCA(t)
	leaf := ca.IssueAtLifetime(t, 42, 80, 90*24*time.Hour, now, "edge.example.com")

	path := filepath.Join(t.TempDir(), "tls.crt")
	certtestutil.WriteFile(t, path, leaf.CertPEM, 0644)

	status, err := Inspect(path, now)
	assert.Ok(t, err)

	assert.Assert(t, status.Exists)
	assert.Assert(t, !status.Corrupt)
	assert.Assert(t, status.ExpiryTime.Equal(leaf.Cert.NotAfter))
	assert.Assert(t, math.Abs(*status.LifetimeElapsedPercent-80) < 0.01)
	assert.EqualString(t, status.Serial, "2a")
	// derived only when threshold is applied
	assert.Assert(t, !status.RenewalRequired)
}

func TestInspectExpiredIsNotClamped(t *testing.T) {
	now := time.Now()
	ca := certtestutil.NewCA(t)
	leaf := ca.IssueAtLifetime(t, 2, 150, 10*24*time.Hour, now)

	path := filepath.Join(t.TempDir(), "tls.crt")
	certtestutil.WriteFile(t, path, leaf.CertPEM, 0644)

	status, err := Inspect(path, now)
	assert.Ok(t, err)
	assert.Assert(t, *status.LifetimeElapsedPercent > 149)
}

func TestInspectCorruptIsDistinctFromMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tls.crt")
	certtestutil.WriteFile(t, path, []byte("-----BEGIN CERTIFICATE-----\nZ2FyYmFnZQ==\n-----END CERTIFICATE-----\n"), 0644)

	status, err := Inspect(path, time.Now())
	assert.Assert(t, errors.Is(err, certlifecycle.ErrCorruptCertificate))
	assert.Assert(t, status.Exists)
	assert.Assert(t, status.Corrupt)
	assert.Assert(t, status.CorruptReason != "")

	// not even PEM
	certtestutil.WriteFile(t, path, []byte("hello"), 0644)

	status, err = Inspect(path, time.Now())
	assert.Assert(t, errors.Is(err, certlifecycle.ErrCorruptCertificate))
	assert.Assert(t, status.Corrupt)
}

func TestInspectReadErrorIsHardError(t *testing.T) {
	// a directory in place of the file
	dir := t.TempDir()
	assert.Ok(t, os.Mkdir(filepath.Join(dir, "tls.crt"), 0755))

	_, err := Inspect(filepath.Join(dir, "tls.crt"), time.Now())
	assert.Assert(t, err != nil)
	assert.Assert(t, !errors.Is(err, certlifecycle.ErrCorruptCertificate))
}
