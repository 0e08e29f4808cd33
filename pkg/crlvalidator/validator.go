// Keeps a locally cached CRL fresh and answers "is this certificate revoked?" against it
package crlvalidator

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/function61/edgecert/pkg/atomicpublish"
	"github.com/function61/edgecert/pkg/certlifecycle"
	"github.com/function61/edgecert/pkg/certmonitor"
	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/logex"
)

// no cached revocation data at all (as opposed to stale data, which is still used)
var ErrNoRevocationData = errors.New("no CRL data available")

const (
	DefaultFetchTimeout = 30 * time.Second
	maxCRLSize          = 32 * 1024 * 1024
)

type UnavailablePolicy int

const (
	FailOpen   UnavailablePolicy = iota // assume not revoked, warn
	FailClosed                          // no revocation data blocks the decision
)

func ParseUnavailablePolicy(policy string) (UnavailablePolicy, error) {
	switch policy {
	case "", "fail-open":
		return FailOpen, nil
	case "fail-closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown CRL unavailable policy: %s", policy)
	}
}

func (u UnavailablePolicy) String() string {
	if u == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

type Options struct {
	URL        string
	CachePath  string
	MaxAge     time.Duration
	IssuerPath string       // optional. when set, CRL signature must verify against it
	HTTPClient *http.Client // defaults to one with DefaultFetchTimeout
}

type CacheEntry struct {
	SourceURL      string
	CachedAt       time.Time
	MaxAge         time.Duration
	NextUpdate     time.Time
	RevokedSerials map[string]struct{} // keys per certlifecycle.FormatSerial()
}

func (c *CacheEntry) Stale(now time.Time) bool {
	return now.Sub(c.CachedAt) > c.MaxAge
}

// the CRL's own NextUpdate is in the past. its data is still used
func (c *CacheEntry) Expired(now time.Time) bool {
	return !c.NextUpdate.IsZero() && now.After(c.NextUpdate)
}

func (c *CacheEntry) Contains(serial string) bool {
	_, found := c.RevokedSerials[serial]
	return found
}

type Validator struct {
	opts          Options
	publisher     *atomicpublish.Publisher
	entry         *CacheEntry
	lastFetchErr  error
	cacheLoadDone bool
	now           func() time.Time
	mu            sync.Mutex
	logl          *logex.Leveled
}

func New(opts Options, publisher *atomicpublish.Publisher, logger *log.Logger) *Validator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultFetchTimeout}
	}

	return &Validator{
		opts:      opts,
		publisher: publisher,
		now:       time.Now,
		logl:      logex.Levels(logger),
	}
}

// copy of the current cache entry, or nil if we have never had revocation data
func (v *Validator) Entry() *CacheEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.entry == nil {
		return nil
	}

	copied := *v.entry
	copied.RevokedSerials = map[string]struct{}{}
	for serial := range v.entry.RevokedSerials {
		copied.RevokedSerials[serial] = struct{}{}
	}

	return &copied
}

// cause of the most recent failed refresh, nil if the last refresh succeeded
func (v *Validator) LastFetchError() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.lastFetchErr
}

// UpdateCache fetches the CRL if the cache is absent or older than MaxAge. Returns true if
// new data was fetched. Failure to fetch never raises: the existing cache is retained as-is
// and the cause is logged (and available from LastFetchError()).
func (v *Validator) UpdateCache(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.loadCacheFileOnce()

	now := v.now()

	if v.entry != nil && !v.entry.Stale(now) {
		return false
	}

	entry, err := v.fetchAndStore(ctx, now)
	if err != nil {
		v.lastFetchErr = err

		if v.entry != nil {
			v.logl.Error.Printf(
				"refresh failed, keeping CRL cached at %s: %v",
				v.entry.CachedAt.Format(time.RFC3339),
				err)
		} else {
			v.logl.Error.Printf("refresh failed and no cached CRL exists: %v", err)
		}

		return false
	}

	v.lastFetchErr = nil
	v.entry = entry

	v.logl.Info.Printf("CRL refreshed from %s (%d revoked serials)", entry.SourceURL, len(entry.RevokedSerials))

	return true
}

// IsRevoked checks serial of the certificate at certificatePath against the cached CRL.
// Returns ErrNoRevocationData if we have never had a CRL.
func (v *Validator) IsRevoked(certificatePath string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.loadCacheFileOnce()

	if v.entry == nil {
		return false, fmt.Errorf("%w: %s", ErrNoRevocationData, v.opts.CachePath)
	}

	if v.entry.Expired(v.now()) {
		// stale data still beats no data. refresh is attempted on next cycle
		v.logl.Info.Printf("CRL is past its NextUpdate (%s), consulting it anyway", v.entry.NextUpdate.Format(time.RFC3339))
	}

	return isRevoked(certificatePath, v.entry)
}

// IsRevoked is the stateless variant reading the CRL straight from crlPath
func IsRevoked(certificatePath string, crlPath string) (bool, error) {
	entry, err := loadCacheFile(crlPath, "", 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrNoRevocationData, crlPath)
		}
		return false, err
	}

	return isRevoked(certificatePath, entry)
}

func isRevoked(certificatePath string, entry *CacheEntry) (bool, error) {
	cert, err := certmonitor.Load(certificatePath)
	if err != nil {
		return false, err
	}

	return entry.Contains(certlifecycle.FormatSerial(cert.SerialNumber)), nil
}

func (v *Validator) loadCacheFileOnce() {
	if v.cacheLoadDone {
		return
	}
	v.cacheLoadDone = true

	entry, err := loadCacheFile(v.opts.CachePath, v.opts.URL, v.opts.MaxAge)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// unusable cache file: fetch will replace it
			v.logl.Error.Printf("ignoring CRL cache: %v", err)
		}
		return
	}

	v.entry = entry
}

func (v *Validator) fetchAndStore(ctx context.Context, now time.Time) (*CacheEntry, error) {
	raw, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}

	crl, err := ParseCRL(raw)
	if err != nil {
		return nil, fmt.Errorf("fetched CRL: %w", err)
	}

	if v.opts.IssuerPath != "" {
		if err := verifySignature(crl, v.opts.IssuerPath); err != nil {
			return nil, err
		}
	}

	changed, err := v.publisher.Publish(v.opts.CachePath, raw, atomicpublish.Certificate)
	if err != nil {
		return nil, fmt.Errorf("store CRL cache: %w", err)
	}

	if !changed {
		// same CRL as before. mtime is what CachedAt is restored from after a restart
		if err := os.Chtimes(v.opts.CachePath, now, now); err != nil {
			v.logl.Error.Printf("touch CRL cache: %v", err)
		}
	}

	return entryFromCRL(crl, v.opts.URL, now, v.opts.MaxAge), nil
}

func (v *Validator) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.opts.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch CRL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch CRL: %s: unexpected status %s", v.opts.URL, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCRLSize))
	if err != nil {
		return nil, fmt.Errorf("fetch CRL: %w", err)
	}

	return raw, nil
}

// accepts both DER and PEM ("X509 CRL") encodings
func ParseCRL(raw []byte) (*x509.RevocationList, error) {
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}

	return x509.ParseRevocationList(raw)
}

func loadCacheFile(path string, sourceURL string, maxAge time.Duration) (*CacheEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	crl, err := ParseCRL(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// cache file's mtime is the time we fetched it
	return entryFromCRL(crl, sourceURL, info.ModTime(), maxAge), nil
}

func entryFromCRL(crl *x509.RevocationList, sourceURL string, cachedAt time.Time, maxAge time.Duration) *CacheEntry {
	revoked := map[string]struct{}{}
	for _, entry := range crl.RevokedCertificateEntries {
		revoked[certlifecycle.FormatSerial(entry.SerialNumber)] = struct{}{}
	}

	return &CacheEntry{
		SourceURL:      sourceURL,
		CachedAt:       cachedAt,
		MaxAge:         maxAge,
		NextUpdate:     crl.NextUpdate,
		RevokedSerials: revoked,
	}
}

func verifySignature(crl *x509.RevocationList, issuerPath string) error {
	issuerPem, err := os.ReadFile(issuerPath)
	if err != nil {
		return fmt.Errorf("CRL issuer: %w", err)
	}

	issuer, err := cryptoutil.ParsePemX509Certificate(issuerPem)
	if err != nil {
		return fmt.Errorf("CRL issuer: %w", err)
	}

	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("CRL signature: %w", err)
	}

	return nil
}
