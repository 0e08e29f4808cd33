// Serves published certificate/key pairs to a TLS server, picking up renewals without a restart
package tlsreload

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
)

type fileVersion struct {
	modTime time.Time
	size    int64
}

type pair struct {
	certPath string
	keyPath  string
	loaded   *tls.Certificate // nil if not (yet) loadable
	domains  []string
	versions [2]fileVersion // cert, key
}

type Store struct {
	pairs []*pair
	cache map[string]*tls.Certificate // hostname => certificate
	mu    sync.Mutex
	logl  *logex.Leveled
}

func New(logger *log.Logger) *Store {
	return &Store{
		cache: map[string]*tls.Certificate{},
		logl:  logex.Levels(logger),
	}
}

// Add starts serving the pair at given paths. The pair need not exist yet (the agent may not
// have enrolled), it is picked up once it appears.
func (s *Store) Add(certPath string, keyPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pairs {
		if existing.certPath == certPath {
			return fmt.Errorf("already serving %s", certPath)
		}
	}

	p := &pair{certPath: certPath, keyPath: keyPath}
	s.pairs = append(s.pairs, p)

	if err := s.load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	s.rebuildCache()

	return nil
}

// Reload re-reads every pair whose files changed since they were last loaded
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reloadChanged()
}

// ReloadHook is a notification hook for the lifecycle agent
func (s *Store) ReloadHook(_ context.Context, certificatePath string) error {
	if err := s.Reload(); err != nil {
		return fmt.Errorf("reloading after %s changed: %w", certificatePath, err)
	}

	return nil
}

// NOTE: cert can be nil even if error nil
func (s *Store) ByHostname(hostname string) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// changes on disk that did not go through a hook (e.g. manual replacement)?
	if err := s.reloadChanged(); err != nil {
		s.logl.Error.Printf("reload: %v", err)
	}

	return s.cache[strings.ToLower(hostname)], nil
}

// looks up foo.example.com first, then *.example.com. if neither is found, the first loaded
// pair is served so clients without SNI get something
func (s *Store) GetCertificateAdapter() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := ByHostnameSupportingWildcard(hello.ServerName, s)
		if err != nil || cert != nil {
			return cert, err
		}

		if fallback := s.fallback(); fallback != nil {
			return fallback, nil
		}

		return nil, fmt.Errorf("no certificate for %q", hello.ServerName)
	}
}

func ByHostnameSupportingWildcard(hostname string, store *Store) (*tls.Certificate, error) {
	cert, err := store.ByHostname(hostname)
	if cert != nil || err != nil {
		return cert, err
	}

	if hostname == "" {
		return nil, nil
	}

	return store.ByHostname(wildcardVersionOfHostname(hostname))
}

func (s *Store) fallback() *tls.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pairs {
		if p.loaded != nil {
			return p.loaded
		}
	}

	return nil
}

func (s *Store) reloadChanged() error {
	changed := false
	errs := []error{}

	for _, p := range s.pairs {
		versions, err := versionsOf(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}

		if p.loaded != nil && versions == p.versions {
			continue
		}

		if err := s.load(p); err != nil {
			// keep serving the previous pair. renewal might be between key and cert publish
			errs = append(errs, err)
			continue
		}

		changed = true
	}

	if changed {
		s.rebuildCache()
	}

	return errors.Join(errs...)
}

func (s *Store) load(p *pair) error {
	versions, err := versionsOf(p)
	if err != nil {
		return err
	}

	keypair, err := tls.LoadX509KeyPair(p.certPath, p.keyPath)
	if err != nil {
		return fmt.Errorf("%s: %w", p.certPath, err)
	}

	leaf, err := x509.ParseCertificate(keypair.Certificate[0])
	if err != nil {
		return fmt.Errorf("%s: %w", p.certPath, err)
	}
	keypair.Leaf = leaf

	p.loaded = &keypair
	p.versions = versions
	p.domains = domainsOf(leaf)

	s.logl.Info.Printf("loaded %s (%s), valid until %s", p.certPath, strings.Join(p.domains, ", "), leaf.NotAfter.Format(time.RFC3339))

	return nil
}

// cache entries for all names of a certificate so a ("*.example.com", "example.com") cert
// is found by either
func (s *Store) rebuildCache() {
	s.cache = map[string]*tls.Certificate{}

	for _, p := range s.pairs {
		if p.loaded == nil {
			continue
		}

		for _, domain := range p.domains {
			if _, taken := s.cache[domain]; !taken {
				s.cache[domain] = p.loaded
			}
		}
	}
}

func versionsOf(p *pair) ([2]fileVersion, error) {
	versions := [2]fileVersion{}

	for i, path := range []string{p.certPath, p.keyPath} {
		info, err := os.Stat(path)
		if err != nil {
			return versions, err
		}

		versions[i] = fileVersion{modTime: info.ModTime(), size: info.Size()}
	}

	return versions, nil
}

func domainsOf(cert *x509.Certificate) []string {
	names := cert.DNSNames
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}

	domains := []string{}
	for _, name := range names {
		domains = append(domains, strings.ToLower(name))
	}

	return domains
}

// "foobar.example.com" => "*.example.com"
func wildcardVersionOfHostname(hostname string) string {
	if hostname == "" {
		return ""
	}

	return "*." + strings.Join(strings.Split(hostname, ".")[1:], ".")
}
