package cert

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"os"
	"strings"
)

// LocalhostDomain is always part of the table so startup has an identity to
// present even when no mapping loads.
const LocalhostDomain = "localhost"

// Bundle is a loaded certificate chain and key for one domain.
type Bundle struct {
	Domain           string
	CertificateChain []byte
	PrivateKey       []byte
	Certificate      tls.Certificate
}

// LoadBundle reads and parses the PEM files at p.
func LoadBundle(domain string, p Paths) (*Bundle, error) {
	chain, err := os.ReadFile(p.Cert)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(p.Key)
	if err != nil {
		return nil, err
	}
	c, err := tls.X509KeyPair(chain, key)
	if err != nil {
		return nil, err
	}
	return &Bundle{Domain: domain, CertificateChain: chain, PrivateKey: key, Certificate: c}, nil
}

// Table maps domains to bundles. It is built once per run and never mutated,
// so handshakes read it without locking.
type Table struct {
	bundles map[string]*Bundle
	order   []string
	def     *Bundle
}

// BuildTable loads a bundle for every domain, then for localhost, generating
// missing files through issuer. Domains whose bundle cannot be produced are
// skipped with a warning and will be served the default bundle.
//
// The default is the first domain's bundle, or localhost's when domains is
// empty or the first domain failed. An error is returned only when no default
// can be produced.
func BuildTable(ctx context.Context, logger *slog.Logger, issuer Issuer, domains []string) (*Table, error) {
	availErr := issuer.EnsureAvailable()
	if availErr != nil {
		logger.Warn("certificate issuer unavailable, only existing certificates will be used", "error", availErr)
	}

	load := func(domain string) (*Bundle, error) {
		if !issuer.Have(domain) {
			if availErr != nil {
				return nil, &Error{Domain: domain, Err: availErr}
			}
			if _, err := issuer.Generate(ctx, domain); err != nil {
				return nil, &Error{Domain: domain, Err: err}
			}
		}
		b, err := LoadBundle(domain, issuer.Paths(domain))
		if err != nil {
			return nil, &Error{Domain: domain, Err: err}
		}
		return b, nil
	}

	t := &Table{bundles: make(map[string]*Bundle)}
	for _, d := range append(append([]string(nil), domains...), LocalhostDomain) {
		if _, ok := t.bundles[d]; ok {
			continue
		}
		b, err := load(d)
		if err != nil {
			logger.Warn("skipping SNI certificate", "domain", d, "error", err)
			continue
		}
		t.bundles[d] = b
		t.order = append(t.order, d)
		logger.Debug("certificate loaded", "domain", d)
	}

	if len(domains) > 0 {
		t.def = t.bundles[domains[0]]
	}
	if t.def == nil {
		t.def = t.bundles[LocalhostDomain]
		if len(domains) > 0 && t.def != nil {
			logger.Warn("default certificate falls back to localhost", "domain", domains[0])
		}
	}
	if t.def == nil {
		return nil, &Error{Domain: LocalhostDomain, Err: errors.New("no default certificate could be produced")}
	}
	return t, nil
}

// Select implements the DefaultOnUnknownSNI policy: a server name with its own
// bundle gets that bundle, anything else (unknown or empty) gets the default.
// The handshake is never refused here; unmapped hosts are rejected at the
// HTTP layer. exact reports whether a dedicated bundle matched.
func (t *Table) Select(serverName string) (b *Bundle, exact bool) {
	name := strings.TrimSuffix(strings.ToLower(serverName), ".")
	if b, ok := t.bundles[name]; ok {
		return b, true
	}
	return t.def, false
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (t *Table) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	b, _ := t.Select(hello.ServerName)
	return &b.Certificate, nil
}

// Lookup returns the dedicated bundle for domain.
func (t *Table) Lookup(domain string) (*Bundle, bool) {
	b, ok := t.bundles[domain]
	return b, ok
}

// Default returns the default bundle.
func (t *Table) Default() *Bundle {
	return t.def
}

// Domains lists the loaded domains in load order.
func (t *Table) Domains() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
