// Package cert obtains per-domain certificates from an issuer and builds the
// run-scoped certificate table used for SNI selection.
package cert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Paths locates the PEM files of one domain.
type Paths struct {
	Cert string
	Key  string
}

// Issuer produces certificate and key files for a domain.
type Issuer interface {
	// EnsureAvailable checks that the issuer can generate certificates.
	EnsureAvailable() error
	// Generate creates the files for domain unless they already exist.
	Generate(ctx context.Context, domain string) (Paths, error)
	// Have reports whether both files for domain exist.
	Have(domain string) bool
	// Paths returns where the files for domain live.
	Paths(domain string) Paths
}

// CAExporter is implemented by issuers whose root certificate can be exported.
type CAExporter interface {
	CACertPEM(ctx context.Context) ([]byte, error)
}

// Error reports that a domain's certificate could not be produced or loaded.
type Error struct {
	Domain string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("certificate for %s: %v", e.Domain, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// filePaths is the naming shared by every issuer: DIR/DOMAIN.pem and DIR/DOMAIN-key.pem.
func filePaths(dir, domain string) Paths {
	return Paths{
		Cert: filepath.Join(dir, domain+".pem"),
		Key:  filepath.Join(dir, domain+"-key.pem"),
	}
}

func exists(p Paths) bool {
	if _, err := os.Stat(p.Cert); err != nil {
		return false
	}
	if _, err := os.Stat(p.Key); err != nil {
		return false
	}
	return true
}
