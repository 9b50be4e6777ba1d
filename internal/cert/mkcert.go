package cert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// MkcertIssuer shells out to mkcert, which signs certificates with a CA that
// mkcert has installed into the system trust store.
type MkcertIssuer struct {
	Dir    string
	Binary string
}

// NewMkcertIssuer returns an issuer storing files in dir.
func NewMkcertIssuer(dir string) *MkcertIssuer {
	return &MkcertIssuer{Dir: dir, Binary: "mkcert"}
}

func (m *MkcertIssuer) EnsureAvailable() error {
	if _, err := exec.LookPath(m.Binary); err != nil {
		return fmt.Errorf("mkcert is required but not found. Please install mkcert and run 'mkcert -install': %w", err)
	}
	return nil
}

func (m *MkcertIssuer) Paths(domain string) Paths {
	return filePaths(m.Dir, domain)
}

func (m *MkcertIssuer) Have(domain string) bool {
	return exists(m.Paths(domain))
}

func (m *MkcertIssuer) Generate(ctx context.Context, domain string) (Paths, error) {
	p := m.Paths(domain)
	if exists(p) {
		return p, nil
	}
	if err := m.EnsureAvailable(); err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return Paths{}, err
	}

	cmd := exec.CommandContext(ctx, m.Binary, "-cert-file", p.Cert, "-key-file", p.Key, domain)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Paths{}, fmt.Errorf("failed to generate certificate for %s via mkcert: %w: %s", domain, err, strings.TrimSpace(stderr.String()))
	}
	return p, nil
}

// CACertPEM returns mkcert's root certificate.
func (m *MkcertIssuer) CACertPEM(ctx context.Context) ([]byte, error) {
	out, err := exec.CommandContext(ctx, m.Binary, "-CAROOT").Output()
	if err != nil {
		return nil, fmt.Errorf("could not locate mkcert CA root: %w", err)
	}
	return os.ReadFile(filepath.Join(strings.TrimSpace(string(out)), "rootCA.pem"))
}
