package cert

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// LocalCAIssuer signs host certificates with its own root CA kept in Dir.
// Clients must trust ca.crt (see the export-ca command).
type LocalCAIssuer struct {
	Dir string

	mu    sync.Mutex
	ca    *x509.Certificate
	caKey *rsa.PrivateKey
}

// NewLocalCAIssuer returns an issuer storing the CA and host files in dir.
func NewLocalCAIssuer(dir string) *LocalCAIssuer {
	return &LocalCAIssuer{Dir: dir}
}

// EnsureAvailable loads the CA, creating it on first use.
func (i *LocalCAIssuer) EnsureAvailable() error {
	_, _, err := i.loadCA()
	return err
}

func (i *LocalCAIssuer) Paths(domain string) Paths {
	return filePaths(i.Dir, domain)
}

func (i *LocalCAIssuer) Have(domain string) bool {
	return exists(i.Paths(domain))
}

func (i *LocalCAIssuer) Generate(ctx context.Context, domain string) (Paths, error) {
	p := i.Paths(domain)
	if exists(p) {
		return p, nil
	}
	if err := ctx.Err(); err != nil {
		return Paths{}, err
	}
	ca, caKey, err := i.loadCA()
	if err != nil {
		return Paths{}, err
	}
	hostCert, hostKey, err := GenerateHostCert(ca, caKey, domain)
	if err != nil {
		return Paths{}, err
	}
	if err := writePEM(p.Cert, "CERTIFICATE", hostCert.Raw, 0644); err != nil {
		return Paths{}, err
	}
	if err := writePEM(p.Key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(hostKey), 0600); err != nil {
		return Paths{}, err
	}
	return p, nil
}

// CA returns the root certificate.
func (i *LocalCAIssuer) CA() (*x509.Certificate, error) {
	ca, _, err := i.loadCA()
	return ca, err
}

// CACertPEM returns the root certificate as PEM.
func (i *LocalCAIssuer) CACertPEM(ctx context.Context) ([]byte, error) {
	ca, err := i.CA()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw}), nil
}

// loadCA loads the CA from disk, generating and saving one if absent.
func (i *LocalCAIssuer) loadCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ca != nil {
		return i.ca, i.caKey, nil
	}

	if err := os.MkdirAll(i.Dir, 0755); err != nil {
		return nil, nil, err
	}
	certPath := filepath.Join(i.Dir, caCertFile)
	keyPath := filepath.Join(i.Dir, caKeyFile)

	if _, err := os.Stat(certPath); errors.Is(err, os.ErrNotExist) {
		ca, key, err := GenerateCA()
		if err != nil {
			return nil, nil, err
		}
		if err := writePEM(certPath, "CERTIFICATE", ca.Raw, 0644); err != nil {
			return nil, nil, err
		}
		if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
			return nil, nil, err
		}
		i.ca, i.caKey = ca, key
		return ca, key, nil
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	certBlock, _ := pem.Decode(certPEM)
	keyBlock, _ := pem.Decode(keyPEM)
	if certBlock == nil || keyBlock == nil {
		return nil, nil, fmt.Errorf("CA files in %s are not valid PEM", i.Dir)
	}
	ca, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	i.ca, i.caKey = ca, key
	return ca, key, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// GenerateCA creates a new root Certificate Authority certificate and private key.
func GenerateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"localhttps"},
			CommonName:   "localhttps development CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	ca, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, err
	}
	return ca, priv, nil
}

// GenerateHostCert creates a new host certificate signed by the provided CA.
func GenerateHostCert(ca *x509.Certificate, caPriv *rsa.PrivateKey, host string) (*x509.Certificate, *rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"localhttps"},
			CommonName:   host,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, host)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, ca, &priv.PublicKey, caPriv)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, priv, nil
}
