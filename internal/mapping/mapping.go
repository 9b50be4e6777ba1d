// Package mapping holds the domain to local port routing table.
package mapping

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Mapping associates a domain with the local port its application listens on.
type Mapping struct {
	Domain string
	Port   uint16
}

// ConfigError reports malformed or missing mapping data.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// New validates domain and port and returns a Mapping.
func New(domain string, port int) (Mapping, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return Mapping{}, err
	}
	if port < 1 || port > 65535 {
		return Mapping{}, &ConfigError{Field: "port", Value: strconv.Itoa(port), Err: fmt.Errorf("must be between 1 and 65535")}
	}
	return Mapping{Domain: d, Port: uint16(port)}, nil
}

// ParsePort parses a port given on the command line.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ConfigError{Field: "port", Value: s, Err: err}
	}
	if p < 1 || p > 65535 {
		return 0, &ConfigError{Field: "port", Value: s, Err: fmt.Errorf("must be between 1 and 65535")}
	}
	return p, nil
}

// NormalizeDomain lower-cases a hostname and converts it to its ASCII form.
// Ports, schemes and paths are rejected.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" {
		return "", &ConfigError{Field: "domain", Value: domain, Err: fmt.Errorf("empty")}
	}
	if strings.ContainsAny(d, ":/ ?#@") {
		return "", &ConfigError{Field: "domain", Value: domain, Err: fmt.Errorf("must be a bare hostname without scheme, port or path")}
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", &ConfigError{Field: "domain", Value: domain, Err: err}
	}
	return ascii, nil
}

// String returns "domain -> localhost:port".
func (m Mapping) String() string {
	return fmt.Sprintf("%s -> localhost:%d", m.Domain, m.Port)
}
