package authenticode

import (
	"bytes"
	"fmt"
	"math/big"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// CertificateStore is an ordered set of certificates keyed by issuer and
// serial number. A trusted store holds trust anchors.
type CertificateStore struct {
	trusted bool
	certs   []*Certificate
	index   map[string]*Certificate
}

// NewCertificateStore returns an untrusted store. Chains never terminate in
// an untrusted store.
func NewCertificateStore(certs ...*Certificate) *CertificateStore {
	s := &CertificateStore{index: make(map[string]*Certificate)}
	for _, c := range certs {
		s.Append(c)
	}
	return s
}

// NewTrustedCertificateStore returns a store of trust anchors.
func NewTrustedCertificateStore(certs ...*Certificate) *CertificateStore {
	s := NewCertificateStore(certs...)
	s.trusted = true
	return s
}

// Append adds c to the store. It returns false when a certificate with the
// same issuer and serial number is already present.
func (s *CertificateStore) Append(c *Certificate) bool {
	k := c.key()
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = c
	s.certs = append(s.certs, c)
	return true
}

// Contains reports whether a certificate with the issuer and serial number
// of c is in the store.
func (s *CertificateStore) Contains(c *Certificate) bool {
	_, ok := s.index[c.key()]
	return ok
}

func (s *CertificateStore) FindByIssuerSerial(rawIssuer []byte, serial *big.Int) (*Certificate, bool) {
	c, ok := s.index[issuerSerialKey(rawIssuer, serial)]
	return c, ok
}

// FindBySubject returns every certificate whose subject is rawSubject, in
// insertion order.
func (s *CertificateStore) FindBySubject(rawSubject []byte) []*Certificate {
	var out []*Certificate
	for _, c := range s.certs {
		if bytes.Equal(c.cert.RawSubject, rawSubject) {
			out = append(out, c)
		}
	}
	return out
}

// Certificates returns the certificates in insertion order.
func (s *CertificateStore) Certificates() []*Certificate {
	return append([]*Certificate(nil), s.certs...)
}

func (s *CertificateStore) Len() int {
	return len(s.certs)
}

func (s *CertificateStore) Trusted() bool {
	return s.trusted
}

var certificateExtensions = map[string]bool{
	".pem": true,
	".crt": true,
	".cer": true,
	".der": true,
}

// LoadCertificateStore reads every certificate file in dir.
func LoadCertificateStore(fs afero.Fs, dir string, trusted bool) (*CertificateStore, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed reading certificate directory: %w", err)
	}
	s := NewCertificateStore()
	s.trusted = trusted
	for _, entry := range entries {
		if entry.IsDir() || !certificateExtensions[strings.ToLower(path.Ext(entry.Name()))] {
			continue
		}
		name := path.Join(dir, entry.Name())
		b, err := afero.ReadFile(fs, name)
		if err != nil {
			return nil, fmt.Errorf("failed reading %s: %w", name, err)
		}
		certs, err := ParseCertificates(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, c := range certs {
			s.Append(c)
		}
	}
	return s, nil
}
