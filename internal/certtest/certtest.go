// Package certtest provides test helper functions for certificate generation
package certtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// Pair is a certificate together with its private key.
type Pair struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

type config struct {
	notBefore time.Time
	notAfter  time.Time
	isCA      bool
	keyUsage  x509.KeyUsage
	extUsage  []x509.ExtKeyUsage
	ecdsa     bool
	sigAlg    x509.SignatureAlgorithm
	key       crypto.Signer
}

// Option changes the certificate template.
type Option func(*config)

// WithValidity sets NotBefore and NotAfter.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(c *config) {
		c.notBefore = notBefore
		c.notAfter = notAfter
	}
}

// WithCA marks the certificate as a certificate authority.
func WithCA() Option {
	return func(c *config) {
		c.isCA = true
		c.keyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
}

// WithKeyUsage overrides the key usage bits.
func WithKeyUsage(ku x509.KeyUsage) Option {
	return func(c *config) {
		c.keyUsage = ku
	}
}

// WithExtKeyUsage sets the extended key usages.
func WithExtKeyUsage(eku ...x509.ExtKeyUsage) Option {
	return func(c *config) {
		c.extUsage = eku
	}
}

// WithECDSA uses a P-256 key instead of RSA.
func WithECDSA() Option {
	return func(c *config) {
		c.ecdsa = true
	}
}

// WithSignatureAlgorithm sets the algorithm the issuer signs with.
func WithSignatureAlgorithm(alg x509.SignatureAlgorithm) Option {
	return func(c *config) {
		c.sigAlg = alg
	}
}

// WithKey reuses an existing key for the subject.
func WithKey(key crypto.Signer) Option {
	return func(c *config) {
		c.key = key
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		notBefore: time.Now().Add(-time.Hour),
		notAfter:  time.Now().Add(365 * 24 * time.Hour),
		keyUsage:  x509.KeyUsageDigitalSignature,
	}
	for _, optFunc := range opts {
		optFunc(c)
	}
	return c
}

func (c *config) newKey(t testing.TB) crypto.Signer {
	t.Helper()
	if c.key != nil {
		return c.key
	}
	if c.ecdsa {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("Failed to generate key: %v", err)
		}
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	return n.Add(n, big.NewInt(1))
}

func (c *config) template(t testing.TB, name string) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: serial(t),
		Subject: pkix.Name{
			CommonName:   name,
			Organization: []string{"go-authenticode test"},
			Country:      []string{"US"},
		},
		NotBefore:             c.notBefore,
		NotAfter:              c.notAfter,
		KeyUsage:              c.keyUsage,
		ExtKeyUsage:           c.extUsage,
		BasicConstraintsValid: true,
		IsCA:                  c.isCA,
		SignatureAlgorithm:    c.sigAlg,
	}
}

func create(t testing.TB, template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// MkRoot creates a self-signed certificate authority.
func MkRoot(t testing.TB, name string, opts ...Option) *Pair {
	t.Helper()
	c := newConfig(append([]Option{WithCA()}, opts...))
	key := c.newKey(t)
	tmpl := c.template(t, name)
	return &Pair{Cert: create(t, tmpl, tmpl, key.Public(), key), Key: key}
}

// Issue creates a certificate for a new subject signed by p.
func (p *Pair) Issue(t testing.TB, name string, opts ...Option) *Pair {
	t.Helper()
	c := newConfig(opts)
	key := c.newKey(t)
	return &Pair{Cert: create(t, c.template(t, name), p.Cert, key.Public(), p.Key), Key: key}
}

// CrossSign certifies the subject and key of sub with p, as a cross
// certificate does.
func (p *Pair) CrossSign(t testing.TB, sub *Pair, opts ...Option) *Pair {
	t.Helper()
	c := newConfig(append([]Option{WithCA()}, opts...))
	tmpl := c.template(t, "")
	tmpl.Subject = sub.Cert.Subject
	tmpl.RawSubject = sub.Cert.RawSubject
	return &Pair{Cert: create(t, tmpl, p.Cert, sub.Key.Public(), p.Key), Key: sub.Key}
}
