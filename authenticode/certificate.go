package authenticode

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	encasn1 "encoding/asn1"
)

// Extended key usage OIDs, RFC 5280 section 4.2.1.12.
var (
	OIDExtKeyUsageAny             = encasn1.ObjectIdentifier{2, 5, 29, 37, 0}
	OIDExtKeyUsageServerAuth      = encasn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	OIDExtKeyUsageClientAuth      = encasn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	OIDExtKeyUsageCodeSigning     = encasn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	OIDExtKeyUsageEmailProtection = encasn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
	OIDExtKeyUsageTimeStamping    = encasn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	OIDExtKeyUsageOCSPSigning     = encasn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
)

var extKeyUsageOIDs = map[x509.ExtKeyUsage]encasn1.ObjectIdentifier{
	x509.ExtKeyUsageAny:             OIDExtKeyUsageAny,
	x509.ExtKeyUsageServerAuth:      OIDExtKeyUsageServerAuth,
	x509.ExtKeyUsageClientAuth:      OIDExtKeyUsageClientAuth,
	x509.ExtKeyUsageCodeSigning:     OIDExtKeyUsageCodeSigning,
	x509.ExtKeyUsageEmailProtection: OIDExtKeyUsageEmailProtection,
	x509.ExtKeyUsageTimeStamping:    OIDExtKeyUsageTimeStamping,
	x509.ExtKeyUsageOCSPSigning:     OIDExtKeyUsageOCSPSigning,
}

// Certificate is an immutable X.509 certificate. Two certificates are the
// same when their issuer and serial number match.
type Certificate struct {
	cert *x509.Certificate

	selfSignedOnce sync.Once
	selfSigned     bool
}

// NewCertificate wraps a parsed X.509 certificate.
func NewCertificate(cert *x509.Certificate) *Certificate {
	return &Certificate{cert: cert}
}

func newCertificates(certs []*x509.Certificate) []*Certificate {
	out := make([]*Certificate, len(certs))
	for i, c := range certs {
		out[i] = NewCertificate(c)
	}
	return out
}

// ParseCertificates parses PEM encoded certificates, or DER when data holds
// no PEM block.
func ParseCertificates(data []byte) ([]*Certificate, error) {
	var certs []*Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed parsing certificate: %w", err)
		}
		certs = append(certs, NewCertificate(c))
	}
	if len(certs) > 0 {
		return certs, nil
	}

	parsed, err := x509.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("failed parsing certificate: %w", err)
	}
	if len(parsed) == 0 {
		return nil, errors.New("no certificates found")
	}
	return newCertificates(parsed), nil
}

// X509 returns the underlying certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

func (c *Certificate) Issuer() pkix.Name {
	return c.cert.Issuer
}

func (c *Certificate) Subject() pkix.Name {
	return c.cert.Subject
}

func (c *Certificate) SerialNumber() *big.Int {
	return c.cert.SerialNumber
}

// ValidFrom returns the start of the validity period.
func (c *Certificate) ValidFrom() time.Time {
	return c.cert.NotBefore
}

// ValidTo returns the end of the validity period.
func (c *Certificate) ValidTo() time.Time {
	return c.cert.NotAfter
}

func (c *Certificate) PublicKey() crypto.PublicKey {
	return c.cert.PublicKey
}

func (c *Certificate) SignatureAlgorithm() x509.SignatureAlgorithm {
	return c.cert.SignatureAlgorithm
}

func (c *Certificate) Signature() []byte {
	return c.cert.Signature
}

// ExtendedKeyUsages returns the extended key usage OIDs. The result is empty
// when the certificate does not restrict its usage.
func (c *Certificate) ExtendedKeyUsages() []encasn1.ObjectIdentifier {
	var oids []encasn1.ObjectIdentifier
	for _, u := range c.cert.ExtKeyUsage {
		if oid, ok := extKeyUsageOIDs[u]; ok {
			oids = append(oids, oid)
		}
	}
	return append(oids, c.cert.UnknownExtKeyUsage...)
}

// AllowsExtendedKeyUsage reports whether the certificate may be used for oid.
func (c *Certificate) AllowsExtendedKeyUsage(oid encasn1.ObjectIdentifier) bool {
	usages := c.ExtendedKeyUsages()
	if len(usages) == 0 {
		return true
	}
	for _, u := range usages {
		if u.Equal(oid) || u.Equal(OIDExtKeyUsageAny) {
			return true
		}
	}
	return false
}

// VerifySignatureBy checks that issuer's key produced the certificate's
// signature. SHA-1 signatures are accepted.
func (c *Certificate) VerifySignatureBy(issuer *Certificate) error {
	return issuer.cert.CheckSignature(c.cert.SignatureAlgorithm, c.cert.RawTBSCertificate, c.cert.Signature)
}

// SelfSigned reports whether the certificate is issued by its own subject and
// verifies with its own key.
func (c *Certificate) SelfSigned() bool {
	c.selfSignedOnce.Do(func() {
		c.selfSigned = c.selfIssued() && c.VerifySignatureBy(c) == nil
	})
	return c.selfSigned
}

func (c *Certificate) selfIssued() bool {
	return bytes.Equal(c.cert.RawIssuer, c.cert.RawSubject)
}

// Covers reports whether t lies within the validity period, both ends
// included.
func (c *Certificate) Covers(t time.Time) bool {
	return !t.Before(c.cert.NotBefore) && !t.After(c.cert.NotAfter)
}

// Equal reports whether both certificates have the same issuer and serial
// number.
func (c *Certificate) Equal(o *Certificate) bool {
	return c.key() == o.key()
}

func (c *Certificate) key() string {
	return issuerSerialKey(c.cert.RawIssuer, c.cert.SerialNumber)
}

func issuerSerialKey(rawIssuer []byte, serial *big.Int) string {
	return string(rawIssuer) + "\x00" + serial.String()
}

// issuerName renders a DER encoded name for messages.
func issuerName(raw []byte) string {
	var rdn pkix.RDNSequence
	if _, err := encasn1.Unmarshal(raw, &rdn); err != nil {
		return fmt.Sprintf("%x", raw)
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name.String()
}

func (c *Certificate) String() string {
	return fmt.Sprintf("%s (serial %s, issuer %s)", c.cert.Subject, c.cert.SerialNumber, c.cert.Issuer)
}

// Verify builds every chain from the certificate to a trust anchor of ctx.
func (c *Certificate) Verify(ctx *VerificationContext) ([][]*Certificate, error) {
	return ctx.BuildChains(c)
}
