package pkcs7

import (
	"bytes"
	"crypto/hmac"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrNoAttributes is returned when an operation requires authenticated
	// attributes that the signer info does not carry.
	ErrNoAttributes = errors.New("signer info has no authenticated attributes")

	// ErrMessageDigestMismatch is returned when the message digest attribute
	// does not match the signed content.
	ErrMessageDigestMismatch = errors.New("message digest attribute does not match content")

	// ErrContentTypeMismatch is returned when the content type attribute does
	// not match the encapsulated content type.
	ErrContentTypeMismatch = errors.New("content type attribute does not match content")
)

// IssuerAndSerialNumber identifies a certificate.
type IssuerAndSerialNumber struct {
	RawIssuer    []byte
	SerialNumber *big.Int
}

func parseIssuerAndSerialNumber(der *cryptobyte.String) (*IssuerAndSerialNumber, error) {
	var s cryptobyte.String
	var ias IssuerAndSerialNumber
	var bi big.Int

	var issuer cryptobyte.String

	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return nil, malformed("no issuer and serial number")
	}
	if !s.ReadASN1Element(&issuer, asn1.SEQUENCE) {
		return nil, malformed("not a raw issuer")
	}
	ias.RawIssuer = issuer
	if !s.ReadASN1Integer(&bi) {
		return nil, malformed("no serial number")
	}
	ias.SerialNumber = &bi
	return &ias, nil
}

func parseEncryptedDigest(der *cryptobyte.String) ([]byte, error) {
	var encryptedDigest cryptobyte.String
	if !der.ReadASN1(&encryptedDigest, asn1.OCTET_STRING) {
		return nil, malformed("malformed encrypted digest")
	}
	return encryptedDigest, nil
}

// SignerInfo is a PKCS#7 SignerInfo. Countersignatures share the structure.
type SignerInfo struct {
	Version                   int64
	IssuerAndSerialNumber     *IssuerAndSerialNumber
	DigestAlgorithm           *pkix.AlgorithmIdentifier
	AuthenticatedAttributes   *Attributes
	EncryptedDigestAlgorithm  *pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes *UnauthenticatedAttributes
}

func parseSignerInfo(der *cryptobyte.String) (*SignerInfo, error) {
	var signerInfo cryptobyte.String
	var si SignerInfo

	if !der.ReadASN1(&signerInfo, asn1.SEQUENCE) {
		return nil, malformed("no signer info")
	}

	if !signerInfo.ReadASN1Integer(&si.Version) {
		return nil, malformed("no version")
	}

	ias, err := parseIssuerAndSerialNumber(&signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing issuer and serial number: %w", err)
	}
	si.IssuerAndSerialNumber = ias

	algid, err := ParseAlgorithmIdentifier(&signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing digest algorithm: %w", err)
	}
	si.DigestAlgorithm = algid

	attrs, err := parseAuthenticatedAttributes(&signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing attributes: %w", err)
	}
	si.AuthenticatedAttributes = attrs

	algid, err = ParseAlgorithmIdentifier(&signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing encrypted digest algorithm: %w", err)
	}
	si.EncryptedDigestAlgorithm = algid

	digest, err := parseEncryptedDigest(&signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing encrypted digest: %w", err)
	}
	si.EncryptedDigest = digest

	unauth, err := parseUnauthenticatedAttributes(&signerInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing unauthenticated attributes: %w", err)
	}
	si.UnauthenticatedAttributes = unauth

	if !signerInfo.Empty() {
		return nil, malformed("trailing data in signer info")
	}

	return &si, nil
}

// ParseSignerInfo parses a single DER encoded SignerInfo.
func ParseSignerInfo(b []byte) (*SignerInfo, error) {
	der := cryptobyte.String(b)
	return parseSignerInfo(&der)
}

// IsCertificate reports whether cert is the one identified by the signer info.
func (s *SignerInfo) IsCertificate(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, s.IssuerAndSerialNumber.RawIssuer) {
		return false
	}
	if cert.SerialNumber.Cmp(s.IssuerAndSerialNumber.SerialNumber) != 0 {
		return false
	}
	return true
}

// CheckMessageDigest compares the message digest attribute against the
// digest of content.
func (s *SignerInfo) CheckMessageDigest(content []byte) error {
	if s.AuthenticatedAttributes == nil {
		return ErrNoAttributes
	}
	h, err := HashForOID(s.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	d := h.New()
	d.Write(content)
	if !hmac.Equal(d.Sum(nil), s.AuthenticatedAttributes.MessageDigest) {
		return ErrMessageDigestMismatch
	}
	return nil
}

// SignedBytes returns the bytes covered by the encrypted digest: the DER SET
// OF authenticated attributes when present, otherwise content.
func (s *SignerInfo) SignedBytes(content []byte) []byte {
	if s.AuthenticatedAttributes != nil {
		return s.AuthenticatedAttributes.Raw
	}
	return content
}

// CheckSignature verifies the encrypted digest with the public key of cert.
func (s *SignerInfo) CheckSignature(cert *x509.Certificate, content []byte) error {
	h, err := HashForOID(s.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	return VerifySignature(cert.PublicKey, s.EncryptedDigestAlgorithm.Algorithm, h, s.SignedBytes(content), s.EncryptedDigest)
}

// Verify checks the signer info against the SignedData it belongs to: the
// content type and message digest attributes and the signature by cert.
func (p *PKCS7) Verify(si *SignerInfo, cert *x509.Certificate) error {
	if si.AuthenticatedAttributes != nil {
		if !si.AuthenticatedAttributes.ContentType.Equal(p.OID) {
			return fmt.Errorf("%w: %v != %v", ErrContentTypeMismatch, si.AuthenticatedAttributes.ContentType, p.OID)
		}
		if err := si.CheckMessageDigest(p.Content); err != nil {
			return err
		}
	}
	return si.CheckSignature(cert, p.Content)
}
