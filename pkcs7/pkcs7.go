// Package pkcs7 parses the subset of RFC 2315 PKCS#7 SignedData used by
// Authenticode signatures and RFC 3161 timestamp tokens.
package pkcs7

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"
)

// OID data we need
var (
	OIDData                   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData             = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDAttributeContentType   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDAttributeMessageDigest = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDAttributeSigningTime   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDAttributeCounterSign   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}
	OIDTSTInfo                = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// Microsoft specific unauthenticated attributes.
	OIDAttributeTimestampToken   = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 3, 3, 1}
	OIDAttributeNestedSignatures = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 4, 1}
)

var (
	// ErrMalformed is returned for input that does not decode as the
	// expected ASN.1 structure.
	ErrMalformed = errors.New("malformed PKCS#7 structure")

	// ErrNotSignedData is returned when the outer content type is not
	// signed-data.
	ErrNotSignedData = errors.New("content is not PKCS#7 signed-data")

	ErrNoCertificate = errors.New("no valid certificates")
)

func malformed(msg string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, msg)
}

// PKCS7 is a parsed SignedData structure.
type PKCS7 struct {
	// OuterOID is the content type of the outer ContentInfo. It is nil for
	// bare SignedData input.
	OuterOID encasn1.ObjectIdentifier

	Version int64

	// OID is the content type of the encapsulated content.
	OID encasn1.ObjectIdentifier

	// ContentInfo is the complete encapsulated content element.
	ContentInfo []byte

	// Content holds the contents octets of the encapsulated content, which is
	// what the message digest attribute covers.
	Content []byte

	Certs               []*x509.Certificate
	DigestAlgorithms    []*pkix.AlgorithmIdentifier
	AlgorithmIdentifier *pkix.AlgorithmIdentifier
	SignerInfo          []*SignerInfo

	// Trailing holds any bytes following the DER structure.
	Trailing []byte
}

// Parse cryptobyte string to pkix.AlgorithmIdentifier
func ParseAlgorithmIdentifier(der *cryptobyte.String) (*pkix.AlgorithmIdentifier, error) {
	var ident pkix.AlgorithmIdentifier
	var s cryptobyte.String

	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return nil, malformed("no algorithmidentifier")
	}

	if !s.ReadASN1ObjectIdentifier(&ident.Algorithm) {
		return nil, malformed("missing algorithm identifier oid")
	}

	if s.Empty() {
		return &ident, nil
	}

	var params cryptobyte.String
	var tag asn1.Tag
	if !s.ReadAnyASN1Element(&params, &tag) {
		return nil, malformed("malformed algorithm parameters")
	}
	ident.Parameters = encasn1.RawValue{Tag: int(tag & 0x1f), FullBytes: params}
	return &ident, nil
}

func hasContentInfo(der *cryptobyte.String) (bool, error) {
	check := *der
	if !check.ReadASN1(&check, asn1.SEQUENCE) {
		return false, malformed("incorrect input")
	}
	if !check.PeekASN1Tag(asn1.OBJECT_IDENTIFIER) {
		return false, nil
	}
	return true, nil
}

// ParseContentInfo reads a ContentInfo and returns its type and the contents
// of the explicit [0] content field.
func ParseContentInfo(der *cryptobyte.String) (oid encasn1.ObjectIdentifier, content cryptobyte.String, err error) {
	var s cryptobyte.String

	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return nil, nil, malformed("no contentinfo")
	}

	if !s.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, malformed("no contentinfo oid")
	}

	if !s.ReadOptionalASN1(&content, nil, asn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, nil, malformed("no contentinfo content")
	}

	return
}

func parseCertificates(der *cryptobyte.String) ([]*x509.Certificate, error) {
	var raw cryptobyte.String
	if !der.ReadOptionalASN1(&raw, nil, asn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, malformed("no certificates")
	}
	if raw.Empty() {
		return nil, nil
	}
	certs, err := x509.ParseCertificates(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: failed parsing certificates: %v", ErrMalformed, err)
	}
	return certs, nil
}

// parseEncapsulatedContent reads the inner ContentInfo, keeping both the
// whole content element and its contents octets.
func parseEncapsulatedContent(der *cryptobyte.String, pkcs *PKCS7) error {
	oid, explicit, err := ParseContentInfo(der)
	if err != nil {
		return err
	}
	pkcs.OID = oid

	if explicit.Empty() {
		return nil
	}

	var element cryptobyte.String
	var tag asn1.Tag
	if !explicit.ReadAnyASN1Element(&element, &tag) {
		return malformed("malformed encapsulated content")
	}
	pkcs.ContentInfo = element

	inner := element
	if !inner.ReadAnyASN1(&inner, &tag) {
		return malformed("malformed encapsulated content")
	}
	pkcs.Content = inner
	return nil
}

// ParsePKCS7 parses a ContentInfo wrapping SignedData, or bare SignedData.
func ParsePKCS7(b []byte) (*PKCS7, error) {
	var pkcs PKCS7

	der := cryptobyte.String(b)
	var contentInfo cryptobyte.String
	if !der.ReadASN1Element(&contentInfo, asn1.SEQUENCE) {
		return nil, malformed("no outer sequence")
	}
	if !der.Empty() {
		pkcs.Trailing = bytes.Clone(der)
	}

	if ok, err := hasContentInfo(&contentInfo); ok {
		var oid encasn1.ObjectIdentifier
		oid, contentInfo, err = ParseContentInfo(&contentInfo)
		if err != nil {
			return nil, fmt.Errorf("failed parsing content info: %w", err)
		}
		if !oid.Equal(OIDSignedData) {
			return nil, fmt.Errorf("%w: got content type %v", ErrNotSignedData, oid)
		}
		pkcs.OuterOID = oid
	} else if err != nil {
		return nil, fmt.Errorf("failed checking content info: %w", err)
	}

	var signedData cryptobyte.String
	if !contentInfo.ReadASN1(&signedData, asn1.SEQUENCE) {
		return nil, malformed("no signed data")
	}

	if !signedData.ReadASN1Integer(&pkcs.Version) {
		return nil, malformed("no version")
	}

	var digest cryptobyte.String
	if !signedData.ReadASN1(&digest, asn1.SET) {
		return nil, malformed("no digest algorithms")
	}
	for !digest.Empty() {
		algid, err := ParseAlgorithmIdentifier(&digest)
		if err != nil {
			return nil, fmt.Errorf("failed parsing digest algorithm: %w", err)
		}
		pkcs.DigestAlgorithms = append(pkcs.DigestAlgorithms, algid)
	}
	if len(pkcs.DigestAlgorithms) == 0 {
		return nil, malformed("no digest algorithm")
	}
	pkcs.AlgorithmIdentifier = pkcs.DigestAlgorithms[0]

	if err := parseEncapsulatedContent(&signedData, &pkcs); err != nil {
		return nil, fmt.Errorf("failed parsing content info: %w", err)
	}

	certs, err := parseCertificates(&signedData)
	if err != nil {
		return nil, fmt.Errorf("failed parsing certificates: %w", err)
	}
	pkcs.Certs = certs

	// crls [1] IMPLICIT CertificateRevocationLists OPTIONAL
	if !signedData.SkipOptionalASN1(asn1.Tag(1).ContextSpecific().Constructed()) {
		return nil, malformed("malformed crls")
	}

	var signerInfo cryptobyte.String
	if !signedData.ReadASN1(&signerInfo, asn1.SET) {
		return nil, malformed("no signer info")
	}
	for !signerInfo.Empty() {
		si, err := parseSignerInfo(&signerInfo)
		if err != nil {
			return nil, fmt.Errorf("failed parsing signer info: %w", err)
		}
		pkcs.SignerInfo = append(pkcs.SignerInfo, si)
	}
	if len(pkcs.SignerInfo) == 0 {
		return nil, malformed("no signer info")
	}

	return &pkcs, nil
}

// FindCertificate returns the certificate matching the signer's issuer and
// serial number.
func (p *PKCS7) FindCertificate(si *SignerInfo) (*x509.Certificate, error) {
	for _, c := range p.Certs {
		if si.IsCertificate(c) {
			return c, nil
		}
	}
	return nil, ErrNoCertificate
}
