package authenticode

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"

	encasn1 "encoding/asn1"

	"github.com/sirupsen/logrus"

	"github.com/foxboron/go-authenticode/pkcs7"
)

// SignedData is a parsed Authenticode signature.
type SignedData struct {
	// DigestAlgorithm is the hash of the image digest.
	DigestAlgorithm crypto.Hash
	// ExpectedDigest is the image digest the signer signed.
	ExpectedDigest []byte
	// Certificates bundled with the signature, in encoding order.
	Certificates []*Certificate
	SignerInfo   *pkcs7.SignerInfo
	// Countersignature is nil when the signature is not timestamped.
	Countersignature *Countersignature
	// TrailingBytes follow the DER structure in the certificate table entry.
	TrailingBytes []byte

	Indirect *SpcIndirectDataContent
	// OpusInfo is nil when the signer did not describe the program.
	OpusInfo *SpcSpOpusInfo
	// Nested signatures carried as an unauthenticated attribute.
	Nested []*SignedData

	PKCS7 *pkcs7.PKCS7
	Raw   []byte

	file *SignedPEFile
}

// ParseSignedData parses an Authenticode signature from the contents of a
// certificate table entry.
func ParseSignedData(blob []byte) (*SignedData, error) {
	p, err := pkcs7.ParsePKCS7(blob)
	if err != nil {
		if errors.Is(err, pkcs7.ErrUnsupportedAlgorithm) {
			return nil, newError(KindUnsupportedAlgorithm, err, "failed parsing signature")
		}
		return nil, newError(KindMalformedContainer, err, "failed parsing signature")
	}

	switch {
	case p.OuterOID == nil:
		return nil, newError(KindMalformedContainer, nil, "signature is not wrapped in a ContentInfo")
	case !p.OID.Equal(OIDSpcIndirectDataContent):
		return nil, newError(KindMalformedContainer, nil, "not an authenticode signature: content type %v", p.OID)
	case len(p.SignerInfo) != 1:
		return nil, newError(KindMalformedContainer, nil, "expected one signer info, got %d", len(p.SignerInfo))
	case len(p.Certs) == 0:
		return nil, newError(KindMalformedContainer, nil, "signature carries no certificates")
	case p.SignerInfo[0].AuthenticatedAttributes == nil:
		return nil, newError(KindMalformedContainer, nil, "signer info has no authenticated attributes")
	}

	sd := &SignedData{
		Certificates:  newCertificates(p.Certs),
		SignerInfo:    p.SignerInfo[0],
		TrailingBytes: p.Trailing,
		PKCS7:         p,
		Raw:           blob,
	}

	sd.DigestAlgorithm, err = pkcs7.HashForOID(p.AlgorithmIdentifier.Algorithm)
	if err != nil {
		return nil, newError(KindUnsupportedAlgorithm, err, "signed data digest algorithm")
	}

	sd.Indirect, err = ParseSpcIndirectDataContent(p.Content)
	if err != nil {
		return nil, newError(KindMalformedContainer, err, "failed parsing SpcIndirectDataContent")
	}
	if err := sd.checkDigestAlgorithms(); err != nil {
		return nil, err
	}
	sd.ExpectedDigest = sd.Indirect.Digest

	if v, ok := sd.SignerInfo.AuthenticatedAttributes.Get(OIDSpcSpOpusInfo); ok {
		// OpusInfo is descriptive, an undecodable value is dropped.
		if info, err := ParseSpcSpOpusInfo(v); err != nil {
			logrus.WithError(err).Debug("ignoring undecodable SpcSpOpusInfo")
		} else {
			sd.OpusInfo = info
		}
	}

	sd.Countersignature, err = parseCountersignature(sd)
	if err != nil {
		return nil, err
	}

	if unauth := sd.SignerInfo.UnauthenticatedAttributes; unauth != nil {
		for i, b := range unauth.NestedSignatures {
			nested, err := ParseSignedData(b)
			if err != nil {
				return nil, fmt.Errorf("nested signature %d: %w", i, err)
			}
			sd.Nested = append(sd.Nested, nested)
		}
	}
	return sd, nil
}

// checkDigestAlgorithms checks that the signed data, the signer info and the
// image digest agree on the hash.
func (sd *SignedData) checkDigestAlgorithms() error {
	for _, alg := range []struct {
		name string
		oid  encasn1.ObjectIdentifier
	}{
		{"signer info", sd.SignerInfo.DigestAlgorithm.Algorithm},
		{"image digest", sd.Indirect.DigestAlgorithm.Algorithm},
	} {
		h, err := pkcs7.HashForOID(alg.oid)
		if err != nil {
			return newError(KindUnsupportedAlgorithm, err, "%s digest algorithm", alg.name)
		}
		if h != sd.DigestAlgorithm {
			return newError(KindMalformedContainer, nil, "%s digest algorithm %v does not match %v", alg.name, h, sd.DigestAlgorithm)
		}
	}
	if len(sd.Indirect.Digest) != sd.DigestAlgorithm.Size() {
		return newError(KindMalformedContainer, nil, "image digest is %d bytes, expected %d", len(sd.Indirect.Digest), sd.DigestAlgorithm.Size())
	}
	return nil
}

// SignerCertificate returns the bundled certificate named by the signer info.
func (sd *SignedData) SignerCertificate() (*Certificate, error) {
	for _, c := range sd.Certificates {
		if sd.SignerInfo.IsCertificate(c.X509()) {
			return c, nil
		}
	}
	return nil, newError(KindSignerNotFound, nil, "no certificate for issuer %q serial %s",
		issuerName(sd.SignerInfo.IssuerAndSerialNumber.RawIssuer), sd.SignerInfo.IssuerAndSerialNumber.SerialNumber)
}

// HasTrailingBytes reports whether anything other than zero padding follows
// the DER structure.
func (sd *SignedData) HasTrailingBytes() bool {
	return len(bytes.TrimRight(sd.TrailingBytes, "\x00")) > 0
}

// signatureError classifies a failed signer info check.
func signatureError(err error, format string, args ...any) *Error {
	if errors.Is(err, pkcs7.ErrUnsupportedAlgorithm) {
		return newError(KindUnsupportedAlgorithm, err, format, args...)
	}
	return newError(KindInvalidSignature, err, format, args...)
}
