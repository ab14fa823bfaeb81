package authenticode

import (
	"crypto/hmac"
	"errors"
	"time"

	encasn1 "encoding/asn1"

	"github.com/foxboron/go-authenticode/pkcs7"
)

// CountersignatureKind tells how a countersignature is embedded.
type CountersignatureKind int

const (
	// PKCS9Countersignature is a countersigning SignerInfo.
	PKCS9Countersignature CountersignatureKind = iota
	// RFC3161Countersignature is a timestamp token.
	RFC3161Countersignature
)

func (k CountersignatureKind) String() string {
	if k == RFC3161Countersignature {
		return "RFC 3161"
	}
	return "PKCS#9"
}

// Countersignature is a timestamping authority's signature over the
// encrypted digest of a signer info.
type Countersignature struct {
	Kind       CountersignatureKind
	SignerInfo *pkcs7.SignerInfo
	// Certificates available for the timestamping authority's chain.
	Certificates []*Certificate
	// SigningTime is the time the authority vouches for.
	SigningTime time.Time
	// TSTInfo is set for RFC 3161 timestamps.
	TSTInfo *pkcs7.TSTInfo

	token *pkcs7.PKCS7
}

func parseCountersignature(sd *SignedData) (*Countersignature, error) {
	unauth := sd.SignerInfo.UnauthenticatedAttributes
	if unauth == nil {
		return nil, nil
	}

	switch {
	case len(unauth.CounterSignatures) > 0:
		si := unauth.CounterSignatures[0]
		if si.AuthenticatedAttributes == nil || si.AuthenticatedAttributes.SigningTime.IsZero() {
			return nil, newError(KindMalformedContainer, nil, "countersignature has no signing time")
		}
		return &Countersignature{
			Kind:         PKCS9Countersignature,
			SignerInfo:   si,
			Certificates: sd.Certificates,
			SigningTime:  si.AuthenticatedAttributes.SigningTime,
		}, nil

	case unauth.TimestampToken != nil:
		token, err := pkcs7.ParsePKCS7(unauth.TimestampToken)
		if err != nil {
			return nil, newError(KindMalformedContainer, err, "failed parsing timestamp token")
		}
		if !token.OID.Equal(pkcs7.OIDTSTInfo) {
			return nil, newError(KindMalformedContainer, nil, "timestamp token content type %v", token.OID)
		}
		info, err := pkcs7.ParseTimestampInfo(token.Content)
		if err != nil {
			return nil, newError(KindMalformedContainer, err, "failed parsing TSTInfo")
		}
		certs := newCertificates(token.Certs)
		return &Countersignature{
			Kind:         RFC3161Countersignature,
			SignerInfo:   token.SignerInfo[0],
			Certificates: append(certs, sd.Certificates...),
			SigningTime:  info.GenTime,
			TSTInfo:      info,
			token:        token,
		}, nil
	}
	return nil, nil
}

// signerCertificate returns the timestamping authority's certificate.
func (cs *Countersignature) signerCertificate() (*Certificate, error) {
	for _, c := range cs.Certificates {
		if cs.SignerInfo.IsCertificate(c.X509()) {
			return c, nil
		}
	}
	return nil, newError(KindSignerNotFound, nil, "no countersignature certificate for issuer %q serial %s",
		issuerName(cs.SignerInfo.IssuerAndSerialNumber.RawIssuer), cs.SignerInfo.IssuerAndSerialNumber.SerialNumber)
}

// Verify checks that the countersignature covers signature, the encrypted
// digest of the countersigned signer info, and that the authority chains to
// a timestamping anchor at the signing time. It returns the signing time.
func (cs *Countersignature) Verify(signature []byte, opts ...Option) (time.Time, error) {
	return cs.verify(signature, newVerifyConfig(opts))
}

func (cs *Countersignature) verify(signature []byte, cfg *Config) (time.Time, error) {
	cert, err := cs.signerCertificate()
	if err != nil {
		return time.Time{}, err
	}

	switch cs.Kind {
	case PKCS9Countersignature:
		if err := cs.SignerInfo.CheckMessageDigest(signature); err != nil {
			return time.Time{}, signatureError(err, "countersignature does not cover the signature")
		}
		if err := cs.SignerInfo.CheckSignature(cert.X509(), signature); err != nil {
			return time.Time{}, signatureError(err, "countersignature")
		}
	case RFC3161Countersignature:
		if err := cs.token.Verify(cs.SignerInfo, cert.X509()); err != nil {
			return time.Time{}, signatureError(err, "timestamp token")
		}
		if err := checkMessageImprint(cs.TSTInfo, signature); err != nil {
			return time.Time{}, err
		}
	}

	ctx := &VerificationContext{
		Store:             cfg.TimestampStore,
		Timestamp:         cs.SigningTime,
		ExtendedKeyUsages: []encasn1.ObjectIdentifier{OIDExtKeyUsageTimeStamping},
		Logger:            cfg.Logger.WithField("countersignature", cs.Kind.String()),
	}
	if _, err := ctx.BuildChains(cert, cs.Certificates...); err != nil {
		return time.Time{}, err
	}
	return cs.SigningTime, nil
}

func checkMessageImprint(info *pkcs7.TSTInfo, signature []byte) error {
	h, err := pkcs7.HashForOID(info.MessageImprint.HashAlgorithm.Algorithm)
	if err != nil {
		return newError(KindUnsupportedAlgorithm, err, "timestamp message imprint")
	}
	d := h.New()
	d.Write(signature)
	if !hmac.Equal(d.Sum(nil), info.MessageImprint.HashedMessage) {
		return newError(KindInvalidSignature, errors.New("message imprint mismatch"), "timestamp does not cover the signature")
	}
	return nil
}
