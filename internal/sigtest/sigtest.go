// Package sigtest creates Authenticode signatures for tests.
package sigtest

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"

	"github.com/foxboron/go-authenticode/internal/certtest"
	"github.com/foxboron/go-authenticode/internal/petest"
	"github.com/foxboron/go-authenticode/pecoff"
	"github.com/foxboron/go-authenticode/pkcs7"
)

var (
	OIDSpcIndirectDataContent = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}
	OIDSpcPEImageDataObjID    = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
	OIDSpcSpOpusInfo          = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}
	oidTSAPolicy              = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 601, 10, 3, 1}
)

// TimestampKind selects how a countersignature is embedded.
type TimestampKind int

const (
	// PKCS9 embeds a countersigning SignerInfo.
	PKCS9 TimestampKind = iota
	// RFC3161 embeds a timestamp token.
	RFC3161
)

// Timestamper countersigns signatures.
type Timestamper struct {
	*certtest.Pair
	// Certificates embedded next to the TSA certificate.
	Chain []*x509.Certificate
	Time  time.Time
	Kind  TimestampKind
}

type config struct {
	hash          crypto.Hash
	chain         []*x509.Certificate
	omitSigner    bool
	timestamper   *Timestamper
	trailing      []byte
	nested        [][]byte
	programName   string
	moreInfo      string
	rawOpusInfo   []byte
	corruptSig    bool
	corruptDigest bool
}

// Option configures a signature.
type Option func(*config)

// WithHash selects the digest algorithm, SHA-256 by default.
func WithHash(h crypto.Hash) Option {
	return func(c *config) {
		c.hash = h
	}
}

// WithChain embeds extra certificates next to the signer certificate.
func WithChain(certs ...*x509.Certificate) Option {
	return func(c *config) {
		c.chain = append(c.chain, certs...)
	}
}

// WithoutSignerCertificate leaves the signer certificate out of the
// signature.
func WithoutSignerCertificate() Option {
	return func(c *config) {
		c.omitSigner = true
	}
}

// WithTimestamp countersigns the signature.
func WithTimestamp(ts *Timestamper) Option {
	return func(c *config) {
		c.timestamper = ts
	}
}

// WithTrailing appends bytes after the DER structure.
func WithTrailing(b []byte) Option {
	return func(c *config) {
		c.trailing = b
	}
}

// WithNested adds a nested signature.
func WithNested(blob []byte) Option {
	return func(c *config) {
		c.nested = append(c.nested, blob)
	}
}

// WithOpusInfo adds the SpcSpOpusInfo attribute.
func WithOpusInfo(programName, moreInfo string) Option {
	return func(c *config) {
		c.programName = programName
		c.moreInfo = moreInfo
	}
}

// WithRawOpusInfo sets the SpcSpOpusInfo attribute value verbatim.
func WithRawOpusInfo(b []byte) Option {
	return func(c *config) {
		c.rawOpusInfo = b
	}
}

// WithCorruptSignature flips a bit in the encrypted digest.
func WithCorruptSignature() Option {
	return func(c *config) {
		c.corruptSig = true
	}
}

// WithCorruptDigest flips a bit in the embedded image digest.
func WithCorruptDigest() Option {
	return func(c *config) {
		c.corruptDigest = true
	}
}

func hashOf(h crypto.Hash, b []byte) []byte {
	d := h.New()
	d.Write(b)
	return d.Sum(nil)
}

func sign(t testing.TB, key crypto.Signer, h crypto.Hash, b []byte) []byte {
	t.Helper()
	sig, err := key.Sign(rand.Reader, hashOf(h, b), h)
	if err != nil {
		t.Fatalf("failed signing: %v", err)
	}
	return sig
}

func encryptionOID(key crypto.Signer) encasn1.ObjectIdentifier {
	if _, ok := key.Public().(*ecdsa.PublicKey); ok {
		return pkcs7.OIDEncryptionAlgorithmECDSASHA256
	}
	return pkcs7.OIDEncryptionAlgorithmRSA
}

func digestOID(t testing.TB, h crypto.Hash) encasn1.ObjectIdentifier {
	t.Helper()
	oid, err := pkcs7.OIDForHash(h)
	if err != nil {
		t.Fatal(err)
	}
	return oid
}

type attribute struct {
	oid   encasn1.ObjectIdentifier
	value []byte
}

type signerInfo struct {
	cert   *x509.Certificate
	key    crypto.Signer
	hash   crypto.Hash
	attrs  []byte
	sig    []byte
	unauth []attribute
}

func (s *signerInfo) add(t testing.TB, b *cryptobyte.Builder) {
	// SignerInfo ::= SEQUENCE
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)

		// issuerAndSerialNumber IssuerAndSerialNumber
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddBytes(s.cert.RawIssuer)
			b.AddASN1BigInt(s.cert.SerialNumber)
		})

		// digestAlgorithm DigestAlgorithmIdentifier
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(digestOID(t, s.hash))
			b.AddASN1NULL()
		})

		// authenticatedAttributes [0] IMPLICIT Attributes OPTIONAL
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			attrsOuter := cryptobyte.String(s.attrs)
			var attrsInner cryptobyte.String
			attrsOuter.ReadASN1(&attrsInner, asn1.SET)
			b.AddBytes(attrsInner)
		})

		// digestEncryptionAlgorithm DigestEncryptionAlgorithmIdentifier
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			oid := encryptionOID(s.key)
			b.AddASN1ObjectIdentifier(oid)
			if oid.Equal(pkcs7.OIDEncryptionAlgorithmRSA) {
				b.AddASN1NULL()
			}
		})

		// encryptedDigest EncryptedDigest
		b.AddASN1OctetString(s.sig)

		// unauthenticatedAttributes [1] IMPLICIT Attributes OPTIONAL
		if len(s.unauth) > 0 {
			b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				for _, attr := range s.unauth {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(attr.oid)
						b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
							b.AddBytes(attr.value)
						})
					})
				}
			})
		}
	})
}

// signedData builds a ContentInfo wrapping SignedData. The content is
// wrapped in an element with contentTag.
func signedData(t testing.TB, oid encasn1.ObjectIdentifier, contentTag asn1.Tag, content []byte, certs []*x509.Certificate, si *signerInfo) []byte {
	t.Helper()
	var contentInfo cryptobyte.Builder

	// ContentInfo ::= SEQUENCE
	contentInfo.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(pkcs7.OIDSignedData)

		// content [0] EXPLICIT DEFINED BY contentType OPTIONAL
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {

			// SignedData ::= SEQUENCE
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(1)

				// digestAlgorithms DigestAlgorithmIdentifiers,
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(digestOID(t, si.hash))
						b.AddASN1NULL()
					})
				})

				// contentInfo ContentInfo
				b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oid)
					b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						b.AddASN1(contentTag, func(b *cryptobyte.Builder) {
							b.AddBytes(content)
						})
					})
				})

				// certificates [0] IMPLICIT ExtendedCertificatesAndCertificates OPTIONAL
				if len(certs) > 0 {
					b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						for _, c := range certs {
							b.AddBytes(c.Raw)
						}
					})
				}

				// signerInfos SignerInfos
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					si.add(t, b)
				})
			})
		})
	})

	out, err := contentInfo.Bytes()
	if err != nil {
		t.Fatalf("failed building SignedData: %v", err)
	}
	return out
}

// CreateSpcIndirectDataContent creates the contents of the
// SpcIndirectDataContent structure for a PE image digest.
func CreateSpcIndirectDataContent(t testing.TB, digest []byte, alg crypto.Hash) []byte {
	t.Helper()
	var b cryptobyte.Builder

	//		data           SpcAttributeTypeAndOptionalValue,
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(OIDSpcPEImageDataObjID)

		//	SpcPeImageData ::= SEQUENCE {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			//		flags                   SpcPeImageFlags DEFAULT { includeResources },
			b.AddASN1BitString(nil)

			//		file                    SpcLink
			b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				//		file                    [2] EXPLICIT SpcString
				b.AddASN1(asn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					//		unicode                 [0] IMPLICIT BMPSTRING,
					b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
						b.AddBytes(bmpString(t, "<<<Obsolete>>>"))
					})
				})
			})
		})
	})

	//	DigestInfo ::= SEQUENCE {
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(digestOID(t, alg))
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(digest)
	})

	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("failed building SpcIndirectDataContent: %v", err)
	}
	return out
}

// Sign creates an Authenticode signature over an image digest made with the
// selected hash.
func Sign(t testing.TB, signer *certtest.Pair, digest []byte, opts ...Option) []byte {
	t.Helper()
	c := &config{hash: crypto.SHA256}
	for _, optFunc := range opts {
		optFunc(c)
	}

	if c.corruptDigest {
		digest = bytes.Clone(digest)
		digest[0] ^= 0x01
	}
	content := CreateSpcIndirectDataContent(t, digest, c.hash)

	attrs := &pkcs7.Attributes{
		ContentType:   OIDSpcIndirectDataContent,
		MessageDigest: hashOf(c.hash, content),
	}
	switch {
	case c.rawOpusInfo != nil:
		attrs.Other = append(attrs.Other, &pkcs7.UnparsedAttribute{
			Type:  OIDSpcSpOpusInfo,
			Bytes: c.rawOpusInfo,
		})
	case c.programName != "" || c.moreInfo != "":
		attrs.Other = append(attrs.Other, &pkcs7.UnparsedAttribute{
			Type:  OIDSpcSpOpusInfo,
			Bytes: opusInfo(t, c.programName, c.moreInfo),
		})
	}
	si := &signerInfo{
		cert:  signer.Cert,
		key:   signer.Key,
		hash:  c.hash,
		attrs: attrs.Marshal(),
	}
	si.sig = sign(t, signer.Key, c.hash, si.attrs)

	var certs []*x509.Certificate
	if !c.omitSigner {
		certs = append(certs, signer.Cert)
	}
	certs = append(certs, c.chain...)

	if ts := c.timestamper; ts != nil {
		switch ts.Kind {
		case PKCS9:
			si.unauth = append(si.unauth, attribute{pkcs7.OIDAttributeCounterSign, ts.countersign(t, c.hash, si.sig)})
			certs = append(certs, ts.Cert)
			certs = append(certs, ts.Chain...)
		case RFC3161:
			si.unauth = append(si.unauth, attribute{pkcs7.OIDAttributeTimestampToken, ts.token(t, c.hash, si.sig)})
		}
	}
	for _, nested := range c.nested {
		si.unauth = append(si.unauth, attribute{pkcs7.OIDAttributeNestedSignatures, nested})
	}

	if c.corruptSig {
		si.sig = bytes.Clone(si.sig)
		si.sig[len(si.sig)/2] ^= 0x01
	}

	blob := signedData(t, OIDSpcIndirectDataContent, asn1.SEQUENCE, content, certs, si)
	return append(blob, c.trailing...)
}

// SignImage signs img and returns it with the signature appended to its
// certificate table.
func SignImage(t testing.TB, img []byte, signer *certtest.Pair, opts ...Option) []byte {
	t.Helper()
	c := &config{hash: crypto.SHA256}
	for _, optFunc := range opts {
		optFunc(c)
	}

	img = petest.Pad8(img)
	digests, err := pecoff.Digest(bytes.NewReader(img), int64(len(img)), c.hash)
	if err != nil {
		t.Fatalf("failed computing image digest: %v", err)
	}
	return petest.AppendCertificateTable(img, Sign(t, signer, digests[c.hash], opts...))
}

// countersign returns a PKCS#9 countersignature SignerInfo over sig.
func (ts *Timestamper) countersign(t testing.TB, h crypto.Hash, sig []byte) []byte {
	t.Helper()
	attrs := &pkcs7.Attributes{
		ContentType:   pkcs7.OIDData,
		SigningTime:   ts.Time,
		MessageDigest: hashOf(h, sig),
	}
	si := &signerInfo{
		cert:  ts.Cert,
		key:   ts.Key,
		hash:  h,
		attrs: attrs.Marshal(),
	}
	si.sig = sign(t, ts.Key, h, si.attrs)

	var b cryptobyte.Builder
	si.add(t, &b)
	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("failed building countersignature: %v", err)
	}
	return out
}

// token returns an RFC 3161 timestamp token over sig.
func (ts *Timestamper) token(t testing.TB, h crypto.Hash, sig []byte) []byte {
	t.Helper()
	info := &pkcs7.TSTInfo{
		Version: 1,
		Policy:  oidTSAPolicy,
		MessageImprint: pkcs7.MessageImprint{
			HashedMessage: hashOf(h, sig),
		},
		SerialNumber: ts.Cert.SerialNumber,
		GenTime:      ts.Time,
	}
	info.MessageImprint.HashAlgorithm.Algorithm = digestOID(t, h)
	tst := TSTInfo(t, info)

	attrs := &pkcs7.Attributes{
		ContentType:   pkcs7.OIDTSTInfo,
		SigningTime:   ts.Time,
		MessageDigest: hashOf(h, tst),
	}
	si := &signerInfo{
		cert:  ts.Cert,
		key:   ts.Key,
		hash:  h,
		attrs: attrs.Marshal(),
	}
	si.sig = sign(t, ts.Key, h, si.attrs)

	certs := append([]*x509.Certificate{ts.Cert}, ts.Chain...)
	return signedData(t, pkcs7.OIDTSTInfo, asn1.OCTET_STRING, tst, certs, si)
}
