package pkcs7_test

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	mozpkcs7 "go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"

	"github.com/foxboron/go-authenticode/internal/certtest"
	"github.com/foxboron/go-authenticode/internal/sigtest"
	"github.com/foxboron/go-authenticode/pkcs7"
)

// Signatures made by another implementation must parse and verify.
func TestParseMozillaSignedData(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	signer := root.Issue(t, "Test Signer")
	content := []byte("content signed elsewhere")

	sd, err := mozpkcs7.NewSignedData(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := sd.AddSigner(signer.Cert, signer.Key, mozpkcs7.SignerInfoConfig{}); err != nil {
		t.Fatal(err)
	}
	sd.AddCertificate(root.Cert)
	der, err := sd.Finish()
	if err != nil {
		t.Fatal(err)
	}

	p, err := pkcs7.ParsePKCS7(der)
	if err != nil {
		t.Fatalf("failed parsing: %v", err)
	}
	if !p.OuterOID.Equal(pkcs7.OIDSignedData) || !p.OID.Equal(pkcs7.OIDData) {
		t.Fatalf("unexpected content types %v %v", p.OuterOID, p.OID)
	}
	if !bytes.Equal(p.Content, content) {
		t.Fatalf("content: got %q", p.Content)
	}
	if len(p.Certs) != 2 || len(p.SignerInfo) != 1 {
		t.Fatalf("got %d certificates and %d signer infos", len(p.Certs), len(p.SignerInfo))
	}
	if p.Trailing != nil {
		t.Fatalf("unexpected trailing bytes %x", p.Trailing)
	}

	si := p.SignerInfo[0]
	cert, err := p.FindCertificate(si)
	if err != nil {
		t.Fatal(err)
	}
	if !cert.Equal(signer.Cert) {
		t.Fatalf("found wrong signer certificate %v", cert.Subject)
	}
	if err := p.Verify(si, cert); err != nil {
		t.Fatalf("failed verifying: %v", err)
	}
	if err := p.Verify(si, root.Cert); !errors.Is(err, pkcs7.ErrSignatureMismatch) {
		t.Fatalf("got %v, want %v", err, pkcs7.ErrSignatureMismatch)
	}
}

// Signatures made here must parse with another implementation.
func TestMozillaParsesSignature(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	signer := root.Issue(t, "Test Signer")
	digest := sha256.Sum256([]byte("image"))

	p7, err := mozpkcs7.Parse(sigtest.Sign(t, signer, digest[:], sigtest.WithChain(root.Cert)))
	if err != nil {
		t.Fatalf("failed parsing: %v", err)
	}
	if len(p7.Certificates) != 2 || p7.GetOnlySigner() == nil || !p7.GetOnlySigner().Equal(signer.Cert) {
		t.Fatalf("unexpected certificates")
	}
}

func TestParseSignature(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	signer := root.Issue(t, "Test Signer")
	digest := sha256.Sum256([]byte("image"))
	trailing := []byte{0, 0, 0}

	p, err := pkcs7.ParsePKCS7(sigtest.Sign(t, signer, digest[:],
		sigtest.WithTrailing(trailing),
		sigtest.WithOpusInfo("program", "https://example.com/"),
		sigtest.WithNested([]byte{0x30, 0x00})))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p.Trailing, trailing) {
		t.Fatalf("trailing: got %x, want %x", p.Trailing, trailing)
	}
	if !p.OID.Equal(sigtest.OIDSpcIndirectDataContent) {
		t.Fatalf("content type: got %v", p.OID)
	}
	si := p.SignerInfo[0]
	h, err := pkcs7.HashForOID(si.DigestAlgorithm.Algorithm)
	if err != nil || h != crypto.SHA256 {
		t.Fatalf("digest algorithm: got %v, %v", h, err)
	}
	if _, ok := si.AuthenticatedAttributes.Get(sigtest.OIDSpcSpOpusInfo); !ok {
		t.Fatalf("opus info attribute not kept")
	}
	if si.AuthenticatedAttributes.Raw[0] != 0x31 {
		t.Fatalf("signed attributes must be tagged as a SET OF")
	}
	if n := len(si.UnauthenticatedAttributes.NestedSignatures); n != 1 {
		t.Fatalf("expected one nested signature, got %d", n)
	}
	if err := p.Verify(si, signer.Cert); err != nil {
		t.Fatalf("failed verifying: %v", err)
	}

	tampered := *p
	tampered.Content = append(bytes.Clone(p.Content), 0)
	if err := tampered.Verify(si, signer.Cert); !errors.Is(err, pkcs7.ErrMessageDigestMismatch) {
		t.Fatalf("got %v, want %v", err, pkcs7.ErrMessageDigestMismatch)
	}
}

func TestParseMalformed(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	digest := sha256.Sum256([]byte("image"))
	valid := sigtest.Sign(t, root, digest[:])

	cases := []struct {
		name string
		b    []byte
		want error
	}{
		{"empty", nil, pkcs7.ErrMalformed},
		{"not a sequence", []byte{0x04, 0x00}, pkcs7.ErrMalformed},
		{"truncated", valid[:len(valid)/2], pkcs7.ErrMalformed},
		{"empty sequence", []byte{0x30, 0x00}, pkcs7.ErrMalformed},
		{"data content", []byte{0x30, 0x0b, 0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x01}, pkcs7.ErrNotSignedData},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := pkcs7.ParsePKCS7(c.b); !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestAlgorithms(t *testing.T) {
	for _, h := range []crypto.Hash{crypto.MD5, crypto.SHA1, crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		oid, err := pkcs7.OIDForHash(h)
		if err != nil {
			t.Fatal(err)
		}
		got, err := pkcs7.HashForOID(oid)
		if err != nil || got != h {
			t.Fatalf("%v: got %v, %v", h, got, err)
		}
	}
	if _, err := pkcs7.OIDForHash(crypto.SHA3_256); !errors.Is(err, pkcs7.ErrUnsupportedAlgorithm) {
		t.Fatalf("got %v, want %v", err, pkcs7.ErrUnsupportedAlgorithm)
	}
	if _, err := pkcs7.SignatureAlgorithmForOID(pkcs7.OIDData); !errors.Is(err, pkcs7.ErrUnsupportedAlgorithm) {
		t.Fatalf("got %v, want %v", err, pkcs7.ErrUnsupportedAlgorithm)
	}
	if alg, _ := pkcs7.SignatureAlgorithmForOID(pkcs7.OIDEncryptionAlgorithmECDSASHA256); alg != pkcs7.ECDSA {
		t.Fatalf("got %v, want %v", alg, pkcs7.ECDSA)
	}
}

func TestParseTimestampInfo(t *testing.T) {
	digest := sha256.Sum256([]byte("signature"))
	full := &pkcs7.TSTInfo{
		Version: 1,
		Policy:  encasn1.ObjectIdentifier{1, 2, 3, 4},
		MessageImprint: pkcs7.MessageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: pkcs7.OIDDigestAlgorithmSHA256},
			HashedMessage: digest[:],
		},
		SerialNumber: big.NewInt(4711),
		GenTime:      time.Date(2021, 3, 4, 5, 6, 7, 250*int(time.Millisecond), time.UTC),
		Accuracy:     pkcs7.Accuracy{Seconds: 1, Millis: 500, Micros: 20},
		Ordering:     true,
		Nonce:        big.NewInt(42),
		Extensions:   []pkix.Extension{{Id: encasn1.ObjectIdentifier{1, 2, 3, 5}, Critical: true, Value: []byte{0x05, 0x00}}},
	}
	minimal := &pkcs7.TSTInfo{
		Version:        1,
		Policy:         full.Policy,
		MessageImprint: full.MessageImprint,
		SerialNumber:   big.NewInt(1),
		GenTime:        time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	for name, want := range map[string]*pkcs7.TSTInfo{"full": full, "minimal": minimal} {
		t.Run(name, func(t *testing.T) {
			der := sigtest.TSTInfo(t, want)
			var b cryptobyte.Builder
			b.AddASN1OctetString(der)
			wrapped := b.BytesOrPanic()

			for _, in := range [][]byte{der, wrapped} {
				got, err := pkcs7.ParseTimestampInfo(in)
				if err != nil {
					t.Fatalf("failed parsing: %v", err)
				}
				if !got.GenTime.Equal(want.GenTime) {
					t.Fatalf("genTime: got %v, want %v", got.GenTime, want.GenTime)
				}
				if got.SerialNumber.Cmp(want.SerialNumber) != 0 || !got.Policy.Equal(want.Policy) {
					t.Fatalf("got serial %v policy %v", got.SerialNumber, got.Policy)
				}
				if !bytes.Equal(got.MessageImprint.HashedMessage, digest[:]) {
					t.Fatalf("hashed message: got %x", got.MessageImprint.HashedMessage)
				}
				if got.Accuracy != want.Accuracy || got.Ordering != want.Ordering {
					t.Fatalf("accuracy %+v ordering %v", got.Accuracy, got.Ordering)
				}
				if (got.Nonce == nil) != (want.Nonce == nil) || len(got.Extensions) != len(want.Extensions) {
					t.Fatalf("nonce %v, %d extensions", got.Nonce, len(got.Extensions))
				}
			}
		})
	}

	der := sigtest.TSTInfo(t, minimal)
	var inner cryptobyte.String
	s := cryptobyte.String(der)
	s.ReadASN1(&inner, asn1.SEQUENCE)

	cases := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"truncated", der[:len(der)-3]},
		{"trailing data", append(bytes.Clone(der), 0x05, 0x00)},
		{"extra field", func() []byte {
			var b cryptobyte.Builder
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddBytes(inner)
				b.AddASN1OctetString([]byte{1})
			})
			return b.BytesOrPanic()
		}()},
		{"bad time", func() []byte {
			bad := bytes.Clone(der)
			i := bytes.Index(bad, []byte("20210304"))
			bad[i] = 'x'
			return bad
		}()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := pkcs7.ParseTimestampInfo(c.b); !errors.Is(err, pkcs7.ErrMalformed) {
				t.Fatalf("got %v, want %v", err, pkcs7.ErrMalformed)
			}
		})
	}
}

func FuzzParsePKCS7(f *testing.F) {
	root := certtest.MkRoot(f, "Test Root CA")
	digest := sha256.Sum256([]byte("image"))
	ts := &sigtest.Timestamper{Pair: root, Kind: sigtest.RFC3161}
	f.Add(sigtest.Sign(f, root, digest[:]))
	f.Add(sigtest.Sign(f, root, digest[:], sigtest.WithTimestamp(ts), sigtest.WithTrailing([]byte{0})))

	f.Fuzz(func(t *testing.T, b []byte) {
		p, err := pkcs7.ParsePKCS7(b)
		if err != nil {
			return
		}
		for _, si := range p.SignerInfo {
			if cert, err := p.FindCertificate(si); err == nil {
				p.Verify(si, cert)
			}
		}
	})
}
