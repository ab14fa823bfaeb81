package authenticode

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"errors"
	"testing"

	mozpkcs7 "go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"

	"github.com/foxboron/go-authenticode/internal/certtest"
	"github.com/foxboron/go-authenticode/internal/sigtest"
	"github.com/foxboron/go-authenticode/pkcs7"
)

func TestParseSpcIndirectDataContent(t *testing.T) {
	digest := sha256.Sum256([]byte("image"))
	spc, err := ParseSpcIndirectDataContent(sigtest.CreateSpcIndirectDataContent(t, digest[:], crypto.SHA256))
	if err != nil {
		t.Fatal(err)
	}
	if !spc.Type.Equal(OIDSpcPEImageDataObjID) {
		t.Fatalf("type: got %v", spc.Type)
	}
	if !spc.DigestAlgorithm.Algorithm.Equal(pkcs7.OIDDigestAlgorithmSHA256) {
		t.Fatalf("digest algorithm: got %v", spc.DigestAlgorithm.Algorithm)
	}
	if !bytes.Equal(spc.Digest, digest[:]) {
		t.Fatalf("digest: got %x", spc.Digest)
	}
	if len(spc.Value) == 0 {
		t.Fatalf("SpcPeImageData not kept")
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(encasn1.ObjectIdentifier{1, 2, 3, 4})
	})
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(pkcs7.OIDDigestAlgorithmSHA256)
		})
		b.AddASN1OctetString(digest[:])
	})
	if _, err := ParseSpcIndirectDataContent(b.BytesOrPanic()); err == nil {
		t.Fatalf("parsed SpcIndirectDataContent of an unknown type")
	}
}

func TestParseSpcSpOpusInfoASCII(t *testing.T) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.Tag(1).ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddBytes([]byte("ascii name"))
			})
		})
		b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes([]byte{0x00, 'f', 0x00, 'i', 0x00, 'l', 0x00, 'e'})
				})
			})
		})
	})
	info, err := ParseSpcSpOpusInfo(b.BytesOrPanic())
	if err != nil {
		t.Fatal(err)
	}
	if info.ProgramName != "ascii name" || info.MoreInfo != "file" {
		t.Fatalf("unexpected opus info %+v", info)
	}

	if _, err := decodeBMPString([]byte{0x00}); err == nil {
		t.Fatalf("decoded odd length BMPString")
	}
}

func TestParseSpcSpOpusInfoMoniker(t *testing.T) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(make([]byte, 16))
				b.AddASN1OctetString([]byte{0x01, 0x02})
			})
		})
	})
	info, err := ParseSpcSpOpusInfo(b.BytesOrPanic())
	if err != nil {
		t.Fatalf("failed parsing moniker link: %v", err)
	}
	if info.ProgramName != "" || info.MoreInfo != "" {
		t.Fatalf("unexpected opus info %+v", info)
	}
}

// An undecodable SpcSpOpusInfo is dropped without failing the signature.
func TestVerifyUndecodableOpusInfo(t *testing.T) {
	pki := newTestPKI(t)
	for _, raw := range [][]byte{
		{0x30, 0x03, 0xa1, 0x01, 0x00},
		{0x30, 0x04, 0xa0, 0x02, 0x82, 0x00},
	} {
		img := pki.sign(t, sigtest.WithRawOpusInfo(raw))
		sd := signedData(t, img)
		if sd.OpusInfo != nil {
			t.Fatalf("%x: expected no opus info, got %+v", raw, sd.OpusInfo)
		}
		if _, err := sd.Verify(WithTrustStore(pki.store)); err != nil {
			t.Fatalf("%x: failed verifying: %v", raw, err)
		}
	}
}

func TestParseSignedDataMalformed(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	signer := root.Issue(t, "Test Signer")

	p7, err := mozpkcs7.NewSignedData([]byte("not authenticode"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p7.AddSigner(signer.Cert, signer.Key, mozpkcs7.SignerInfoConfig{}); err != nil {
		t.Fatal(err)
	}
	data, err := p7.Finish()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		blob []byte
		want error
	}{
		{"empty", nil, ErrMalformedContainer},
		{"garbage", []byte("garbage"), ErrMalformedContainer},
		{"pkcs7 data", data, ErrMalformedContainer},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := ParseSignedData(c.blob); !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}
