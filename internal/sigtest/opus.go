package sigtest

import (
	"testing"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/encoding/unicode"
)

func bmpString(t testing.TB, s string) []byte {
	t.Helper()
	b, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatalf("failed encoding BMPString: %v", err)
	}
	return b
}

// opusInfo encodes an SpcSpOpusInfo structure.
func opusInfo(t testing.TB, programName, moreInfo string) []byte {
	t.Helper()
	var b cryptobyte.Builder

	// SpcSpOpusInfo ::= SEQUENCE
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		// programName [0] EXPLICIT SpcString OPTIONAL
		if programName != "" {
			b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				// unicode [0] IMPLICIT BMPSTRING
				b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes(bmpString(t, programName))
				})
			})
		}
		// moreInfo [1] EXPLICIT SpcLink OPTIONAL
		if moreInfo != "" {
			b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				// url [0] IMPLICIT IA5STRING
				b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(moreInfo))
				})
			})
		}
	})

	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("failed building SpcSpOpusInfo: %v", err)
	}
	return out
}
