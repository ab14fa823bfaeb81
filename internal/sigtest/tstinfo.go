package sigtest

import (
	"testing"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/foxboron/go-authenticode/pkcs7"
)

// TSTInfo encodes info as DER. GenTime keeps sub-second precision when it
// has any.
func TSTInfo(t testing.TB, info *pkcs7.TSTInfo) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(info.Version)
		b.AddASN1ObjectIdentifier(info.Policy)
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(info.MessageImprint.HashAlgorithm.Algorithm)
				b.AddASN1NULL()
			})
			b.AddASN1OctetString(info.MessageImprint.HashedMessage)
		})
		b.AddASN1BigInt(info.SerialNumber)
		b.AddASN1(asn1.GeneralizedTime, func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(info.GenTime.UTC().Format("20060102150405.999Z")))
		})

		if acc := info.Accuracy; acc != (pkcs7.Accuracy{}) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				if acc.Seconds != 0 {
					b.AddASN1Int64(acc.Seconds)
				}
				if acc.Millis != 0 {
					b.AddASN1Int64WithTag(acc.Millis, asn1.Tag(0).ContextSpecific())
				}
				if acc.Micros != 0 {
					b.AddASN1Int64WithTag(acc.Micros, asn1.Tag(1).ContextSpecific())
				}
			})
		}
		if info.Ordering {
			b.AddASN1Boolean(true)
		}
		if info.Nonce != nil {
			b.AddASN1BigInt(info.Nonce)
		}
		if len(info.TSA) > 0 {
			b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddBytes(info.TSA)
			})
		}
		if len(info.Extensions) > 0 {
			b.AddASN1(asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				for _, ext := range info.Extensions {
					b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(ext.Id)
						if ext.Critical {
							b.AddASN1Boolean(true)
						}
						b.AddASN1OctetString(ext.Value)
					})
				}
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("failed marshalling TSTInfo: %v", err)
	}
	return out
}
