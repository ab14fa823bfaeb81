package pkcs7

import (
	"bytes"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"
)

// UnparsedAttribute is an attribute kept as the raw contents of its value SET.
type UnparsedAttribute struct {
	Type  encasn1.ObjectIdentifier
	Bytes []byte
}

// Attributes are the authenticated attributes of a signer info.
type Attributes struct {
	ContentType   encasn1.ObjectIdentifier
	MessageDigest []byte
	SigningTime   time.Time
	Other         []*UnparsedAttribute

	// Raw is the DER encoding of the attributes as a SET OF, which is what
	// the encrypted digest signs.
	Raw []byte
}

// Get returns the raw value of an attribute in Other.
func (a *Attributes) Get(oid encasn1.ObjectIdentifier) ([]byte, bool) {
	for _, attr := range a.Other {
		if attr.Type.Equal(oid) {
			return attr.Bytes, true
		}
	}
	return nil, false
}

// UnauthenticatedAttributes are the unsigned attributes of a signer info.
type UnauthenticatedAttributes struct {
	// PKCS#9 countersignatures.
	CounterSignatures []*SignerInfo
	// RFC 3161 timestamp token, a ContentInfo wrapping SignedData.
	TimestampToken []byte
	// Nested Authenticode signatures, each a ContentInfo.
	NestedSignatures [][]byte
	Other            []*UnparsedAttribute
}

// readAttributes reads an optional implicitly tagged SET OF Attribute and
// calls fn with the type and value set of every attribute.
func readAttributes(der *cryptobyte.String, tag asn1.Tag, fn func(oid encasn1.ObjectIdentifier, values cryptobyte.String) error) (raw []byte, present bool, err error) {
	if !der.PeekASN1Tag(tag) {
		return nil, false, nil
	}

	var element cryptobyte.String
	if !der.ReadASN1Element(&element, tag) {
		return nil, false, malformed("malformed attributes")
	}

	attrs := element
	if !attrs.ReadASN1(&attrs, tag) {
		return nil, false, malformed("malformed attributes")
	}

	var attr cryptobyte.String
	var attrOID encasn1.ObjectIdentifier
	for !attrs.Empty() {
		if !attrs.ReadASN1(&attr, asn1.SEQUENCE) {
			return nil, false, malformed("malformed attribute")
		}

		if !attr.ReadASN1ObjectIdentifier(&attrOID) {
			return nil, false, malformed("malformed attribute oid")
		}

		var values cryptobyte.String
		if !attr.ReadASN1(&values, asn1.SET) {
			return nil, false, malformed("malformed attribute values")
		}

		if err := fn(attrOID, values); err != nil {
			return nil, false, err
		}
	}
	return element, true, nil
}

func parseAuthenticatedAttributes(der *cryptobyte.String) (*Attributes, error) {
	var attributes Attributes

	raw, present, err := readAttributes(der, asn1.Tag(0).ContextSpecific().Constructed(), func(oid encasn1.ObjectIdentifier, values cryptobyte.String) error {
		switch {
		case oid.Equal(OIDAttributeMessageDigest):
			var digest cryptobyte.String
			if !values.ReadASN1(&digest, asn1.OCTET_STRING) {
				return malformed("could not parse message digest")
			}
			attributes.MessageDigest = digest
		case oid.Equal(OIDAttributeContentType):
			var contentTypeOID encasn1.ObjectIdentifier
			if !values.ReadASN1ObjectIdentifier(&contentTypeOID) {
				return malformed("could not parse content type")
			}
			attributes.ContentType = contentTypeOID
		case oid.Equal(OIDAttributeSigningTime):
			var ok bool
			if values.PeekASN1Tag(asn1.GeneralizedTime) {
				ok = values.ReadASN1GeneralizedTime(&attributes.SigningTime)
			} else {
				ok = values.ReadASN1UTCTime(&attributes.SigningTime)
			}
			if !ok {
				return malformed("could not parse signing time")
			}
		default:
			// Save the bytes for any attributes we are not parsing.
			attributes.Other = append(attributes.Other, &UnparsedAttribute{
				Type:  oid,
				Bytes: values,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}

	// The signature covers the attributes with an explicit SET OF tag, not
	// the [0] IMPLICIT tag they are encoded with.
	attributes.Raw = bytes.Clone(raw)
	attributes.Raw[0] = 0x31
	return &attributes, nil
}

func parseUnauthenticatedAttributes(der *cryptobyte.String) (*UnauthenticatedAttributes, error) {
	var attributes UnauthenticatedAttributes

	_, present, err := readAttributes(der, asn1.Tag(1).ContextSpecific().Constructed(), func(oid encasn1.ObjectIdentifier, values cryptobyte.String) error {
		switch {
		case oid.Equal(OIDAttributeCounterSign):
			for !values.Empty() {
				si, err := parseSignerInfo(&values)
				if err != nil {
					return err
				}
				attributes.CounterSignatures = append(attributes.CounterSignatures, si)
			}
		case oid.Equal(OIDAttributeTimestampToken):
			var token cryptobyte.String
			if !values.ReadASN1Element(&token, asn1.SEQUENCE) {
				return malformed("could not parse timestamp token")
			}
			attributes.TimestampToken = token
		case oid.Equal(OIDAttributeNestedSignatures):
			for !values.Empty() {
				var nested cryptobyte.String
				if !values.ReadASN1Element(&nested, asn1.SEQUENCE) {
					return malformed("could not parse nested signature")
				}
				attributes.NestedSignatures = append(attributes.NestedSignatures, nested)
			}
		default:
			attributes.Other = append(attributes.Other, &UnparsedAttribute{
				Type:  oid,
				Bytes: values,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return &attributes, nil
}

// Marshal encodes the attributes as a DER SET OF Attribute.
func (a *Attributes) Marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	// Attributes := SET OF Attribute
	b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDAttributeContentType)
			b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(a.ContentType)
			})
		})
		if !a.SigningTime.IsZero() {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(OIDAttributeSigningTime)
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					b.AddASN1UTCTime(a.SigningTime)
				})
			})
		}
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDAttributeMessageDigest)
			b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(a.MessageDigest)
			})
		})
		for _, attr := range a.Other {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(attr.Type)
				b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
					b.AddBytes(attr.Bytes)
				})
			})
		}
	})
	return b.BytesOrPanic()
}
