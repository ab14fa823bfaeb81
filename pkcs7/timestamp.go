package pkcs7

import (
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	encasn1 "encoding/asn1"
)

// MessageImprint is the hash a timestamp token vouches for.
type MessageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

// Accuracy of GenTime. Zero fields were absent.
type Accuracy struct {
	Seconds int64
	Millis  int64
	Micros  int64
}

// TSTInfo is the RFC 3161 content of a timestamp token.
type TSTInfo struct {
	Version        int64
	Policy         encasn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy
	Ordering       bool
	Nonce          *big.Int
	// TSA is the contents of the [0] GeneralName, undecoded.
	TSA        []byte
	Extensions []pkix.Extension
}

// ParseTimestampInfo parses the encapsulated content of a timestamp token.
// Both a bare TSTInfo and one still wrapped in its OCTET STRING are accepted.
func ParseTimestampInfo(content []byte) (*TSTInfo, error) {
	der := cryptobyte.String(content)
	if der.PeekASN1Tag(asn1.OCTET_STRING) {
		var inner cryptobyte.String
		if !der.ReadASN1(&inner, asn1.OCTET_STRING) || !der.Empty() {
			return nil, malformed("bad TSTInfo octet string")
		}
		der = inner
	}
	info, err := parseTSTInfo(&der)
	if err != nil {
		return nil, err
	}
	if !der.Empty() {
		return nil, malformed("trailing data after TSTInfo")
	}
	return info, nil
}

// generalizedTime reads a GeneralizedTime. Unlike cryptobyte's reader it
// keeps fractional seconds, which timestamping authorities commonly emit.
func generalizedTime(der *cryptobyte.String) (time.Time, bool) {
	var b cryptobyte.String
	if !der.ReadASN1(&b, asn1.GeneralizedTime) {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405Z0700", string(b))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseMessageImprint(der *cryptobyte.String) (*MessageImprint, error) {
	var s cryptobyte.String
	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return nil, malformed("no message imprint")
	}
	alg, err := ParseAlgorithmIdentifier(&s)
	if err != nil {
		return nil, fmt.Errorf("message imprint: %w", err)
	}
	mi := &MessageImprint{HashAlgorithm: *alg}
	if !s.ReadASN1Bytes(&mi.HashedMessage, asn1.OCTET_STRING) || !s.Empty() {
		return nil, malformed("bad hashed message")
	}
	return mi, nil
}

//	Accuracy ::= SEQUENCE {
//		seconds        INTEGER           OPTIONAL,
//		millis     [0] INTEGER (1..999)  OPTIONAL,
//		micros     [1] INTEGER (1..999)  OPTIONAL  }
func parseAccuracy(der *cryptobyte.String, acc *Accuracy) error {
	var s cryptobyte.String
	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return malformed("bad accuracy")
	}
	if s.PeekASN1Tag(asn1.INTEGER) && !s.ReadASN1Integer(&acc.Seconds) {
		return malformed("bad accuracy seconds")
	}
	for i, out := range []*int64{&acc.Millis, &acc.Micros} {
		tag := asn1.Tag(i).ContextSpecific()
		if s.PeekASN1Tag(tag) && !s.ReadASN1Int64WithTag(out, tag) {
			return malformed("bad accuracy fraction")
		}
	}
	if !s.Empty() {
		return malformed("trailing data in accuracy")
	}
	return nil
}

func parseExtensions(der cryptobyte.String) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	for !der.Empty() {
		var s cryptobyte.String
		var ext pkix.Extension
		if !der.ReadASN1(&s, asn1.SEQUENCE) || !s.ReadASN1ObjectIdentifier(&ext.Id) {
			return nil, malformed("bad extension")
		}
		if s.PeekASN1Tag(asn1.BOOLEAN) && !s.ReadASN1Boolean(&ext.Critical) {
			return nil, malformed("bad extension criticality")
		}
		if !s.ReadASN1Bytes(&ext.Value, asn1.OCTET_STRING) || !s.Empty() {
			return nil, malformed("bad extension value")
		}
		exts = append(exts, ext)
	}
	return exts, nil
}

func parseTSTInfo(der *cryptobyte.String) (*TSTInfo, error) {
	var s cryptobyte.String
	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return nil, malformed("no TSTInfo")
	}

	var info TSTInfo
	if !s.ReadASN1Integer(&info.Version) {
		return nil, malformed("no TSTInfo version")
	}
	if !s.ReadASN1ObjectIdentifier(&info.Policy) {
		return nil, malformed("no TSTInfo policy")
	}
	mi, err := parseMessageImprint(&s)
	if err != nil {
		return nil, err
	}
	info.MessageImprint = *mi

	info.SerialNumber = new(big.Int)
	if !s.ReadASN1Integer(info.SerialNumber) {
		return nil, malformed("no TSTInfo serial number")
	}
	var ok bool
	if info.GenTime, ok = generalizedTime(&s); !ok {
		return nil, malformed("bad TSTInfo genTime")
	}

	if s.PeekASN1Tag(asn1.SEQUENCE) {
		if err := parseAccuracy(&s, &info.Accuracy); err != nil {
			return nil, err
		}
	}
	if s.PeekASN1Tag(asn1.BOOLEAN) && !s.ReadASN1Boolean(&info.Ordering) {
		return nil, malformed("bad TSTInfo ordering")
	}
	if s.PeekASN1Tag(asn1.INTEGER) {
		info.Nonce = new(big.Int)
		if !s.ReadASN1Integer(info.Nonce) {
			return nil, malformed("bad TSTInfo nonce")
		}
	}

	var tsa cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&tsa, &present, asn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, malformed("bad TSTInfo tsa")
	}
	if present {
		info.TSA = tsa
	}

	var exts cryptobyte.String
	if !s.ReadOptionalASN1(&exts, &present, asn1.Tag(1).ContextSpecific().Constructed()) {
		return nil, malformed("bad TSTInfo extensions")
	}
	if present {
		if info.Extensions, err = parseExtensions(exts); err != nil {
			return nil, err
		}
	}

	if !s.Empty() {
		return nil, malformed("trailing data in TSTInfo")
	}
	return &info, nil
}
