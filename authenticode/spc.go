package authenticode

import (
	"crypto/x509/pkix"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/encoding/unicode"

	encasn1 "encoding/asn1"

	"github.com/foxboron/go-authenticode/pkcs7"
)

var (
	OIDSpcIndirectDataContent         = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}
	OIDSpcPEImageDataObjID            = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
	OIDSpcSpOpusInfo                  = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}
	OIDMicrosoftIndividualCodeSigning = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 21}
)

// SpcIndirectDataContent is the signed content of an Authenticode signature.
type SpcIndirectDataContent struct {
	// Type is the data type, SPC_PE_IMAGE_DATAOBJ for PE images.
	Type encasn1.ObjectIdentifier
	// Value is the DER encoding of the type specific data.
	Value []byte

	DigestAlgorithm *pkix.AlgorithmIdentifier
	Digest          []byte
}

// ParseSpcIndirectDataContent parses the contents of the
// SpcIndirectDataContent SEQUENCE.
func ParseSpcIndirectDataContent(b []byte) (*SpcIndirectDataContent, error) {
	var spc SpcIndirectDataContent
	der := cryptobyte.String(b)

	//		data           SpcAttributeTypeAndOptionalValue,
	var spcdata cryptobyte.String
	if !der.ReadASN1(&spcdata, asn1.SEQUENCE) {
		return nil, errors.New("no spcattributetypeandoptionalvalue")
	}

	if !spcdata.ReadASN1ObjectIdentifier(&spc.Type) {
		return nil, errors.New("missing objectid type")
	}

	// Microsoft sometimes uses a special OID for shim keys
	if !spc.Type.Equal(OIDSpcPEImageDataObjID) && !spc.Type.Equal(OIDMicrosoftIndividualCodeSigning) {
		return nil, fmt.Errorf("incorrect, expected %v, got %v", OIDSpcPEImageDataObjID, spc.Type)
	}

	if !spcdata.Empty() {
		var value cryptobyte.String
		var tag asn1.Tag
		if !spcdata.ReadAnyASN1Element(&value, &tag) {
			return nil, errors.New("malformed spcpeimagedata")
		}
		spc.Value = value
	}

	//	DigestInfo ::= SEQUENCE {
	var digestInfo cryptobyte.String
	if !der.ReadASN1(&digestInfo, asn1.SEQUENCE) {
		return nil, errors.New("no digestinfo")
	}

	algid, err := pkcs7.ParseAlgorithmIdentifier(&digestInfo)
	if err != nil {
		return nil, fmt.Errorf("failed parsing DigestInfo: %w", err)
	}
	spc.DigestAlgorithm = algid

	var digest cryptobyte.String
	if !digestInfo.ReadASN1(&digest, asn1.OCTET_STRING) {
		return nil, errors.New("no digest")
	}
	spc.Digest = digest

	return &spc, nil
}

// SpcSpOpusInfo describes the signed program.
type SpcSpOpusInfo struct {
	ProgramName string
	MoreInfo    string
}

// ParseSpcSpOpusInfo parses the value of the SpcSpOpusInfo authenticated
// attribute.
func ParseSpcSpOpusInfo(b []byte) (*SpcSpOpusInfo, error) {
	var info SpcSpOpusInfo
	der := cryptobyte.String(b)

	var s cryptobyte.String
	if !der.ReadASN1(&s, asn1.SEQUENCE) {
		return nil, errors.New("no spcspopusinfo")
	}

	// programName [0] EXPLICIT SpcString OPTIONAL
	var programName cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&programName, &present, asn1.Tag(0).ContextSpecific().Constructed()) {
		return nil, errors.New("malformed program name")
	}
	if present {
		name, err := parseSpcString(programName)
		if err != nil {
			return nil, fmt.Errorf("failed parsing program name: %w", err)
		}
		info.ProgramName = name
	}

	// moreInfo [1] EXPLICIT SpcLink OPTIONAL
	var moreInfo cryptobyte.String
	if !s.ReadOptionalASN1(&moreInfo, &present, asn1.Tag(1).ContextSpecific().Constructed()) {
		return nil, errors.New("malformed more info")
	}
	if present {
		link, err := parseSpcLink(moreInfo)
		if err != nil {
			return nil, fmt.Errorf("failed parsing more info: %w", err)
		}
		info.MoreInfo = link
	}
	return &info, nil
}

//	SpcString ::= CHOICE {
//		unicode                 [0] IMPLICIT BMPSTRING,
//		ascii                   [1] IMPLICIT IA5STRING
//	}
func parseSpcString(der cryptobyte.String) (string, error) {
	var s cryptobyte.String
	switch {
	case der.PeekASN1Tag(asn1.Tag(0).ContextSpecific()):
		der.ReadASN1(&s, asn1.Tag(0).ContextSpecific())
		return decodeBMPString(s)
	case der.PeekASN1Tag(asn1.Tag(1).ContextSpecific()):
		der.ReadASN1(&s, asn1.Tag(1).ContextSpecific())
		return string(s), nil
	}
	return "", errors.New("unknown spcstring choice")
}

//	SpcLink ::= CHOICE {
//		url                     [0] IMPLICIT IA5STRING,
//		moniker                 [1] IMPLICIT SpcSerializedObject,
//		file                    [2] EXPLICIT SpcString
//	}
//
// A moniker has no textual form and yields an empty link.
func parseSpcLink(der cryptobyte.String) (string, error) {
	var s cryptobyte.String
	switch {
	case der.PeekASN1Tag(asn1.Tag(0).ContextSpecific()):
		der.ReadASN1(&s, asn1.Tag(0).ContextSpecific())
		return string(s), nil
	case der.PeekASN1Tag(asn1.Tag(1).ContextSpecific().Constructed()):
		// SpcSerializedObject ::= SEQUENCE { classId OCTET STRING, serializedData OCTET STRING }
		var classID, data cryptobyte.String
		if !der.ReadASN1(&s, asn1.Tag(1).ContextSpecific().Constructed()) ||
			!s.ReadASN1(&classID, asn1.OCTET_STRING) || !s.ReadASN1(&data, asn1.OCTET_STRING) {
			return "", errors.New("malformed spcserializedobject")
		}
		return "", nil
	case der.PeekASN1Tag(asn1.Tag(2).ContextSpecific().Constructed()):
		der.ReadASN1(&s, asn1.Tag(2).ContextSpecific().Constructed())
		return parseSpcString(s)
	}
	return "", errors.New("unsupported spclink choice")
}

func decodeBMPString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", errors.New("odd length bmpstring")
	}
	s, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(s), nil
}
