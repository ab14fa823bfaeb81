package pkcs7

import (
	"crypto"
	"crypto/ecdsa"
	_ "crypto/md5"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"

	encasn1 "encoding/asn1"
)

var (
	OIDDigestAlgorithmMD5    = encasn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	OIDDigestAlgorithmSHA1   = encasn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDDigestAlgorithmSHA256 = encasn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDDigestAlgorithmSHA384 = encasn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDDigestAlgorithmSHA512 = encasn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDEncryptionAlgorithmRSA       = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDEncryptionAlgorithmRSAMD5    = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 4}
	OIDEncryptionAlgorithmRSASHA1   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDEncryptionAlgorithmRSASHA256 = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDEncryptionAlgorithmRSASHA384 = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDEncryptionAlgorithmRSASHA512 = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}

	OIDEncryptionAlgorithmECDSA       = encasn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDEncryptionAlgorithmECDSASHA1   = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDEncryptionAlgorithmECDSASHA256 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDEncryptionAlgorithmECDSASHA384 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDEncryptionAlgorithmECDSASHA512 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

var (
	// ErrUnsupportedAlgorithm is returned for digest or signature algorithms
	// outside of the supported set.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrSignatureMismatch is returned when a signature does not verify.
	ErrSignatureMismatch = errors.New("signature verification failed")
)

var digestAlgorithms = []struct {
	oid  encasn1.ObjectIdentifier
	hash crypto.Hash
}{
	{OIDDigestAlgorithmMD5, crypto.MD5},
	{OIDDigestAlgorithmSHA1, crypto.SHA1},
	{OIDDigestAlgorithmSHA256, crypto.SHA256},
	{OIDDigestAlgorithmSHA384, crypto.SHA384},
	{OIDDigestAlgorithmSHA512, crypto.SHA512},
}

// HashForOID maps a digest algorithm identifier to its hash.
func HashForOID(oid encasn1.ObjectIdentifier) (crypto.Hash, error) {
	for _, d := range digestAlgorithms {
		if d.oid.Equal(oid) {
			return d.hash, nil
		}
	}
	return 0, fmt.Errorf("%w: digest algorithm %v", ErrUnsupportedAlgorithm, oid)
}

// OIDForHash maps a hash to its digest algorithm identifier.
func OIDForHash(h crypto.Hash) (encasn1.ObjectIdentifier, error) {
	for _, d := range digestAlgorithms {
		if d.hash == h {
			return d.oid, nil
		}
	}
	return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
}

// SignatureAlgorithm is the public key algorithm of a signer.
type SignatureAlgorithm int

const (
	UnknownSignatureAlgorithm SignatureAlgorithm = iota
	RSA
	ECDSA
)

func (s SignatureAlgorithm) String() string {
	switch s {
	case RSA:
		return "RSA"
	case ECDSA:
		return "ECDSA"
	}
	return "unknown"
}

var signatureAlgorithms = []struct {
	oid encasn1.ObjectIdentifier
	alg SignatureAlgorithm
}{
	{OIDEncryptionAlgorithmRSA, RSA},
	{OIDEncryptionAlgorithmRSAMD5, RSA},
	{OIDEncryptionAlgorithmRSASHA1, RSA},
	{OIDEncryptionAlgorithmRSASHA256, RSA},
	{OIDEncryptionAlgorithmRSASHA384, RSA},
	{OIDEncryptionAlgorithmRSASHA512, RSA},
	{OIDEncryptionAlgorithmECDSA, ECDSA},
	{OIDEncryptionAlgorithmECDSASHA1, ECDSA},
	{OIDEncryptionAlgorithmECDSASHA256, ECDSA},
	{OIDEncryptionAlgorithmECDSASHA384, ECDSA},
	{OIDEncryptionAlgorithmECDSASHA512, ECDSA},
}

// SignatureAlgorithmForOID maps a digest encryption algorithm identifier to
// its public key algorithm.
func SignatureAlgorithmForOID(oid encasn1.ObjectIdentifier) (SignatureAlgorithm, error) {
	for _, s := range signatureAlgorithms {
		if s.oid.Equal(oid) {
			return s.alg, nil
		}
	}
	return UnknownSignatureAlgorithm, fmt.Errorf("%w: signature algorithm %v", ErrUnsupportedAlgorithm, oid)
}

// VerifySignature checks that sig is a signature by pub over the h digest of
// signed. The digest algorithm named by the signer info is used even when
// the encryption algorithm identifier names a different one.
func VerifySignature(pub crypto.PublicKey, oid encasn1.ObjectIdentifier, h crypto.Hash, signed, sig []byte) error {
	alg, err := SignatureAlgorithmForOID(oid)
	if err != nil {
		return err
	}
	if !h.Available() {
		return fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
	}
	d := h.New()
	d.Write(signed)
	digest := d.Sum(nil)

	switch alg {
	case RSA:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %T key for RSA signature", ErrSignatureMismatch, pub)
		}
		if err := rsa.VerifyPKCS1v15(key, h, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
	case ECDSA:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %T key for ECDSA signature", ErrSignatureMismatch, pub)
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return ErrSignatureMismatch
		}
	}
	return nil
}
