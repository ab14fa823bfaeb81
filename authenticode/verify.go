package authenticode

import (
	"crypto/hmac"
	"errors"
	"fmt"
)

// Verify checks the signature against the image it was read from and
// returns every certificate chain from the signer to a trust anchor.
func (sd *SignedData) Verify(opts ...Option) ([][]*Certificate, error) {
	if sd.file == nil {
		return nil, errors.New("signed data is not attached to an image")
	}
	if err := sd.VerifyDigest(); err != nil {
		return nil, err
	}
	return sd.VerifySignature(opts...)
}

// VerifyDigest recomputes the image digest and compares it with the signed
// one.
func (sd *SignedData) VerifyDigest() error {
	if sd.file == nil {
		return errors.New("signed data is not attached to an image")
	}
	digests, err := sd.file.Digest(sd.DigestAlgorithm)
	if err != nil {
		return err
	}
	if !hmac.Equal(digests[sd.DigestAlgorithm], sd.ExpectedDigest) {
		return newError(KindDigestMismatch, nil, "image %v digest %x, signed %x",
			sd.DigestAlgorithm, digests[sd.DigestAlgorithm], sd.ExpectedDigest)
	}
	return nil
}

// VerifySignature checks the signer's signature over the signed content and
// builds the signer's certificate chains. The image digest is not checked.
func (sd *SignedData) VerifySignature(opts ...Option) ([][]*Certificate, error) {
	cfg := newVerifyConfig(opts)

	signer, err := sd.SignerCertificate()
	if err != nil {
		return nil, err
	}
	if err := sd.PKCS7.Verify(sd.SignerInfo, signer.X509()); err != nil {
		return nil, signatureError(err, "signer info")
	}

	ts := cfg.Time
	if cs := sd.Countersignature; cs != nil && cfg.CountersignatureMode != CountersignatureIgnore {
		t, err := cs.verify(sd.SignerInfo.EncryptedDigest, cfg)
		switch {
		case err == nil:
			cfg.Logger.WithField("time", t).Debug("using countersignature time")
			ts = t
		case cfg.CountersignatureMode == CountersignatureStrict:
			return nil, fmt.Errorf("countersignature: %w", err)
		default:
			cfg.Logger.WithError(err).Warn("ignoring countersignature")
		}
	}

	ctx := &VerificationContext{
		Store:             cfg.TrustStore,
		Timestamp:         ts,
		ExtendedKeyUsages: cfg.ExtendedKeyUsages,
		Logger:            cfg.Logger,
	}
	return ctx.BuildChains(signer, sd.Certificates...)
}
