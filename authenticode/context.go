package authenticode

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	encasn1 "encoding/asn1"
)

// VerificationContext builds certificate chains against a store at a point
// in time. It must not be modified while BuildChains runs.
type VerificationContext struct {
	Store *CertificateStore
	// Timestamp is the evaluation time. The zero value means now.
	Timestamp time.Time
	// ExtendedKeyUsages every certificate in a chain must allow. Empty
	// disables the check.
	ExtendedKeyUsages []encasn1.ObjectIdentifier
	Logger            logrus.FieldLogger
}

// NewVerificationContext returns a context for store. A nil store means
// TrustedCertificateStore. Only the time, extended key usage and logger
// options apply.
func NewVerificationContext(store *CertificateStore, opts ...Option) *VerificationContext {
	c := newConfig(opts)
	if store == nil {
		store = TrustedCertificateStore()
	}
	return &VerificationContext{
		Store:             store,
		Timestamp:         c.Time,
		ExtendedKeyUsages: c.ExtendedKeyUsages,
		Logger:            c.Logger,
	}
}

var errExtKeyUsage = errors.New("extended key usage not permitted")

type chainBuilder struct {
	ctx        *VerificationContext
	store      *CertificateStore
	ts         time.Time
	log        logrus.FieldLogger
	extra      *CertificateStore
	chains     [][]*Certificate
	rejections []PathRejection
}

// BuildChains returns every chain from leaf to a self-signed anchor of the
// store. Issuers are looked up in the store and in extra. A nil Store means
// TrustedCertificateStore. The result is a *ChainVerificationError when no
// chain is found.
func (ctx *VerificationContext) BuildChains(leaf *Certificate, extra ...*Certificate) ([][]*Certificate, error) {
	b := &chainBuilder{
		ctx:   ctx,
		store: ctx.Store,
		ts:    ctx.Timestamp,
		log:   ctx.Logger,
		extra: NewCertificateStore(),
	}
	if b.store == nil {
		b.store = TrustedCertificateStore()
	}
	if b.ts.IsZero() {
		b.ts = time.Now()
	}
	if b.log == nil {
		b.log = discardLogger
	}
	for _, c := range extra {
		if !b.store.Contains(c) {
			b.extra.Append(c)
		}
	}

	path := []*Certificate{leaf}
	switch {
	case !leaf.Covers(b.ts):
		b.reject(path, KindValidityPeriod, validityError(leaf, b.ts))
	case !b.allowsUsages(leaf):
		b.reject(path, KindUsage, errExtKeyUsage)
	default:
		b.walk(path)
	}

	if len(b.chains) == 0 {
		return nil, &ChainVerificationError{Leaf: leaf, Rejections: b.rejections}
	}
	return b.chains, nil
}

func (b *chainBuilder) walk(path []*Certificate) {
	tail := path[len(path)-1]

	if tail.selfIssued() {
		if err := tail.VerifySignatureBy(tail); err != nil {
			b.reject(path, signatureErrorKind(err), err)
			return
		}
		if !b.store.Trusted() || !b.store.Contains(tail) {
			b.reject(path, KindChainUntrusted, errors.New("self-signed certificate is not a trust anchor"))
			return
		}
		b.log.WithField("chain", chainString(path)).Debug("found certificate chain")
		b.chains = append(b.chains, append([]*Certificate(nil), path...))
		return
	}

	candidates := b.candidates(tail)
	if len(candidates) == 0 {
		b.reject(path, KindChainUntrusted, errors.New("issuer not found"))
		return
	}

	for _, issuer := range candidates {
		next := append(append([]*Certificate(nil), path...), issuer)
		if inPath(path, issuer) {
			b.reject(next, KindChainUntrusted, errors.New("certificate cycle"))
			continue
		}
		if err := tail.VerifySignatureBy(issuer); err != nil {
			b.reject(next, signatureErrorKind(err), err)
			continue
		}
		if !issuer.Covers(b.ts) {
			b.reject(next, KindValidityPeriod, validityError(issuer, b.ts))
			continue
		}
		if err := checkIssuerUsage(issuer, len(path)-1); err != nil {
			b.reject(next, KindUsage, err)
			continue
		}
		if !b.allowsUsages(issuer) {
			b.reject(next, KindUsage, errExtKeyUsage)
			continue
		}
		b.walk(next)
	}
}

// candidates returns the possible issuers of c, store certificates first.
func (b *chainBuilder) candidates(c *Certificate) []*Certificate {
	out := b.store.FindBySubject(c.cert.RawIssuer)
	return append(out, b.extra.FindBySubject(c.cert.RawIssuer)...)
}

func (b *chainBuilder) allowsUsages(c *Certificate) bool {
	for _, oid := range b.ctx.ExtendedKeyUsages {
		if !c.AllowsExtendedKeyUsage(oid) {
			return false
		}
	}
	return true
}

func (b *chainBuilder) reject(path []*Certificate, kind ErrorKind, err error) {
	r := PathRejection{Path: path, Kind: kind, Err: err}
	b.log.WithFields(logrus.Fields{
		"chain": chainString(path),
		"kind":  kind.String(),
	}).Debugf("rejected certificate chain: %v", err)
	b.rejections = append(b.rejections, r)
}

// checkIssuerUsage checks that c may issue certificates with intermediates
// CA certificates below it.
func checkIssuerUsage(c *Certificate, intermediates int) error {
	switch {
	case c.cert.BasicConstraintsValid && !c.cert.IsCA:
		return errors.New("issuer is not a certificate authority")
	case c.cert.KeyUsage != 0 && c.cert.KeyUsage&x509.KeyUsageCertSign == 0:
		return errors.New("issuer key usage does not allow certificate signing")
	case c.cert.BasicConstraintsValid && c.cert.MaxPathLen >= 0 && intermediates > c.cert.MaxPathLen:
		return fmt.Errorf("path length %d exceeds constraint %d", intermediates, c.cert.MaxPathLen)
	}
	return nil
}

func signatureErrorKind(err error) ErrorKind {
	var insecure x509.InsecureAlgorithmError
	if errors.Is(err, x509.ErrUnsupportedAlgorithm) || errors.As(err, &insecure) {
		return KindUnsupportedAlgorithm
	}
	return KindInvalidSignature
}

func validityError(c *Certificate, t time.Time) error {
	return fmt.Errorf("%s is outside of %s to %s",
		t.UTC().Format(time.RFC3339), c.ValidFrom().UTC().Format(time.RFC3339), c.ValidTo().UTC().Format(time.RFC3339))
}

func inPath(path []*Certificate, c *Certificate) bool {
	for _, p := range path {
		if p.Equal(c) {
			return true
		}
	}
	return false
}

func chainString(path []*Certificate) string {
	return PathRejection{Path: path}.pathString()
}
