package authenticode

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	encasn1 "encoding/asn1"
)

// CountersignatureMode selects how a countersignature affects verification.
type CountersignatureMode int

const (
	// CountersignatureStrict fails verification when a countersignature is
	// present but does not verify.
	CountersignatureStrict CountersignatureMode = iota
	// CountersignaturePermit evaluates the signer chain at the verification
	// time when a countersignature does not verify.
	CountersignaturePermit
	// CountersignatureIgnore never looks at countersignatures.
	CountersignatureIgnore
)

func (m CountersignatureMode) String() string {
	switch m {
	case CountersignatureStrict:
		return "strict"
	case CountersignaturePermit:
		return "permit"
	case CountersignatureIgnore:
		return "ignore"
	}
	return "unknown"
}

// Config holds verification settings.
type Config struct {
	// TrustStore holds the anchors for signer chains. Defaults to
	// TrustedCertificateStore.
	TrustStore *CertificateStore
	// TimestampStore holds the anchors for countersignature chains.
	// Defaults to TrustStore.
	TimestampStore *CertificateStore
	// Time is the evaluation time. The zero value means now.
	Time time.Time
	// ExtendedKeyUsages every certificate of a signer chain must allow.
	ExtendedKeyUsages    []encasn1.ObjectIdentifier
	extendedKeyUsagesSet bool

	Logger               logrus.FieldLogger
	CountersignatureMode CountersignatureMode
}

// Option changes the verification Config.
type Option func(*Config)

// WithTrustStore sets the store of trust anchors for signer chains.
func WithTrustStore(s *CertificateStore) Option {
	return func(c *Config) {
		c.TrustStore = s
	}
}

// WithTimestampStore sets the store of trust anchors for timestamping
// authorities.
func WithTimestampStore(s *CertificateStore) Option {
	return func(c *Config) {
		c.TimestampStore = s
	}
}

// WithTime sets the evaluation time.
func WithTime(t time.Time) Option {
	return func(c *Config) {
		c.Time = t
	}
}

// WithExtendedKeyUsages sets the extended key usages required of signer
// chains. Passing none disables the check.
func WithExtendedKeyUsages(oids ...encasn1.ObjectIdentifier) Option {
	return func(c *Config) {
		c.ExtendedKeyUsages = oids
		c.extendedKeyUsagesSet = true
	}
}

// WithLogger sets the logger receiving chain building diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithCountersignatureMode sets how countersignatures are handled.
func WithCountersignatureMode(m CountersignatureMode) Option {
	return func(c *Config) {
		c.CountersignatureMode = m
	}
}

var discardLogger = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func newConfig(opts []Option) *Config {
	c := &Config{}
	for _, optFunc := range opts {
		optFunc(c)
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	return c
}

// newVerifyConfig applies the defaults used when verifying signatures.
func newVerifyConfig(opts []Option) *Config {
	c := newConfig(opts)
	if c.TrustStore == nil {
		c.TrustStore = TrustedCertificateStore()
	}
	if c.TimestampStore == nil {
		c.TimestampStore = c.TrustStore
	}
	if !c.extendedKeyUsagesSet {
		c.ExtendedKeyUsages = []encasn1.ObjectIdentifier{OIDExtKeyUsageCodeSigning}
	}
	if c.Time.IsZero() {
		c.Time = time.Now()
	}
	return c
}
