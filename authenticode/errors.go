package authenticode

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies verification failures.
type ErrorKind int

const (
	// KindMalformedContainer means the PE or PKCS#7 structure could not be
	// parsed.
	KindMalformedContainer ErrorKind = iota + 1
	// KindDigestMismatch means the image does not match the signed digest.
	KindDigestMismatch
	// KindSignerNotFound means the signer certificate is not in the signature.
	KindSignerNotFound
	// KindInvalidSignature means a cryptographic check failed.
	KindInvalidSignature
	// KindChainUntrusted means no path reached a trust anchor.
	KindChainUntrusted
	// KindValidityPeriod means a certificate was outside its validity period
	// at the evaluation time.
	KindValidityPeriod
	// KindUnsupportedAlgorithm means a hash or signature algorithm is not
	// supported.
	KindUnsupportedAlgorithm
	// KindUsage means a certificate was used outside of its key usage or
	// extended key usage.
	KindUsage
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedContainer:
		return "malformed container"
	case KindDigestMismatch:
		return "digest mismatch"
	case KindSignerNotFound:
		return "signer certificate not found"
	case KindInvalidSignature:
		return "invalid signature"
	case KindChainUntrusted:
		return "certificate chain untrusted"
	case KindValidityPeriod:
		return "certificate outside validity period"
	case KindUnsupportedAlgorithm:
		return "unsupported algorithm"
	case KindUsage:
		return "certificate usage not permitted"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a classified verification failure. Errors match each other with
// errors.Is when their kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrMalformedContainer   = &Error{Kind: KindMalformedContainer}
	ErrDigestMismatch       = &Error{Kind: KindDigestMismatch}
	ErrSignerNotFound       = &Error{Kind: KindSignerNotFound}
	ErrInvalidSignature     = &Error{Kind: KindInvalidSignature}
	ErrChainUntrusted       = &Error{Kind: KindChainUntrusted}
	ErrValidityPeriod       = &Error{Kind: KindValidityPeriod}
	ErrUnsupportedAlgorithm = &Error{Kind: KindUnsupportedAlgorithm}
	ErrUsage                = &Error{Kind: KindUsage}
)

var (
	// No signatures were found in the binary.
	ErrNoSignatures = errors.New("binary has no signatures")
)

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or 0 if err is not a verification error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var c *ChainVerificationError
	if errors.As(err, &c) {
		return c.Kind()
	}
	return 0
}

// PathRejection records why one explored certification path failed.
type PathRejection struct {
	// Path starts at the leaf and ends with the rejected certificate.
	Path []*Certificate
	Kind ErrorKind
	Err  error
}

func (r PathRejection) String() string {
	return fmt.Sprintf("[%s]: %s: %v", r.pathString(), r.Kind, r.Err)
}

func (r PathRejection) pathString() string {
	names := make([]string, len(r.Path))
	for i, c := range r.Path {
		names[i] = c.Subject().String()
	}
	return strings.Join(names, " -> ")
}

// ChainVerificationError is returned when no certification path from a leaf
// reaches a trust anchor. It lists every rejected path.
type ChainVerificationError struct {
	Leaf       *Certificate
	Rejections []PathRejection
}

// kindPrecedence orders kinds of equally deep rejections, most specific first.
var kindPrecedence = map[ErrorKind]int{
	KindValidityPeriod:       5,
	KindInvalidSignature:     4,
	KindUnsupportedAlgorithm: 3,
	KindUsage:                2,
	KindChainUntrusted:       1,
}

// Kind returns the kind of the rejection that got furthest.
func (e *ChainVerificationError) Kind() ErrorKind {
	if len(e.Rejections) == 0 {
		return KindChainUntrusted
	}
	best := e.Rejections[0]
	for _, r := range e.Rejections[1:] {
		switch {
		case len(r.Path) > len(best.Path):
			best = r
		case len(r.Path) == len(best.Path) && kindPrecedence[r.Kind] > kindPrecedence[best.Kind]:
			best = r
		}
	}
	return best.Kind
}

func (e *ChainVerificationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: no valid certificate chain for %q", e.Kind(), e.Leaf.Subject().String())
	for _, r := range e.Rejections {
		b.WriteString("; ")
		b.WriteString(r.String())
	}
	return b.String()
}

func (e *ChainVerificationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind()
}
