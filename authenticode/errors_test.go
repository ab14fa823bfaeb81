package authenticode

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIs(t *testing.T) {
	inner := errors.New("inner")
	err := fmt.Errorf("wrapped: %w", newError(KindDigestMismatch, inner, "image"))
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("kind does not match sentinel")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("matched the wrong sentinel")
	}
	if !errors.Is(err, inner) {
		t.Fatalf("cause is not unwrapped")
	}
	if KindOf(err) != KindDigestMismatch || KindOf(inner) != 0 {
		t.Fatalf("KindOf misclassified errors")
	}
	if got := newError(KindUsage, inner, "leaf %d", 1).Error(); got != "certificate usage not permitted: leaf 1: inner" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestChainVerificationErrorKind(t *testing.T) {
	leaf := &Certificate{}
	short := []*Certificate{leaf}
	long := []*Certificate{leaf, leaf}

	cases := []struct {
		name       string
		rejections []PathRejection
		want       ErrorKind
	}{
		{"no rejections", nil, KindChainUntrusted},
		{"deepest wins", []PathRejection{
			{Path: short, Kind: KindValidityPeriod},
			{Path: long, Kind: KindChainUntrusted},
		}, KindChainUntrusted},
		{"validity before signature", []PathRejection{
			{Path: long, Kind: KindInvalidSignature},
			{Path: long, Kind: KindValidityPeriod},
		}, KindValidityPeriod},
		{"signature before usage", []PathRejection{
			{Path: long, Kind: KindUsage},
			{Path: long, Kind: KindInvalidSignature},
		}, KindInvalidSignature},
		{"usage before untrusted", []PathRejection{
			{Path: long, Kind: KindChainUntrusted},
			{Path: long, Kind: KindUsage},
		}, KindUsage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := &ChainVerificationError{Leaf: leaf, Rejections: c.rejections}
			if err.Kind() != c.want {
				t.Fatalf("got %v, want %v", err.Kind(), c.want)
			}
			if !errors.Is(err, &Error{Kind: c.want}) {
				t.Fatalf("errors.Is does not match the aggregate kind")
			}
		})
	}
}
