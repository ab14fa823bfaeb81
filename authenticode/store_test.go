package authenticode

import (
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/foxboron/go-authenticode/internal/certtest"
)

func TestTrustedCertificatesAreTrusted(t *testing.T) {
	store := TrustedCertificateStore()
	if store.Len() == 0 || !store.Trusted() {
		t.Fatalf("bundled store is empty or untrusted")
	}
	ctx := NewVerificationContext(store)
	for _, c := range store.Certificates() {
		ctx.Timestamp = c.ValidTo()
		chains, err := c.Verify(ctx)
		if err != nil {
			t.Fatalf("%s: %v", c, err)
		}
		if len(chains) != 1 || len(chains[0]) != 1 || chains[0][0] != c {
			t.Fatalf("%s: unexpected chains %v", c, chains)
		}
	}
}

func TestTrustedCertificatesOnlyWithinValidity(t *testing.T) {
	store := TrustedCertificateStore()
	ctx := NewVerificationContext(store)
	for _, c := range store.Certificates() {
		for _, ts := range []time.Time{c.ValidTo().Add(time.Second), c.ValidFrom().Add(-time.Second)} {
			ctx.Timestamp = ts
			if _, err := c.Verify(ctx); !errors.Is(err, ErrValidityPeriod) {
				t.Fatalf("%s at %v: got %v, want %v", c, ts, err, ErrValidityPeriod)
			}
		}
	}
}

func TestTrustFailsInFreshStore(t *testing.T) {
	c := TrustedCertificateStore().Certificates()[0]
	store := NewCertificateStore()
	store.Append(c)

	ctx := NewVerificationContext(store, WithTime(c.ValidTo()))
	if _, err := c.Verify(ctx); !errors.Is(err, ErrChainUntrusted) {
		t.Fatalf("got %v, want %v", err, ErrChainUntrusted)
	}
}

func TestCertificateStoreAppend(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	inter := root.Issue(t, "Test Intermediate CA", certtest.WithCA())

	s := NewCertificateStore()
	if !s.Append(NewCertificate(root.Cert)) || !s.Append(NewCertificate(inter.Cert)) {
		t.Fatalf("failed appending certificates")
	}
	if s.Append(NewCertificate(root.Cert)) {
		t.Fatalf("appended duplicate certificate")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 certificates, got %d", s.Len())
	}
	if !s.Contains(NewCertificate(inter.Cert)) {
		t.Fatalf("store does not contain intermediate")
	}
	if c, ok := s.FindByIssuerSerial(inter.Cert.RawIssuer, inter.Cert.SerialNumber); !ok || !c.X509().Equal(inter.Cert) {
		t.Fatalf("failed finding intermediate by issuer and serial")
	}
	if found := s.FindBySubject(root.Cert.RawSubject); len(found) != 1 || !found[0].X509().Equal(root.Cert) {
		t.Fatalf("failed finding root by subject")
	}
	if certs := s.Certificates(); !certs[0].X509().Equal(root.Cert) || !certs[1].X509().Equal(inter.Cert) {
		t.Fatalf("certificates out of insertion order")
	}
}

func TestLoadCertificateStore(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	inter := root.Issue(t, "Test Intermediate CA", certtest.WithCA())
	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Cert.Raw})

	fs := afero.NewMemMapFs()
	files := map[string][]byte{
		"roots/root.pem":    rootPEM,
		"roots/inter.DER":   inter.Cert.Raw,
		"roots/copy.crt":    rootPEM,
		"roots/README":      []byte("not a certificate"),
		"roots/sub/sub.pem": rootPEM,
	}
	for name, b := range files {
		if err := afero.WriteFile(fs, name, b, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	for _, trusted := range []bool{true, false} {
		s, err := LoadCertificateStore(fs, "roots", trusted)
		if err != nil {
			t.Fatalf("failed loading store: %v", err)
		}
		if s.Len() != 2 {
			t.Fatalf("expected 2 certificates, got %d", s.Len())
		}
		if s.Trusted() != trusted {
			t.Fatalf("trusted: got %v, want %v", s.Trusted(), trusted)
		}
	}

	if err := afero.WriteFile(fs, "roots/broken.cer", []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertificateStore(fs, "roots", true); err == nil {
		t.Fatalf("loaded store with a broken certificate")
	}
	if _, err := LoadCertificateStore(fs, "missing", true); err == nil {
		t.Fatalf("loaded store from a missing directory")
	}
}

func TestParseCertificates(t *testing.T) {
	root := certtest.MkRoot(t, "Test Root CA")
	inter := root.Issue(t, "Test Intermediate CA", certtest.WithCA())

	var bundle []byte
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Cert.Raw})...)
	bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: inter.Cert.Raw})...)

	cases := []struct {
		name string
		data []byte
		n    int
	}{
		{"pem bundle", bundle, 2},
		{"der", root.Cert.Raw, 1},
		{"concatenated der", append(append([]byte{}, root.Cert.Raw...), inter.Cert.Raw...), 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			certs, err := ParseCertificates(c.data)
			if err != nil {
				t.Fatal(err)
			}
			if len(certs) != c.n {
				t.Fatalf("expected %d certificates, got %d", c.n, len(certs))
			}
		})
	}

	if _, err := ParseCertificates(nil); err == nil {
		t.Fatalf("parsed certificates from nothing")
	}
}
