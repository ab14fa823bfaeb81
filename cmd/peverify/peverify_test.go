package main

import (
	"bytes"
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/foxboron/go-authenticode/internal/certtest"
	"github.com/foxboron/go-authenticode/internal/petest"
	"github.com/foxboron/go-authenticode/internal/sigtest"
	"github.com/foxboron/go-authenticode/pecoff"
)

type fixture struct {
	fs   afero.Fs
	root *certtest.Pair
	leaf *certtest.Pair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := certtest.MkRoot(t, "Test Root CA")
	inter := root.Issue(t, "Test Intermediate CA", certtest.WithCA())
	leaf := inter.Issue(t, "Test Signer", certtest.WithExtKeyUsage(x509.ExtKeyUsageCodeSigning))

	img := petest.Pad8(petest.Build())
	digests, err := pecoff.Digest(bytes.NewReader(img), int64(len(img)), crypto.SHA1, crypto.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	nested := sigtest.Sign(t, leaf, digests[crypto.SHA256], sigtest.WithChain(inter.Cert))
	outer := sigtest.Sign(t, leaf, digests[crypto.SHA1], sigtest.WithHash(crypto.SHA1), sigtest.WithChain(inter.Cert), sigtest.WithNested(nested))

	fs := afero.NewMemMapFs()
	files := map[string][]byte{
		"dual.efi": petest.AppendCertificateTable(img, outer),
		"roots/root.pem": pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Cert.Raw}),
		"signed.efi": sigtest.SignImage(t, petest.Build(), leaf,
			sigtest.WithChain(inter.Cert), sigtest.WithOpusInfo("Test Program", "")),
		"unsigned.efi": petest.Build(),
	}
	for name, b := range files {
		if err := afero.WriteFile(fs, name, b, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{fs: fs, root: root, leaf: leaf}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(f.fs)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestVerifyCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "verify", "--roots", "roots", "signed.efi")
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	if want := "signed.efi: signature 0 (" + f.leaf.Cert.Subject.String() + "): valid"; !strings.Contains(out, want) {
		t.Fatalf("unexpected output:\n%s", out)
	}

	// The bundled roots do not know the test root.
	out, err = f.run(t, "verify", "signed.efi")
	if !errors.Is(err, errVerificationFailed) {
		t.Fatalf("got %v, want %v", err, errVerificationFailed)
	}
	if !strings.Contains(out, "invalid") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	later := f.root.Cert.NotAfter.Add(time.Hour).Format(time.RFC3339)
	if _, err := f.run(t, "verify", "--roots", "roots", "--time", later, "signed.efi"); !errors.Is(err, errVerificationFailed) {
		t.Fatalf("got %v, want %v", err, errVerificationFailed)
	}
}

func TestVerifyFailureLoggedOnce(t *testing.T) {
	f := newFixture(t)
	defer logrus.SetOutput(os.Stderr)

	var stderr bytes.Buffer
	cmd := newRootCmd(f.fs)
	cmd.SetArgs([]string{"verify", "--roots", "roots", "signed.efi", "unsigned.efi"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&stderr)
	if status := execute(cmd); status != 1 {
		t.Fatalf("exit status %d, want 1", status)
	}
	if n := strings.Count(stderr.String(), "level=error"); n != 1 {
		t.Fatalf("expected one logged error, got %d:\n%s", n, stderr.String())
	}
	if !strings.Contains(stderr.String(), "file=unsigned.efi") {
		t.Fatalf("failing file not logged:\n%s", stderr.String())
	}
}

func TestVerifyCommandErrors(t *testing.T) {
	f := newFixture(t)
	cases := [][]string{
		{"verify", "--roots", "roots", "unsigned.efi"},
		{"verify", "--roots", "roots", "missing.efi"},
		{"verify", "--roots", "missing", "signed.efi"},
		{"verify", "--time", "yesterday", "signed.efi"},
		{"verify", "--countersignature", "sometimes", "signed.efi"},
		{"verify"},
	}
	for _, args := range cases {
		if _, err := f.run(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestParseCountersignatureMode(t *testing.T) {
	for _, s := range []string{"strict", "Permit", "IGNORE"} {
		if _, err := parseCountersignatureMode(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	if _, err := parseCountersignatureMode("never"); err == nil {
		t.Fatalf("parsed unknown mode")
	}
}

func TestDigestCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "digest", "--hash", "sha1,sha256", "signed.efi")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "sha1  ") || !strings.HasPrefix(lines[1], "sha256  ") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	raw, err := f.run(t, "digest", "--raw", "signed.efi")
	if err != nil {
		t.Fatal(err)
	}
	if want := hex.EncodeToString(hashOf([]byte(raw))); !strings.Contains(out, want) {
		t.Fatalf("sha1 of the raw output %s not in:\n%s", want, out)
	}

	if _, err := f.run(t, "digest", "--hash", "crc32", "signed.efi"); err == nil {
		t.Fatalf("accepted unknown hash")
	}
}

func hashOf(b []byte) []byte {
	sum := sha1.Sum(b)
	return sum[:]
}

func TestDumpCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "dump", "signed.efi")
	if err != nil {
		t.Fatal(err)
	}
	var info imageInfo
	if err := yaml.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid yaml: %v\n%s", err, out)
	}
	if len(info.Signatures) != 1 {
		t.Fatalf("expected one signature, got %d", len(info.Signatures))
	}
	sig := info.Signatures[0]
	if sig.Digest != sig.ImageDigest {
		t.Fatalf("signed digest %s does not match image digest %s", sig.Digest, sig.ImageDigest)
	}
	if sig.ProgramName != "Test Program" || sig.Signer != f.leaf.Cert.Subject.String() || len(sig.Certificates) != 2 {
		t.Fatalf("unexpected signature %+v", sig)
	}
}

func TestDumpCommandMixedHashes(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "dump", "dual.efi")
	if err != nil {
		t.Fatal(err)
	}
	var info imageInfo
	if err := yaml.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("invalid yaml: %v\n%s", err, out)
	}
	if len(info.Signatures) != 1 || len(info.Signatures[0].Nested) != 1 {
		t.Fatalf("unexpected signatures:\n%s", out)
	}
	outer, nested := info.Signatures[0], info.Signatures[0].Nested[0]
	if outer.DigestAlgorithm != "sha1" || nested.DigestAlgorithm != "sha256" {
		t.Fatalf("digest algorithms %s and %s", outer.DigestAlgorithm, nested.DigestAlgorithm)
	}
	for _, sig := range []signatureInfo{outer, nested} {
		if sig.ImageDigest == "" || sig.Digest != sig.ImageDigest {
			t.Fatalf("%s: signed digest %s, image digest %s", sig.DigestAlgorithm, sig.Digest, sig.ImageDigest)
		}
	}
}

func TestRootsCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "roots", "--roots", "roots")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), f.root.Cert.Subject.String()) {
		t.Fatalf("unexpected output:\n%s", out)
	}
	out, err = f.run(t, "roots")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Microsoft") {
		t.Fatalf("bundled roots missing:\n%s", out)
	}
}
