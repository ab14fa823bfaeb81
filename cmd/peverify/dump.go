package main

import (
	"crypto"
	"encoding/hex"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/foxboron/go-authenticode/authenticode"
)

type certificateInfo struct {
	Subject   string    `yaml:"subject"`
	Issuer    string    `yaml:"issuer"`
	Serial    string    `yaml:"serial"`
	NotBefore time.Time `yaml:"not_before"`
	NotAfter  time.Time `yaml:"not_after"`
}

type countersignatureInfo struct {
	Kind        string    `yaml:"kind"`
	SigningTime time.Time `yaml:"signing_time"`
	Signer      string    `yaml:"signer,omitempty"`
}

type signatureInfo struct {
	DigestAlgorithm  string                `yaml:"digest_algorithm"`
	Digest           string                `yaml:"digest"`
	ImageDigest      string                `yaml:"image_digest"`
	Signer           string                `yaml:"signer,omitempty"`
	ProgramName      string                `yaml:"program_name,omitempty"`
	MoreInfo         string                `yaml:"more_info,omitempty"`
	Certificates     []certificateInfo     `yaml:"certificates"`
	Countersignature *countersignatureInfo `yaml:"countersignature,omitempty"`
	TrailingBytes    int                   `yaml:"trailing_bytes,omitempty"`
	Nested           []signatureInfo       `yaml:"nested,omitempty"`
}

type imageInfo struct {
	File       string          `yaml:"file"`
	Signatures []signatureInfo `yaml:"signatures"`
}

func newCertificateInfo(c *authenticode.Certificate) certificateInfo {
	return certificateInfo{
		Subject:   c.Subject().String(),
		Issuer:    c.Issuer().String(),
		Serial:    c.SerialNumber().Text(16),
		NotBefore: c.ValidFrom().UTC(),
		NotAfter:  c.ValidTo().UTC(),
	}
}

// digestAlgorithms collects the hashes used by sds and their nested
// signatures.
func digestAlgorithms(sds []*authenticode.SignedData, seen map[crypto.Hash]bool) []crypto.Hash {
	var hashes []crypto.Hash
	for _, sd := range sds {
		if !seen[sd.DigestAlgorithm] {
			seen[sd.DigestAlgorithm] = true
			hashes = append(hashes, sd.DigestAlgorithm)
		}
		hashes = append(hashes, digestAlgorithms(sd.Nested, seen)...)
	}
	return hashes
}

func newSignatureInfo(sd *authenticode.SignedData, digests map[crypto.Hash][]byte) signatureInfo {
	info := signatureInfo{
		DigestAlgorithm: hashName(sd.DigestAlgorithm),
		Digest:          hex.EncodeToString(sd.ExpectedDigest),
		ImageDigest:     hex.EncodeToString(digests[sd.DigestAlgorithm]),
		TrailingBytes:   len(sd.TrailingBytes),
	}
	if signer, err := sd.SignerCertificate(); err == nil {
		info.Signer = signer.Subject().String()
	}
	if sd.OpusInfo != nil {
		info.ProgramName = sd.OpusInfo.ProgramName
		info.MoreInfo = sd.OpusInfo.MoreInfo
	}
	for _, c := range sd.Certificates {
		info.Certificates = append(info.Certificates, newCertificateInfo(c))
	}
	if cs := sd.Countersignature; cs != nil {
		info.Countersignature = &countersignatureInfo{
			Kind:        cs.Kind.String(),
			SigningTime: cs.SigningTime.UTC(),
		}
		for _, c := range cs.Certificates {
			if cs.SignerInfo.IsCertificate(c.X509()) {
				info.Countersignature.Signer = c.Subject().String()
				break
			}
		}
	}
	for _, n := range sd.Nested {
		info.Nested = append(info.Nested, newSignatureInfo(n, digests))
	}
	return info
}

// DumpCmd holds the dump flags
type DumpCmd struct {
	*GlobalFlags
}

// NewDumpCmd defines the dump command
func NewDumpCmd(g *GlobalFlags) *cobra.Command {
	cmd := &DumpCmd{GlobalFlags: g}
	return &cobra.Command{
		Use:   "dump FILE",
		Short: "Print the signatures of an image as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args[0])
		},
	}
}

func (cmd *DumpCmd) Run(w io.Writer, path string) error {
	f, err := open(cmd.GlobalFlags, path)
	if err != nil {
		return err
	}
	defer f.Close()

	sds, err := f.SignedDatas()
	if err != nil {
		return err
	}
	digests, err := f.Digest(digestAlgorithms(sds, map[crypto.Hash]bool{})...)
	if err != nil {
		return err
	}
	info := imageInfo{File: path}
	for _, sd := range sds {
		info.Signatures = append(info.Signatures, newSignatureInfo(sd, digests))
	}

	out, err := yaml.Marshal(info)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
