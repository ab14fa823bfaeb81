package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/foxboron/go-authenticode/authenticode"
)

var errVerificationFailed = errors.New("verification failed")

// VerifyCmd holds the verify flags
type VerifyCmd struct {
	*GlobalFlags

	Countersignature string
	TimestampRoots   string
	System           bool
}

// NewVerifyCmd defines the verify command
func NewVerifyCmd(g *GlobalFlags) *cobra.Command {
	cmd := &VerifyCmd{GlobalFlags: g}
	verifyCmd := &cobra.Command{
		Use:   "verify FILE...",
		Short: "Verify every signature of the given images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args)
		},
	}
	verifyCmd.Flags().StringVar(&cmd.Countersignature, "countersignature", "strict", "Countersignature handling: strict, permit or ignore")
	verifyCmd.Flags().StringVar(&cmd.TimestampRoots, "timestamp-roots", "", "Directory of trusted timestamping roots, defaults to the trust roots")
	verifyCmd.Flags().BoolVar(&cmd.System, "system", false, "Also ask the operating system to verify the image")
	return verifyCmd
}

func parseCountersignatureMode(s string) (authenticode.CountersignatureMode, error) {
	for _, m := range []authenticode.CountersignatureMode{
		authenticode.CountersignatureStrict,
		authenticode.CountersignaturePermit,
		authenticode.CountersignatureIgnore,
	} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown countersignature mode %q", s)
}

func (cmd *VerifyCmd) options() ([]authenticode.Option, error) {
	opts, err := cmd.Options()
	if err != nil {
		return nil, err
	}
	mode, err := parseCountersignatureMode(cmd.Countersignature)
	if err != nil {
		return nil, err
	}
	opts = append(opts, authenticode.WithCountersignatureMode(mode))
	if cmd.TimestampRoots != "" {
		store, err := authenticode.LoadCertificateStore(cmd.fs, cmd.TimestampRoots, true)
		if err != nil {
			return nil, fmt.Errorf("loading timestamp roots: %w", err)
		}
		opts = append(opts, authenticode.WithTimestampStore(store))
	}
	return opts, nil
}

// Run verifies every file and reports each signature on w.
func (cmd *VerifyCmd) Run(w io.Writer, files []string) error {
	opts, err := cmd.options()
	if err != nil {
		return err
	}
	failed := 0
	for _, path := range files {
		if err := cmd.verifyFile(w, path, opts); err != nil {
			logrus.WithField("file", path).Error(err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d files", errVerificationFailed, failed, len(files))
	}
	return nil
}

func (cmd *VerifyCmd) verifyFile(w io.Writer, path string, opts []authenticode.Option) error {
	f, err := open(cmd.GlobalFlags, path)
	if err != nil {
		return err
	}
	defer f.Close()

	results, err := f.Verify(opts...)
	if err != nil {
		return err
	}
	var bad int
	for i, r := range results {
		signer := signerName(r.SignedData)
		if r.Err != nil {
			bad++
			fmt.Fprintf(w, "%s: signature %d (%s): invalid: %v\n", path, i, signer, r.Err)
			continue
		}
		fmt.Fprintf(w, "%s: signature %d (%s): valid\n", path, i, signer)
		for _, chain := range r.Chains {
			for depth, c := range chain {
				fmt.Fprintf(w, "  %s%s\n", strings.Repeat("  ", depth), c)
			}
		}
		if cs := r.SignedData.Countersignature; cs != nil {
			fmt.Fprintf(w, "  timestamped (%s) at %s\n", cs.Kind, cs.SigningTime)
		}
	}

	if cmd.System {
		if err := verifySystem(path); err != nil {
			return fmt.Errorf("system verification: %w", err)
		}
		fmt.Fprintf(w, "%s: system verification passed\n", path)
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d of %d signatures", errVerificationFailed, bad, len(results))
	}
	return nil
}

func signerName(sd *authenticode.SignedData) string {
	signer, err := sd.SignerCertificate()
	if err != nil {
		return "unknown signer"
	}
	return signer.Subject().String()
}
