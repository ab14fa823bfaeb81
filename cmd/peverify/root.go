package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/foxboron/go-authenticode/authenticode"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	Debug bool
	Roots string
	Time  string

	fs afero.Fs
}

func (g *GlobalFlags) SetupFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&g.Debug, "debug", false, "Log rejected certificate paths")
	flags.StringVar(&g.Roots, "roots", "", "Directory of trusted root certificates instead of the bundled ones")
	flags.StringVar(&g.Time, "time", "", "Evaluate certificates at this RFC 3339 time instead of now")
}

// NewRootCmd returns the peverify command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	return newRootCmd(afero.NewOsFs())
}

func newRootCmd(fs afero.Fs) *cobra.Command {
	g := &GlobalFlags{fs: fs}
	rootCmd := &cobra.Command{
		Use:           "peverify",
		Short:         "Verify Authenticode signatures of PE images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logrus.SetOutput(cmd.ErrOrStderr())
			if g.Debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	g.SetupFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(NewVerifyCmd(g))
	rootCmd.AddCommand(NewDigestCmd(g))
	rootCmd.AddCommand(NewDumpCmd(g))
	rootCmd.AddCommand(NewRootsCmd(g))
	return rootCmd
}

// TrustStore returns the store named by --roots, or the bundled one.
func (g *GlobalFlags) TrustStore() (*authenticode.CertificateStore, error) {
	if g.Roots == "" {
		return authenticode.TrustedCertificateStore(), nil
	}
	store, err := authenticode.LoadCertificateStore(g.fs, g.Roots, true)
	if err != nil {
		return nil, fmt.Errorf("loading roots: %w", err)
	}
	return store, nil
}

// Options turns the global flags into verification options.
func (g *GlobalFlags) Options() ([]authenticode.Option, error) {
	store, err := g.TrustStore()
	if err != nil {
		return nil, err
	}
	opts := []authenticode.Option{
		authenticode.WithTrustStore(store),
		authenticode.WithLogger(logrus.StandardLogger()),
	}
	if g.Time != "" {
		t, err := time.Parse(time.RFC3339, g.Time)
		if err != nil {
			return nil, fmt.Errorf("invalid --time: %w", err)
		}
		opts = append(opts, authenticode.WithTime(t))
	}
	return opts, nil
}

func open(g *GlobalFlags, path string) (*authenticode.SignedPEFile, error) {
	return authenticode.OpenFs(g.fs, path)
}
