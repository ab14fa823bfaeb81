package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewRootsCmd defines the roots command
func NewRootsCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "List the trusted root certificates",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return listRoots(c.OutOrStdout(), g)
		},
	}
}

func listRoots(w io.Writer, g *GlobalFlags) error {
	store, err := g.TrustStore()
	if err != nil {
		return err
	}
	for _, c := range store.Certificates() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ValidFrom().UTC().Format("2006-01-02"), c.ValidTo().UTC().Format("2006-01-02"), c.Subject())
	}
	return nil
}
