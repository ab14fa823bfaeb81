// peverify verifies Authenticode signatures of PE images.
package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// execute runs cmd and returns the exit status. Files that failed
// verification are already logged by verify.
func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errVerificationFailed) {
		logrus.Error(err)
	}
	return 1
}

func main() {
	os.Exit(execute(NewRootCmd()))
}
