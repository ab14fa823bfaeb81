package main

import (
	"crypto"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var hashNames = map[string]crypto.Hash{
	"md5":    crypto.MD5,
	"sha1":   crypto.SHA1,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

func hashName(h crypto.Hash) string {
	for name, v := range hashNames {
		if v == h {
			return name
		}
	}
	return h.String()
}

// DigestCmd holds the digest flags
type DigestCmd struct {
	*GlobalFlags

	Hashes []string
	Raw    bool
}

// NewDigestCmd defines the digest command
func NewDigestCmd(g *GlobalFlags) *cobra.Command {
	cmd := &DigestCmd{GlobalFlags: g}
	digestCmd := &cobra.Command{
		Use:   "digest FILE",
		Short: "Print the Authenticode digest of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(c.OutOrStdout(), args[0])
		},
	}
	digestCmd.Flags().StringSliceVar(&cmd.Hashes, "hash", []string{"sha256"}, "Hash algorithms: md5, sha1, sha256, sha384, sha512")
	digestCmd.Flags().BoolVar(&cmd.Raw, "raw", false, "Write the hashed bytes instead of their digest")
	return digestCmd
}

func (cmd *DigestCmd) Run(w io.Writer, path string) error {
	var hashes []crypto.Hash
	for _, name := range cmd.Hashes {
		h, ok := hashNames[strings.ToLower(name)]
		if !ok {
			return fmt.Errorf("unknown hash %q", name)
		}
		hashes = append(hashes, h)
	}

	f, err := open(cmd.GlobalFlags, path)
	if err != nil {
		return err
	}
	defer f.Close()

	if cmd.Raw {
		_, err := io.Copy(w, f.HashContent())
		return err
	}

	digests, err := f.Digest(hashes...)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		fmt.Fprintf(w, "%s  %s  %s\n", hashName(h), hex.EncodeToString(digests[h]), path)
	}
	return nil
}
