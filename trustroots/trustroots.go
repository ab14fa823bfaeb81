// Package trustroots bundles the root certificates trusted for Authenticode
// signatures and timestamps.
package trustroots

import "embed"

// Certs holds PEM encoded roots under certs/.
//
//go:embed certs/*.pem
var Certs embed.FS

// Dir is the directory of Certs holding the roots.
const Dir = "certs"
