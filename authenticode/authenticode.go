// Package authenticode verifies Microsoft Authenticode signatures of PE/COFF
// images.
//
// Signatures are read from the certificate table of an image, the image
// digest is recomputed and compared, the signer's signature is checked and
// certificate chains are built from the signer to a store of trust anchors.
// Countersignatures from timestamping authorities move the evaluation time
// of the signer chain to the time they vouch for.
package authenticode

// Result is the outcome of verifying one signature of an image.
type Result struct {
	SignedData *SignedData
	// Chains from the signer to a trust anchor. Empty when Err is set.
	Chains [][]*Certificate
	Err    error
}

// VerifyFile verifies every signature of the PE image at path.
func VerifyFile(path string, opts ...Option) ([]*Result, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Verify(opts...)
}
