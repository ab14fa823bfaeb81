package authenticode

import (
	"crypto"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/foxboron/go-authenticode/pecoff"
)

// SignedPEFile gives access to the signatures of a PE image.
type SignedPEFile struct {
	r      io.ReaderAt
	size   int64
	header *pecoff.Header
	closer io.Closer
}

// Open opens the PE image at path. The caller must Close it.
func Open(path string) (*SignedPEFile, error) {
	return OpenFs(afero.NewOsFs(), path)
}

// OpenFs opens the PE image at path in fs. The caller must Close it.
func OpenFs(fs afero.Fs, path string) (*SignedPEFile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	pe, err := NewSignedPEFile(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	pe.closer = f
	return pe, nil
}

// NewSignedPEFile reads the PE headers of the size byte image in r.
func NewSignedPEFile(r io.ReaderAt, size int64) (*SignedPEFile, error) {
	h, err := pecoff.ParseHeader(r, size)
	if err != nil {
		return nil, newError(KindMalformedContainer, err, "failed parsing PE image")
	}
	return &SignedPEFile{r: r, size: size, header: h}, nil
}

// Close releases the underlying file when it was opened by Open.
func (f *SignedPEFile) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f *SignedPEFile) Header() *pecoff.Header {
	return f.header
}

// Digest computes the Authenticode digest of the image for every hash.
func (f *SignedPEFile) Digest(hashes ...crypto.Hash) (map[crypto.Hash][]byte, error) {
	digests, err := f.header.Digest(f.r, hashes...)
	if errors.Is(err, pecoff.ErrUnsupportedAlgorithm) {
		return nil, newError(KindUnsupportedAlgorithm, err, "image digest")
	}
	return digests, err
}

// HashContent returns the bytes of the image covered by the Authenticode
// digest.
func (f *SignedPEFile) HashContent() io.Reader {
	return f.header.HashContent(f.r)
}

// WalkSignatures calls fn with the contents of every PKCS#7 entry of the
// certificate table, in table order. Other entry types are skipped.
func (f *SignedPEFile) WalkSignatures(fn func(blob []byte) error) error {
	err := pecoff.WalkCertificateTable(f.r, f.header, func(c *pecoff.WINCertificate) error {
		if c.CertType != pecoff.WINCertTypePKCSSignedData {
			return nil
		}
		return fn(c.Certificate)
	})
	if errors.Is(err, pecoff.ErrMalformedPE) {
		return newError(KindMalformedContainer, err, "failed reading certificate table")
	}
	return err
}

// SignatureBlobs returns the contents of every PKCS#7 entry of the
// certificate table.
func (f *SignedPEFile) SignatureBlobs() ([][]byte, error) {
	var blobs [][]byte
	err := f.WalkSignatures(func(blob []byte) error {
		blobs = append(blobs, blob)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

// SignedDatas parses every signature of the image. It returns
// ErrNoSignatures for unsigned images.
func (f *SignedPEFile) SignedDatas() ([]*SignedData, error) {
	var sds []*SignedData
	err := f.WalkSignatures(func(blob []byte) error {
		sd, err := ParseSignedData(blob)
		if err != nil {
			return fmt.Errorf("signature %d: %w", len(sds), err)
		}
		sd.attach(f)
		sds = append(sds, sd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(sds) == 0 {
		return nil, ErrNoSignatures
	}
	return sds, nil
}

func (sd *SignedData) attach(f *SignedPEFile) {
	sd.file = f
	for _, n := range sd.Nested {
		n.attach(f)
	}
}

// Verify verifies every signature of the image. Nested signatures are
// verified after the signature carrying them.
func (f *SignedPEFile) Verify(opts ...Option) ([]*Result, error) {
	sds, err := f.SignedDatas()
	if err != nil {
		return nil, err
	}
	var results []*Result
	var walk func(sd *SignedData)
	walk = func(sd *SignedData) {
		chains, err := sd.Verify(opts...)
		results = append(results, &Result{SignedData: sd, Chains: chains, Err: err})
		for _, n := range sd.Nested {
			walk(n)
		}
	}
	for _, sd := range sds {
		walk(sd)
	}
	return results, nil
}
