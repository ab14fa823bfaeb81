package pecoff

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
)

var supportedHashes = map[crypto.Hash]bool{
	crypto.MD5:    true,
	crypto.SHA1:   true,
	crypto.SHA256: true,
	crypto.SHA384: true,
	crypto.SHA512: true,
}

// Supported reports whether h can be used for an Authenticode digest.
func Supported(h crypto.Hash) bool {
	return supportedHashes[h] && h.Available()
}

// Digest computes the Authenticode digest of the image in r for every
// requested hash. The image is read once.
func Digest(r io.ReaderAt, size int64, hashes ...crypto.Hash) (map[crypto.Hash][]byte, error) {
	h, err := ParseHeader(r, size)
	if err != nil {
		return nil, err
	}
	return h.Digest(r, hashes...)
}

// Digest computes the Authenticode digest of the image described by h.
func (h *Header) Digest(r io.ReaderAt, hashes ...crypto.Hash) (map[crypto.Hash][]byte, error) {
	if len(hashes) == 0 {
		return nil, errors.New("no hash algorithms requested")
	}

	states := make(map[crypto.Hash]hash.Hash, len(hashes))
	writers := make([]io.Writer, 0, len(hashes))
	for _, alg := range hashes {
		if !Supported(alg) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, alg)
		}
		if _, ok := states[alg]; ok {
			continue
		}
		s := alg.New()
		states[alg] = s
		writers = append(writers, s)
	}

	if _, err := io.Copy(io.MultiWriter(writers...), h.HashContent(r)); err != nil {
		return nil, fmt.Errorf("failed reading image: %w", err)
	}

	digests := make(map[crypto.Hash][]byte, len(states))
	for alg, s := range states {
		digests[alg] = s.Sum(nil)
	}
	return digests, nil
}
