package pecoff

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WIN_CERTIFICATE constants from the PE/COFF specification.
const (
	WINCertificateRevision    uint16 = 0x0200
	WINCertTypePKCSSignedData uint16 = 0x0002

	SizeofWINCertificate = 4 + 2 + 2
)

// WINCertificate is one entry of the attribute certificate table.
type WINCertificate struct {
	Length      uint32
	Revision    uint16
	CertType    uint16
	Certificate []byte
}

// ReadWINCertificate reads a single entry. Readers exposing their size, like
// *io.SectionReader, are checked against the declared length before the
// payload is allocated.
func ReadWINCertificate(r io.Reader) (*WINCertificate, error) {
	var cert WINCertificate
	for _, v := range []interface{}{&cert.Length, &cert.Revision, &cert.CertType} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("%w: short certificate header: %v", ErrMalformedPE, err)
		}
	}
	if cert.Revision != WINCertificateRevision {
		return nil, fmt.Errorf("%w: WIN_CERTIFICATE revision should be %#x, but is %#x",
			ErrMalformedPE, WINCertificateRevision, cert.Revision)
	}
	if cert.Length < SizeofWINCertificate {
		return nil, fmt.Errorf("%w: WIN_CERTIFICATE length %d too small", ErrMalformedPE, cert.Length)
	}
	if s, ok := r.(interface{ Size() int64 }); ok && int64(cert.Length) > s.Size() {
		return nil, fmt.Errorf("%w: WIN_CERTIFICATE of %d bytes runs past the table", ErrMalformedPE, cert.Length)
	}
	cert.Certificate = make([]byte, cert.Length-SizeofWINCertificate)
	if _, err := io.ReadFull(r, cert.Certificate); err != nil {
		return nil, fmt.Errorf("%w: WIN_CERTIFICATE of %d bytes runs past the table: %v",
			ErrMalformedPE, cert.Length, err)
	}
	return &cert, nil
}

// WalkCertificateTable calls fn for every entry of the certificate table, in
// table order. The table is re-read on every call. Returning an error from fn
// stops the walk and returns that error.
func WalkCertificateTable(r io.ReaderAt, h *Header, fn func(*WINCertificate) error) error {
	if !h.HasSecurityDir() {
		return nil
	}
	table := h.CertificateTable()

	var off int64
	for table.Length-off > SizeofWINCertificate {
		entry := io.NewSectionReader(r, table.Offset+off, table.Length-off)
		cert, err := ReadWINCertificate(entry)
		if err != nil {
			return errors.Wrap(err, "couldn't parse certificate table entry")
		}
		if err := fn(cert); err != nil {
			return err
		}

		// All entries are padded up to 8 bytes
		_, size := PaddingBytes(int(cert.Length), 8)
		off += int64(cert.Length) + int64(size)
	}
	return nil
}

// ReadCertificateTable returns every entry of the certificate table.
func ReadCertificateTable(r io.ReaderAt, h *Header) ([]*WINCertificate, error) {
	var certs []*WINCertificate
	err := WalkCertificateTable(r, h, func(c *WINCertificate) error {
		certs = append(certs, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return certs, nil
}

// PaddingBytes returns the zero padding needed to align srcLen to blockSize,
// and its length.
func PaddingBytes(srcLen, blockSize int) ([]byte, int) {
	fullyPadded := (srcLen + blockSize - 1) &^ (blockSize - 1)
	padLen := fullyPadded - srcLen
	return make([]byte, padLen), padLen
}
