// Package pecoff locates the parts of a PE/COFF image that Authenticode cares
// about: the checksum field, the certificate table directory entry and the
// certificate table itself.
package pecoff

import (
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	// ErrMalformedPE is returned when the image is not a valid PE/COFF file.
	ErrMalformedPE = errors.New("malformed PE/COFF image")

	// ErrUnsupportedAlgorithm is returned when a digest is requested with a
	// hash outside of the supported set.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// Index of the certificate table in the optional header data directories.
const certificateTableIndex = 4

// Range is a half-open byte range [Offset, Offset+Length) of the image.
type Range struct {
	Offset int64
	Length int64
}

// End returns the first offset after the range.
func (r Range) End() int64 { return r.Offset + r.Length }

// Header describes where the Authenticode relevant fields live in an image.
type Header struct {
	// Size of the whole image in bytes.
	Size int64

	// PE32Plus is set for 64-bit optional headers.
	PE32Plus bool

	// ChecksumOffset is the file offset of the 4 byte CheckSum field.
	ChecksumOffset int64

	// SecurityDirEntryOffset is the file offset of the 8 byte certificate
	// table entry in the data directories. It is -1 when the optional header
	// carries fewer than five data directories.
	SecurityDirEntryOffset int64

	// SecurityDir is the certificate table entry. VirtualAddress is a file
	// offset for this directory.
	SecurityDir pe.DataDirectory
}

// ParseHeader reads the PE/COFF headers from r.
func ParseHeader(r io.ReaderAt, size int64) (*Header, error) {
	f, err := pe.NewFile(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPE, err)
	}
	defer f.Close()

	// debug/pe accepts plain COFF objects, which have no DOS stub.
	var dosheader [0x40]byte
	if _, err := r.ReadAt(dosheader[0:], 0); err != nil {
		return nil, fmt.Errorf("%w: reading DOS header: %v", ErrMalformedPE, err)
	}
	if dosheader[0] != 'M' || dosheader[1] != 'Z' {
		return nil, fmt.Errorf("%w: missing MZ signature", ErrMalformedPE)
	}

	// Start of the optional header
	offset := int64(binary.LittleEndian.Uint32(dosheader[0x3c:])) + int64(binary.Size(f.FileHeader)) + 4

	h := &Header{
		Size:                   size,
		ChecksumOffset:         offset + 64,
		SecurityDirEntryOffset: -1,
	}

	var numDirs uint32
	switch optHeader := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		numDirs = optHeader.NumberOfRvaAndSizes
		h.SecurityDirEntryOffset = offset + 128
		h.SecurityDir = optHeader.DataDirectory[certificateTableIndex]
	case *pe.OptionalHeader64:
		numDirs = optHeader.NumberOfRvaAndSizes
		h.PE32Plus = true
		h.SecurityDirEntryOffset = offset + 144
		h.SecurityDir = optHeader.DataDirectory[certificateTableIndex]
	default:
		return nil, fmt.Errorf("%w: missing optional header", ErrMalformedPE)
	}

	if numDirs <= certificateTableIndex {
		h.SecurityDirEntryOffset = -1
		h.SecurityDir = pe.DataDirectory{}
	}

	if h.ChecksumOffset+4 > size {
		return nil, fmt.Errorf("%w: truncated optional header", ErrMalformedPE)
	}

	if h.HasSecurityDir() {
		table := h.CertificateTable()
		if table.Offset < h.SecurityDirEntryOffset+8 || table.End() > size {
			return nil, fmt.Errorf("%w: certificate table [%d, %d) outside of image of %d bytes",
				ErrMalformedPE, table.Offset, table.End(), size)
		}
	}

	return h, nil
}

// HasSecurityDir reports whether the image carries a non-empty certificate table.
func (h *Header) HasSecurityDir() bool {
	return h.SecurityDirEntryOffset >= 0 && h.SecurityDir.Size != 0
}

// CertificateTable returns the range of the certificate table. The range is
// empty for unsigned images.
func (h *Header) CertificateTable() Range {
	if !h.HasSecurityDir() {
		return Range{}
	}
	return Range{Offset: int64(h.SecurityDir.VirtualAddress), Length: int64(h.SecurityDir.Size)}
}

// ExcludedRanges returns the sorted, merged ranges that never contribute to
// the Authenticode digest.
func (h *Header) ExcludedRanges() []Range {
	ranges := []Range{{Offset: h.ChecksumOffset, Length: 4}}
	if h.SecurityDirEntryOffset >= 0 {
		ranges = append(ranges, Range{Offset: h.SecurityDirEntryOffset, Length: 8})
	}
	if h.HasSecurityDir() {
		ranges = append(ranges, h.CertificateTable())
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Offset <= last.End() {
			if r.End() > last.End() {
				last.Length = r.End() - last.Offset
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// HashRanges returns the ranges covered by the Authenticode digest. Bytes
// after the certificate table are included.
func (h *Header) HashRanges() []Range {
	var ranges []Range
	var pos int64
	for _, ex := range h.ExcludedRanges() {
		if ex.Offset > pos {
			ranges = append(ranges, Range{Offset: pos, Length: ex.Offset - pos})
		}
		pos = ex.End()
	}
	if pos < h.Size {
		ranges = append(ranges, Range{Offset: pos, Length: h.Size - pos})
	}
	return ranges
}

// HashContent returns a reader over the bytes covered by the digest, in file
// order.
func (h *Header) HashContent(r io.ReaderAt) io.Reader {
	var readers []io.Reader
	for _, rng := range h.HashRanges() {
		readers = append(readers, io.NewSectionReader(r, rng.Offset, rng.Length))
	}
	return io.MultiReader(readers...)
}
