// Package petest builds small PE/COFF images for tests.
package petest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

const (
	fileAlignment = 0x200
	sizeOfHeaders = 0x200
	lfanew        = 0x40
)

type config struct {
	pe32    bool
	numDirs uint32
	text    []byte
}

// Option configures the image produced by Build.
type Option func(*config)

// WithPE32 builds a 32-bit image instead of a PE32+ one.
func WithPE32() Option {
	return func(c *config) {
		c.pe32 = true
	}
}

// WithDataDirectories sets NumberOfRvaAndSizes.
func WithDataDirectories(n uint32) Option {
	return func(c *config) {
		c.numDirs = n
	}
}

// WithText sets the contents of the .text section.
func WithText(b []byte) Option {
	return func(c *config) {
		c.text = b
	}
}

// Build returns an unsigned image with a single .text section.
func Build(opts ...Option) []byte {
	c := &config{
		numDirs: 16,
		text:    bytes.Repeat([]byte{0xc3, 0x90, 0x90, 0x90}, 64),
	}
	for _, optFunc := range opts {
		optFunc(c)
	}

	rawSize := (uint32(len(c.text)) + fileAlignment - 1) &^ (fileAlignment - 1)

	var opt bytes.Buffer
	var fixed int
	if c.pe32 {
		oh := pe.OptionalHeader32{
			Magic:                       0x10b,
			SizeOfCode:                  rawSize,
			AddressOfEntryPoint:         0x1000,
			BaseOfCode:                  0x1000,
			ImageBase:                   0x400000,
			SectionAlignment:            0x1000,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 0x2000,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   3,
			NumberOfRvaAndSizes:         c.numDirs,
		}
		binary.Write(&opt, binary.LittleEndian, &oh)
		fixed = binary.Size(oh) - binary.Size(oh.DataDirectory)
	} else {
		oh := pe.OptionalHeader64{
			Magic:                       0x20b,
			SizeOfCode:                  rawSize,
			AddressOfEntryPoint:         0x1000,
			BaseOfCode:                  0x1000,
			ImageBase:                   0x140000000,
			SectionAlignment:            0x1000,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 0x2000,
			SizeOfHeaders:               sizeOfHeaders,
			Subsystem:                   3,
			NumberOfRvaAndSizes:         c.numDirs,
		}
		binary.Write(&opt, binary.LittleEndian, &oh)
		fixed = binary.Size(oh) - binary.Size(oh.DataDirectory)
	}
	optBytes := opt.Bytes()[:fixed+int(c.numDirs)*binary.Size(pe.DataDirectory{})]

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(len(optBytes)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	if c.pe32 {
		fh.Machine = pe.IMAGE_FILE_MACHINE_I386
		fh.Characteristics = pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE
	}

	sh := pe.SectionHeader32{
		Name:             [8]uint8{'.', 't', 'e', 'x', 't'},
		VirtualSize:      uint32(len(c.text)),
		VirtualAddress:   0x1000,
		SizeOfRawData:    rawSize,
		PointerToRawData: sizeOfHeaders,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}

	var b bytes.Buffer
	dos := make([]byte, lfanew)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], lfanew)
	b.Write(dos)
	b.WriteString("PE\x00\x00")
	binary.Write(&b, binary.LittleEndian, &fh)
	b.Write(optBytes)
	binary.Write(&b, binary.LittleEndian, &sh)
	b.Write(make([]byte, sizeOfHeaders-b.Len()))

	section := make([]byte, rawSize)
	copy(section, c.text)
	b.Write(section)

	return b.Bytes()
}

// Pad8 returns img zero padded to a multiple of 8 bytes, which is where a
// certificate table has to start.
func Pad8(img []byte) []byte {
	out := bytes.Clone(img)
	if rem := len(out) % 8; rem != 0 {
		out = append(out, make([]byte, 8-rem)...)
	}
	return out
}

// AppendCertificateTable appends one WIN_CERTIFICATE entry per blob and
// points the certificate table directory entry at them. An existing table at
// the end of img is extended.
func AppendCertificateTable(img []byte, blobs ...[]byte) []byte {
	dirOff := securityDirOffset(img)
	va := binary.LittleEndian.Uint32(img[dirOff:])
	size := binary.LittleEndian.Uint32(img[dirOff+4:])

	var out []byte
	if size != 0 && int(va+size) == len(img) {
		out = bytes.Clone(img)
	} else {
		out = Pad8(img)
		va, size = uint32(len(out)), 0
	}

	for _, blob := range blobs {
		var entry bytes.Buffer
		binary.Write(&entry, binary.LittleEndian, uint32(8+len(blob)))
		binary.Write(&entry, binary.LittleEndian, uint16(0x0200))
		binary.Write(&entry, binary.LittleEndian, uint16(0x0002))
		entry.Write(blob)
		for entry.Len()%8 != 0 {
			entry.WriteByte(0)
		}
		out = append(out, entry.Bytes()...)
		size += uint32(entry.Len())
	}

	binary.LittleEndian.PutUint32(out[dirOff:], va)
	binary.LittleEndian.PutUint32(out[dirOff+4:], size)
	return out
}

// securityDirOffset returns the file offset of the certificate table entry.
func securityDirOffset(img []byte) int {
	optOff := int(binary.LittleEndian.Uint32(img[0x3c:])) + 4 + binary.Size(pe.FileHeader{})
	if binary.LittleEndian.Uint16(img[optOff:]) == 0x10b {
		return optOff + 128
	}
	return optOff + 144
}
