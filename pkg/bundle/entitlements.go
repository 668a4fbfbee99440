package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"
)

var (
	// ErrFileNotFound is returned when the executable path does not exist.
	ErrFileNotFound = errors.New("bundle: file not found")

	// ErrNotMachO is returned when the file does not start with a Mach-O
	// magic number.
	ErrNotMachO = errors.New("bundle: not a Mach-O file")

	// ErrInvalidFormat is returned when the file is too short to contain a
	// Mach-O header at all.
	ErrInvalidFormat = errors.New("bundle: invalid file format")
)

const (
	machMagic32 = 0xfeedface
	machMagic64 = 0xfeedfacf

	machHeaderSize32 = 28
	machHeaderSize64 = 32

	loadCommandSize = 8

	// LC_CODE_SIGNATURE: a linkedit_data_command pointing at the code
	// signature superblob.
	lcCodeSignature = 0x1D
)

// ExtractEntitlements reads the entitlements plist embedded in an
// executable's code signature. The path may be an app bundle directory, in
// which case the bundle's main executable is resolved first.
//
// A binary without a code-signature load command, or with one whose bounds
// fall outside the file, yields an empty string and no error: an unsigned
// app is a legitimate state, not a parse failure.
func ExtractEntitlements(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", err
	}

	executablePath := path
	if info.IsDir() {
		executablePath, err = findExecutable(path)
		if err != nil {
			return "", err
		}
	}

	data, err := os.ReadFile(executablePath)
	if err != nil {
		return "", fmt.Errorf("bundle: reading %s: %w", executablePath, err)
	}
	return parseEntitlements(data)
}

// parseEntitlements walks the load commands of a Mach-O image looking for
// LC_CODE_SIGNATURE. All reads go through a bounds-checked cursor; truncated
// or corrupt command tables terminate the walk with an empty result instead
// of reading out of range.
func parseEntitlements(data []byte) (string, error) {
	cur := cursor{data: data}

	magic, ok := cur.peekUint32()
	if !ok {
		return "", ErrInvalidFormat
	}

	var headerSize int
	switch magic {
	case machMagic32:
		headerSize = machHeaderSize32
	case machMagic64:
		headerSize = machHeaderSize64
	default:
		return "", ErrNotMachO
	}

	header, ok := cur.take(headerSize)
	if !ok {
		return "", ErrInvalidFormat
	}
	ncmds := binary.LittleEndian.Uint32(header[16:20])

	for i := uint32(0); i < ncmds; i++ {
		command, ok := cur.peek(loadCommandSize)
		if !ok {
			return "", nil
		}
		cmd := binary.LittleEndian.Uint32(command[0:4])
		cmdsize := binary.LittleEndian.Uint32(command[4:8])

		if cmd == lcCodeSignature {
			return readSignatureBlob(data, cur)
		}

		// A command smaller than its own fixed header cannot advance the
		// walk; treat it as corrupt.
		if cmdsize < loadCommandSize {
			return "", nil
		}
		if _, ok := cur.take(int(cmdsize)); !ok {
			return "", nil
		}
	}
	return "", nil
}

// readSignatureBlob decodes a linkedit_data_command at the cursor and
// returns the signature region as UTF-8 text.
func readSignatureBlob(data []byte, cur cursor) (string, error) {
	command, ok := cur.take(16)
	if !ok {
		return "", nil
	}
	dataOff := binary.LittleEndian.Uint32(command[8:12])
	dataSize := binary.LittleEndian.Uint32(command[12:16])

	end := uint64(dataOff) + uint64(dataSize)
	if end > uint64(len(data)) {
		return "", nil
	}

	blob := data[dataOff:end]
	if !utf8.Valid(blob) {
		return "", nil
	}
	return string(blob), nil
}

// cursor is a bounds-checked reader over an untrusted byte slice.
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) peek(n int) ([]byte, bool) {
	if n < 0 || c.off+n > len(c.data) {
		return nil, false
	}
	return c.data[c.off : c.off+n], true
}

func (c *cursor) take(n int) ([]byte, bool) {
	b, ok := c.peek(n)
	if ok {
		c.off += n
	}
	return b, ok
}

func (c *cursor) peekUint32() (uint32, bool) {
	b, ok := c.peek(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}
