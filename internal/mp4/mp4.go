// Package mp4 inspects the top-level box layout of ISO base media files.
//
// Only the first few megabytes of a file are normally available, so every
// function tolerates truncated input and reports what it could find.
package mp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// HeadProbeBytes is how much of a file IsFaststartFile reads.
const HeadProbeBytes = 4 << 20

// ErrNoMoov is returned by ExtractMoov when no plausible moov box exists.
var ErrNoMoov = errors.New("mp4: no moov box found")

// Atom is a top-level box located within a buffer.
type Atom struct {
	Type   string
	Offset int64
	Size   int64
	Header int64
}

// FindAtom walks top-level boxes from the start of data and returns the
// first box of type fourcc. A box whose size is zero runs to the end of
// data. The walk stops at a zero size box, a size smaller than its own
// header, or a truncated header.
func FindAtom(data []byte, fourcc string) (Atom, bool) {
	var off int64
	n := int64(len(data))
	for off+8 <= n {
		size := int64(binary.BigEndian.Uint32(data[off : off+4]))
		typ := string(data[off+4 : off+8])
		header := int64(8)
		if size == 1 {
			if off+16 > n {
				return Atom{}, false
			}
			size = int64(binary.BigEndian.Uint64(data[off+8 : off+16]))
			header = 16
		}
		if typ == fourcc {
			if size == 0 {
				size = n - off
			}
			return Atom{Type: typ, Offset: off, Size: size, Header: header}, true
		}
		if size == 0 || size < header {
			return Atom{}, false
		}
		off += size
	}
	return Atom{}, false
}

// IsFaststart reports whether moov precedes mdat. Missing moov means the
// metadata is not in data at all; missing mdat with a moov present is
// treated as faststart.
func IsFaststart(data []byte) bool {
	moov, ok := FindAtom(data, "moov")
	if !ok {
		return false
	}
	mdat, ok := FindAtom(data, "mdat")
	if !ok {
		return true
	}
	return moov.Offset < mdat.Offset
}

// IsFaststartFile reads up to HeadProbeBytes of path and applies IsFaststart.
func IsFaststartFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, HeadProbeBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, err
	}
	return IsFaststart(buf[:n]), nil
}

// ExtractMoov locates a complete moov box anywhere in data, typically the
// tail of a file. Each occurrence of the "moov" type marker is checked for a
// size that fits the remaining bytes; the last valid one wins because the
// real box sits closest to the end of a non-faststart file.
func ExtractMoov(data []byte) ([]byte, error) {
	marker := []byte("moov")
	var found []byte
	from := 0
	for {
		idx := bytes.Index(data[from:], marker)
		if idx < 0 {
			break
		}
		typeAt := from + idx
		from = typeAt + 1

		start := typeAt - 4
		if start < 0 {
			continue
		}
		size := int64(binary.BigEndian.Uint32(data[start:typeAt]))
		header := int64(8)
		if size == 1 {
			if typeAt+12 > len(data) {
				continue
			}
			size = int64(binary.BigEndian.Uint64(data[typeAt+4 : typeAt+12]))
			header = 16
		}
		if size < header || int64(start)+size > int64(len(data)) {
			continue
		}
		found = data[start : int64(start)+size]
	}
	if found == nil {
		return nil, ErrNoMoov
	}
	out := make([]byte, len(found))
	copy(out, found)
	return out, nil
}
