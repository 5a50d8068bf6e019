package frame

import (
	"bytes"
	"io"
)

// frameReader is a minimal pushback reader: reads come from leftover first,
// then from the underlying reader. unread lets the resync post-check put
// bytes back when it discovers the delimiter match was spurious.
type frameReader struct {
	r        io.Reader
	leftover []byte
}

func (f *frameReader) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	copied := 0
	if len(f.leftover) > 0 {
		copied = copy(buf, f.leftover)
		f.leftover = f.leftover[copied:]
	}
	if copied < n {
		if _, err := io.ReadFull(f.r, buf[copied:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (f *frameReader) readByte() (byte, error) {
	b, err := f.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *frameReader) unread(b []byte) {
	f.leftover = append(append([]byte(nil), b...), f.leftover...)
}

// indexOfDelimiter returns the offset of Delimiter within buf, or -1.
func indexOfDelimiter(buf []byte) int {
	return bytes.Index(buf, Delimiter[:])
}

// readFrameBytes reads one complete frame (header+body) according to
// shape/mode, returning the number of garbage bytes skipped to resync
// (always 0 in Strict mode).
func readFrameBytes(fr *frameReader, shape Shape, mode Mode) (frameBytes []byte, lossDelta int, err error) {
	if mode == Strict {
		header, err := fr.readN(shape.HeaderLen())
		if err != nil {
			return nil, 0, err
		}
		bodyLen, err := shape.BodyLen(header)
		if err != nil {
			return nil, 0, err
		}
		body, err := fr.readN(bodyLen)
		if err != nil {
			return nil, 0, err
		}
		return append(header, body...), 0, nil
	}
	return readResyncFrame(fr, shape, 0)
}

// readResyncFrame implements spec §4.1's resync algorithm: slide a 4-byte
// window until it matches Delimiter (counting skipped bytes as loss), read
// the header, then post-check that the header itself doesn't contain an
// embedded delimiter (which would mean the match above was spurious and the
// real frame starts later); if it does, push the tail back and recurse.
func readResyncFrame(fr *frameReader, shape Shape, skipped int) ([]byte, int, error) {
	window := make([]byte, 0, 4)
	for len(window) < 4 {
		b, err := fr.readByte()
		if err != nil {
			return nil, skipped, err
		}
		window = append(window, b)
	}
	for !bytes.Equal(window, Delimiter[:]) {
		skipped++
		b, err := fr.readByte()
		if err != nil {
			return nil, skipped, err
		}
		window = append(window[1:], b)
	}

	header, err := fr.readN(shape.HeaderLen())
	if err != nil {
		return nil, skipped, err
	}
	if idx := indexOfDelimiter(header); idx >= 0 {
		skipped += idx
		fr.unread(header[idx:])
		return readResyncFrame(fr, shape, skipped)
	}

	bodyLen, err := shape.BodyLen(header)
	if err != nil {
		return nil, skipped, err
	}
	body, err := fr.readN(bodyLen)
	if err != nil {
		return nil, skipped, err
	}
	return append(header, body...), skipped, nil
}

// writeFrameBytes writes one complete frame, prefixed with Delimiter in
// Resync mode.
func writeFrameBytes(w io.Writer, mode Mode, frameBytes []byte) error {
	if mode == Resync {
		if _, err := w.Write(Delimiter[:]); err != nil {
			return err
		}
	}
	_, err := w.Write(frameBytes)
	return err
}
