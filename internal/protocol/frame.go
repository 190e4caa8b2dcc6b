package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize          = 4
	DefaultMaxFrameSize = 16 << 20
)

// ReadFrame reads one length-prefixed payload. A clean EOF before the header
// is io.EOF; anything that leaves the stream mid-frame is
// io.ErrUnexpectedEOF, and a length above max is ErrFrameTooLarge. Both of
// the latter mean the next frame boundary is lost.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(max) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(nil, payload))
	return err
}

func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// IsDesync reports whether err from ReadFrame means the stream can no longer
// be split into frames.
func IsDesync(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) || errors.Is(err, io.ErrUnexpectedEOF)
}
