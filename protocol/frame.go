package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the big-endian uint32 prefix on every frame.
const HeaderSize = 4

// DefaultMaxFrameSize caps a single frame body at 10 MiB.
const DefaultMaxFrameSize = 10 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrShortFrame    = errors.New("connection closed mid-frame")
)

// FrameError is returned for any read or write failure that leaves the
// stream unusable. The connection must be torn down.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %s: %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// FrameReader yields complete frame bodies from a byte stream.
type FrameReader struct {
	r       io.Reader
	maxSize int
	header  [HeaderSize]byte
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame returns the next frame body. A clean close between frames is
// reported as io.EOF; everything else is a *FrameError.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			err = ErrShortFrame
		}
		return nil, &FrameError{Op: "read header", Err: err}
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if uint64(length) > uint64(fr.maxSize) {
		return nil, &FrameError{Op: "read header", Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxSize)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = ErrShortFrame
		}
		return nil, &FrameError{Op: "read body", Err: err}
	}
	return body, nil
}

// AppendFrame appends the length-prefixed form of body to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// WriteFrame writes body with its length prefix in a single Write call.
func WriteFrame(w io.Writer, body []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(body) > maxSize {
		return &FrameError{Op: "write", Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxSize)}
	}

	buf := AppendFrame(make([]byte, 0, HeaderSize+len(body)), body)
	if _, err := w.Write(buf); err != nil {
		return &FrameError{Op: "write", Err: err}
	}
	return nil
}
