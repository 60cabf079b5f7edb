package meshproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream framing used by serial and TCP attached radios: two start bytes,
// a big-endian length and the protobuf body.
const (
	StreamStart1     byte = 0x94
	StreamStart2     byte = 0xc3
	MaxStreamPayload      = 512
	streamHeaderLen       = 4
)

// ErrFrameTooLarge is returned when asked to frame a body larger than the
// radio accepts.
var ErrFrameTooLarge = errors.New("meshproto: frame exceeds 512 bytes")

// AppendFrame appends the framed form of body to dst.
func AppendFrame(dst, body []byte) ([]byte, error) {
	if len(body) > MaxStreamPayload {
		return dst, ErrFrameTooLarge
	}
	dst = append(dst, StreamStart1, StreamStart2, 0, 0)
	binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(len(body)))
	return append(dst, body...), nil
}

// FrameReader extracts frame bodies from a byte stream. Bytes outside a frame
// (radio debug console output) are skipped, and a header announcing an
// oversized body causes a resync on the next start byte.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*MaxStreamPayload)}
}

// Next blocks until a complete frame is available and returns a copy of its body.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != StreamStart1 {
			continue
		}
		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != StreamStart2 {
			if b == StreamStart1 {
				_ = fr.r.UnreadByte()
			}
			continue
		}
		var hdr [2]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if n > MaxStreamPayload {
			continue
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return nil, fmt.Errorf("meshproto: frame body: %w", err)
		}
		return body, nil
	}
}
