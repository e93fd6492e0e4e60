package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrFrameTooLong  = errors.New("frame exceeds maximum length")
	ErrUnknownMarker = errors.New("unknown frame marker")
)

// Splitter carves exactly one complete frame out of the front of buf.
// advance is the number of bytes consumed from buf; frame is the extracted
// message. advance == 0 with a nil error means not enough data yet, the
// caller keeps accumulating. A non-nil error is a framing error: the caller
// discards its buffer and reports it connection-level.
type Splitter interface {
	Split(buf []byte) (advance int, frame []byte, err error)
}

// DelimiterSplitter scans for the first occurrence of any of the candidate
// delimiters. With Strip set the delimiter is removed from the returned
// frame but still consumed from the buffer.
type DelimiterSplitter struct {
	Delimiters [][]byte
	Strip      bool
	MaxLength  int
}

func (s *DelimiterSplitter) Split(buf []byte) (int, []byte, error) {
	end := -1
	dlen := 0
	for _, d := range s.Delimiters {
		if i := bytes.Index(buf, d); i >= 0 && (end < 0 || i < end) {
			end = i
			dlen = len(d)
		}
	}
	if end < 0 {
		if s.MaxLength > 0 && len(buf) > s.MaxLength {
			return 0, nil, fmt.Errorf("%w: %d buffered", ErrFrameTooLong, len(buf))
		}
		return 0, nil, nil
	}
	if s.MaxLength > 0 && end+dlen > s.MaxLength {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, end+dlen)
	}
	if s.Strip {
		return end + dlen, buf[:end], nil
	}
	return end + dlen, buf[:end+dlen], nil
}

// LengthPrefixSplitter reads a fixed-offset length field that predicts the
// total frame size and waits until that many bytes are buffered.
// Total frame size is the field value plus Adjust.
type LengthPrefixSplitter struct {
	Offset    int
	Size      int //length field width, 1..4 bytes
	ByteOrder binary.ByteOrder
	Adjust    int
	MaxLength int
}

func (s *LengthPrefixSplitter) Split(buf []byte) (int, []byte, error) {
	if len(buf) < s.Offset+s.Size {
		return 0, nil, nil
	}
	order := s.ByteOrder
	if order == nil {
		order = binary.BigEndian
	}
	var value int
	switch s.Size {
	case 1:
		value = int(buf[s.Offset])
	case 2:
		value = int(order.Uint16(buf[s.Offset : s.Offset+2]))
	case 4:
		value = int(order.Uint32(buf[s.Offset : s.Offset+4]))
	default:
		return 0, nil, fmt.Errorf("unsupported length field size %d", s.Size)
	}
	total := value + s.Adjust
	if total <= 0 || (s.MaxLength > 0 && total > s.MaxLength) {
		return 0, nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLong, total)
	}
	if len(buf) < total {
		return 0, nil, nil
	}
	return total, buf[:total], nil
}

// MarkerRule describes one record type selected by the leading marker byte:
// where its embedded length field sits and how total frame size derives
// from it.
type MarkerRule struct {
	LengthOffset int
	LengthSize   int
	Adjust       int
}

// MarkerSplitter dispatches on a fixed leading marker byte. A marker with no
// rule is a framing error, the stream cannot be resynchronized.
type MarkerSplitter struct {
	Rules     map[byte]MarkerRule
	ByteOrder binary.ByteOrder
	MaxLength int
}

func (s *MarkerSplitter) Split(buf []byte) (int, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, nil
	}
	rule, ok := s.Rules[buf[0]]
	if !ok {
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMarker, buf[0])
	}
	inner := LengthPrefixSplitter{
		Offset:    rule.LengthOffset,
		Size:      rule.LengthSize,
		ByteOrder: s.ByteOrder,
		Adjust:    rule.Adjust,
		MaxLength: s.MaxLength,
	}
	return inner.Split(buf)
}
