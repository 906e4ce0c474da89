package quicmux

import (
	"errors"
	"sort"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

// maxSortedSegments bounds the number of out-of-order segments kept per stream.
const maxSortedSegments = 1024

var errTooManyGaps = errors.New("too many gaps in received data")

type segment struct {
	offset protocol.ByteCount
	data   []byte
}

func (s segment) end() protocol.ByteCount { return s.offset + protocol.ByteCount(len(s.data)) }

// frameSorter reassembles data received at arbitrary offsets into an
// in-order byte stream.
type frameSorter struct {
	readPos  protocol.ByteCount
	segments []segment // sorted by offset
}

// Push stores data received at offset. Data below the read position is
// dropped; the slice is copied.
func (s *frameSorter) Push(data []byte, offset protocol.ByteCount) error {
	end := offset + protocol.ByteCount(len(data))
	if end <= s.readPos || len(data) == 0 {
		return nil
	}
	if offset < s.readPos {
		data = data[s.readPos-offset:]
		offset = s.readPos
	}
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].offset >= offset })
	// already have this range
	if i < len(s.segments) && s.segments[i].offset == offset && s.segments[i].end() >= end {
		return nil
	}
	if i > 0 && s.segments[i-1].end() >= end {
		return nil
	}
	if len(s.segments) >= maxSortedSegments {
		return errTooManyGaps
	}
	seg := segment{offset: offset, data: append([]byte(nil), data...)}
	s.segments = append(s.segments, segment{})
	copy(s.segments[i+1:], s.segments[i:])
	s.segments[i] = seg
	return nil
}

// Pop returns the next contiguous data, or nil if there's a gap at the read position.
func (s *frameSorter) Pop() []byte {
	var out []byte
	for len(s.segments) > 0 && s.segments[0].offset <= s.readPos {
		seg := s.segments[0]
		s.segments = s.segments[1:]
		if seg.end() <= s.readPos {
			continue
		}
		data := seg.data[s.readPos-seg.offset:]
		out = append(out, data...)
		s.readPos += protocol.ByteCount(len(data))
	}
	return out
}

// ReadPosition is the offset up to which data was popped.
func (s *frameSorter) ReadPosition() protocol.ByteCount { return s.readPos }

// HasGaps says if data beyond the read position is waiting.
func (s *frameSorter) HasGaps() bool { return len(s.segments) > 0 }
