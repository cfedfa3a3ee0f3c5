package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SessionIDSize is the fixed length of a session identifier on the wire.
	SessionIDSize = 16

	// FragmentHeaderSize is the inner header prepended to every fragment
	// payload: 16-byte session id + uint32 chunk index + uint16 fragment
	// index + uint16 fragment count.
	FragmentHeaderSize = SessionIDSize + 4 + 2 + 2

	// MaxFragmentPayload is the MP3 byte budget of a single fragment after
	// the outer and inner headers are accounted for.
	MaxFragmentPayload = MaxDatagram - HeaderSize - FragmentHeaderSize
)

// ErrFragmentTruncated is returned when a fragment payload is shorter than
// its inner header.
var ErrFragmentTruncated = errors.New("wire: fragment payload shorter than fragment header")

// FragmentHeader is the inner header of a [TypeTTSMP3Fragment] payload. It
// identifies which slice of which reply chunk the fragment carries so the
// client can reassemble chunks and discard fragments of superseded ones.
type FragmentHeader struct {
	// SessionID is the originating client's opaque 16-byte session identifier.
	SessionID [SessionIDSize]byte

	// ChunkIndex numbers the reply chunk within the session, monotonically
	// increasing per client.
	ChunkIndex uint32

	// FragmentIndex is this fragment's position within the chunk, 0-based.
	FragmentIndex uint16

	// FragmentCount is the total number of fragments in the chunk.
	FragmentCount uint16
}

// AppendTo appends the binary encoding of h to dst and returns the extended
// slice.
func (h FragmentHeader) AppendTo(dst []byte) []byte {
	dst = append(dst, h.SessionID[:]...)
	dst = binary.BigEndian.AppendUint32(dst, h.ChunkIndex)
	dst = binary.BigEndian.AppendUint16(dst, h.FragmentIndex)
	dst = binary.BigEndian.AppendUint16(dst, h.FragmentCount)
	return dst
}

// ParseFragment splits a [TypeTTSMP3Fragment] payload into its header and MP3
// bytes. The returned data aliases payload.
func ParseFragment(payload []byte) (FragmentHeader, []byte, error) {
	if len(payload) < FragmentHeaderSize {
		return FragmentHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrFragmentTruncated, len(payload))
	}
	var h FragmentHeader
	copy(h.SessionID[:], payload[:SessionIDSize])
	h.ChunkIndex = binary.BigEndian.Uint32(payload[SessionIDSize : SessionIDSize+4])
	h.FragmentIndex = binary.BigEndian.Uint16(payload[SessionIDSize+4 : SessionIDSize+6])
	h.FragmentCount = binary.BigEndian.Uint16(payload[SessionIDSize+6 : FragmentHeaderSize])
	return h, payload[FragmentHeaderSize:], nil
}
