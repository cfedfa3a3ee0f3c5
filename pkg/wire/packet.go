// Package wire implements the callwarden UDP datagram framing.
//
// Every datagram carries a fixed 5-byte header — one byte packet type followed
// by a 4-byte big-endian payload length — and the payload itself. TTS fragment
// payloads (type [TypeTTSMP3Fragment]) carry an additional inner header
// described by [FragmentHeader].
//
// Decoding is strict: a datagram shorter than the header, or whose declared
// length does not exactly match the remaining bytes, is rejected with a
// sentinel error so callers can count and drop it without touching any
// per-client state.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the kind of payload a datagram carries.
type Type byte

const (
	// TypeHello is a client connection announcement with an empty payload.
	TypeHello Type = 0

	// TypeADPCM carries IMA-ADPCM compressed microphone audio.
	TypeADPCM Type = 1

	// TypeTTSMP3 carries a complete MP3 reply chunk in a single datagram.
	TypeTTSMP3 Type = 2

	// TypeTTSMP3Fragment carries one fragment of an MP3 reply chunk, prefixed
	// with a [FragmentHeader].
	TypeTTSMP3Fragment Type = 3

	// TypeReset asks the server to drop the client's dialogue state.
	TypeReset Type = 4
)

// String returns the wire-protocol name of the packet type.
func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeADPCM:
		return "adpcm"
	case TypeTTSMP3:
		return "tts-mp3"
	case TypeTTSMP3Fragment:
		return "tts-mp3-fragment"
	case TypeReset:
		return "reset"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// IsValid reports whether t is a defined packet type.
func (t Type) IsValid() bool {
	return t <= TypeReset
}

const (
	// HeaderSize is the size of the outer datagram header: 1 byte type +
	// 4 bytes big-endian payload length.
	HeaderSize = 5

	// MaxDatagram is the largest datagram the gateway will emit. 1400 bytes
	// stays under the common 1500-byte Ethernet MTU after IP and UDP headers.
	// Decode does not check a datagram's total size against it.
	MaxDatagram = 1400

	// MaxPayload is the largest payload that fits in a single datagram.
	MaxPayload = MaxDatagram - HeaderSize
)

var (
	// ErrTruncated is returned when a datagram is shorter than [HeaderSize].
	ErrTruncated = errors.New("wire: datagram shorter than header")

	// ErrLengthMismatch is returned when the declared payload length does not
	// exactly match the bytes following the header.
	ErrLengthMismatch = errors.New("wire: declared length does not match payload")

	// ErrOversize is returned by [Encode] when the payload would push the
	// datagram past [MaxDatagram].
	ErrOversize = errors.New("wire: payload exceeds max datagram size")
)

// Encode frames payload into a datagram of type t. The payload may be nil for
// control packets. Returns [ErrOversize] if the framed datagram would exceed
// [MaxDatagram].
func Encode(t Type, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, len(payload), MaxPayload)
	}
	pkt := make([]byte, HeaderSize+len(payload))
	pkt[0] = byte(t)
	binary.BigEndian.PutUint32(pkt[1:HeaderSize], uint32(len(payload)))
	copy(pkt[HeaderSize:], payload)
	return pkt, nil
}

// Decode parses a datagram and returns its type and payload. The returned
// payload aliases pkt; callers that retain it past the read buffer's lifetime
// must copy it.
//
// Decode never panics on hostile input: short or inconsistent datagrams yield
// [ErrTruncated] or [ErrLengthMismatch].
func Decode(pkt []byte) (Type, []byte, error) {
	if len(pkt) < HeaderSize {
		return 0, nil, ErrTruncated
	}
	declared := binary.BigEndian.Uint32(pkt[1:HeaderSize])
	if int(declared) != len(pkt)-HeaderSize {
		return 0, nil, fmt.Errorf("%w: declared %d, have %d", ErrLengthMismatch, declared, len(pkt)-HeaderSize)
	}
	return Type(pkt[0]), pkt[HeaderSize:], nil
}
