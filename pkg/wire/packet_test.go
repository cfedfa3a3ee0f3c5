package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"hello empty", TypeHello, nil},
		{"adpcm block", TypeADPCM, bytes.Repeat([]byte{0xa5}, 256)},
		{"reset empty", TypeReset, []byte{}},
		{"max payload", TypeTTSMP3, bytes.Repeat([]byte{1}, MaxPayload)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pkt, err := Encode(tc.typ, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(pkt) != HeaderSize+len(tc.payload) {
				t.Fatalf("datagram length = %d, want %d", len(pkt), HeaderSize+len(tc.payload))
			}

			typ, payload, err := Decode(pkt)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if typ != tc.typ {
				t.Errorf("type = %v, want %v", typ, tc.typ)
			}
			if !bytes.Equal(payload, tc.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(payload), len(tc.payload))
			}
		})
	}
}

func TestEncodeOversize(t *testing.T) {
	t.Parallel()

	_, err := Encode(TypeTTSMP3, make([]byte, MaxPayload+1))
	if !errors.Is(err, ErrOversize) {
		t.Fatalf("err = %v, want ErrOversize", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		for _, n := range []int{0, 1, 4} {
			if _, _, err := Decode(make([]byte, n)); !errors.Is(err, ErrTruncated) {
				t.Errorf("Decode(%d bytes) err = %v, want ErrTruncated", n, err)
			}
		}
	})

	t.Run("declared length exceeds payload", func(t *testing.T) {
		t.Parallel()
		pkt := make([]byte, HeaderSize+10)
		pkt[0] = byte(TypeADPCM)
		binary.BigEndian.PutUint32(pkt[1:], 100)
		if _, _, err := Decode(pkt); !errors.Is(err, ErrLengthMismatch) {
			t.Errorf("err = %v, want ErrLengthMismatch", err)
		}
	})

	t.Run("declared length shorter than payload", func(t *testing.T) {
		t.Parallel()
		pkt := make([]byte, HeaderSize+10)
		pkt[0] = byte(TypeADPCM)
		binary.BigEndian.PutUint32(pkt[1:], 3)
		if _, _, err := Decode(pkt); !errors.Is(err, ErrLengthMismatch) {
			t.Errorf("err = %v, want ErrLengthMismatch", err)
		}
	})
}

func TestTypeValidity(t *testing.T) {
	t.Parallel()

	for b := 0; b <= 4; b++ {
		if !Type(b).IsValid() {
			t.Errorf("Type(%d).IsValid() = false, want true", b)
		}
	}
	for _, b := range []byte{5, 99, 255} {
		if Type(b).IsValid() {
			t.Errorf("Type(%d).IsValid() = true, want false", b)
		}
	}
}

func TestFragmentHeaderRoundtrip(t *testing.T) {
	t.Parallel()

	h := FragmentHeader{
		ChunkIndex:    42,
		FragmentIndex: 3,
		FragmentCount: 7,
	}
	copy(h.SessionID[:], bytes.Repeat([]byte{0xee}, SessionIDSize))

	mp3 := []byte("mp3 bytes here")
	payload := h.AppendTo(nil)
	payload = append(payload, mp3...)

	got, data, err := ParseFragment(payload)
	if err != nil {
		t.Fatalf("ParseFragment: %v", err)
	}
	if got != h {
		t.Errorf("header = %+v, want %+v", got, h)
	}
	if !bytes.Equal(data, mp3) {
		t.Errorf("data = %q, want %q", data, mp3)
	}
}

func TestParseFragmentTruncated(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseFragment(make([]byte, FragmentHeaderSize-1)); !errors.Is(err, ErrFragmentTruncated) {
		t.Fatalf("err = %v, want ErrFragmentTruncated", err)
	}
}

func TestFragmentBudgetConstant(t *testing.T) {
	t.Parallel()

	// 1400 − 5 − 24: the payload budget every fragment must respect.
	if MaxFragmentPayload != 1371 {
		t.Fatalf("MaxFragmentPayload = %d, want 1371", MaxFragmentPayload)
	}
}
