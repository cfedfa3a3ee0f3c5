package adpcm

import (
	"errors"
	"math"
	"testing"
)

// makeTestSignal generates seconds of a mixed-frequency signal at 16 kHz,
// resembling voiced speech more closely than a pure tone.
func makeTestSignal(seconds int) []float32 {
	n := 16000 * seconds
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		t := float64(i) / 16000
		out[i] = float32(
			0.3*math.Sin(2*math.Pi*440*t) +
				0.2*math.Sin(2*math.Pi*880*t) +
				0.1*math.Sin(2*math.Pi*1320*t),
		)
	}
	return out
}

func TestRoundtripQuality(t *testing.T) {
	t.Parallel()

	signal := makeTestSignal(10)
	const block = 512

	var enc Encoder
	var dec Decoder

	// Stream block by block through persistent codec state, as the gateway
	// does across datagrams.
	var mse float64
	var count int
	for off := 0; off+block <= len(signal); off += block {
		in := signal[off : off+block]
		compressed, err := enc.Encode(in)
		if err != nil {
			t.Fatalf("Encode at offset %d: %v", off, err)
		}
		if len(compressed) != block/2 {
			t.Fatalf("compressed size = %d, want %d (4:1 ratio)", len(compressed), block/2)
		}
		out, err := dec.Decode(compressed)
		if err != nil {
			t.Fatalf("Decode at offset %d: %v", off, err)
		}
		if len(out) != block {
			t.Fatalf("decoded %d samples, want %d", len(out), block)
		}
		for i := range in {
			d := float64(in[i] - out[i])
			mse += d * d
			count++
		}
	}

	mse /= float64(count)
	if mse >= 0.01 {
		t.Fatalf("round-trip MSE = %g, want < 0.01", mse)
	}
}

func TestEncodeRejectsOddSampleCount(t *testing.T) {
	t.Parallel()

	var enc Encoder
	if _, err := enc.Encode(make([]float32, 511)); !errors.Is(err, ErrOddSamples) {
		t.Fatalf("err = %v, want ErrOddSamples", err)
	}
	if _, err := enc.Encode(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}
}

func TestDecodeMalformedPreservesState(t *testing.T) {
	t.Parallel()

	signal := makeTestSignal(1)

	var enc Encoder
	first, err := enc.Encode(signal[:512])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := enc.Encode(signal[512:1024])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var clean, faulted Decoder

	cleanOut1, err := clean.Decode(first)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	faultedOut1, err := faulted.Decode(first)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	_ = cleanOut1
	_ = faultedOut1

	// Malformed packet: odd length. Must error without touching state.
	if _, err := faulted.Decode(second[:len(second)-1]); err == nil {
		t.Fatal("Decode accepted odd-length payload")
	}
	if _, err := faulted.Decode(nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err = %v, want ErrEmptyInput", err)
	}

	// Both decoders must now produce identical output for the next packet.
	want, err := clean.Decode(second)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := faulted.Decode(second)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("sample %d differs after malformed packet: %v vs %v", i, got[i], want[i])
		}
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	signal := makeTestSignal(1)

	var encA, encB Encoder
	if _, err := encA.Encode(signal[:1024]); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	encA.Reset()

	a, err := encA.Encode(signal[:512])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := encB.Encode(signal[:512])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("byte %d differs after reset: %#x vs %#x", i, a[i], b[i])
		}
	}
}

func TestDecodeClipping(t *testing.T) {
	t.Parallel()

	// Out-of-range input must clip, not wrap.
	var enc Encoder
	var dec Decoder
	in := make([]float32, 512)
	for i := range in {
		if i%2 == 0 {
			in[i] = 2.5
		} else {
			in[i] = -2.5
		}
	}
	compressed, err := enc.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := dec.Decode(compressed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i, v := range out {
		if v < -1.001 || v > 1.001 {
			t.Fatalf("sample %d = %v, outside [-1, 1]", i, v)
		}
	}
}
